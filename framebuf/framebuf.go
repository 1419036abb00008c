// Package framebuf implements the reference-counted packet handle the
// pending packet queue holds while a frame is queued or in flight.
package framebuf

import (
	"sync"
	"sync/atomic"
)

// Kind distinguishes how a Frame should be routed by the MAC layer.
type Kind uint8

const (
	Unicast Kind = iota
	Broadcast
	Multicast
)

func (k Kind) String() string {
	switch k {
	case Unicast:
		return "unicast"
	case Broadcast:
		return "broadcast"
	case Multicast:
		return "multicast"
	default:
		return "unknown"
	}
}

// BroadcastAddr is the sentinel short address used for broadcast/multicast
// frames and for "no recent destination".
const BroadcastAddr uint16 = 0xFFFF

// SenderID identifies the upper-stack originator of a frame, used only to
// route replies; the MAC layer never interprets it.
type SenderID uint32

// Frame is an opaque, reference-counted outbound (or inbound) packet handle.
// While queued in the PPQ, the queue holds exactly one reference; Release
// drops it, and the last Release returns the Frame to its Pool.
type Frame struct {
	pool *Pool

	Dst     uint16 // low 16 bits of a short or extended L2 address
	Kind    Kind
	PDU     []byte
	Sender  SenderID
	refs    int32
}

// Pool is the frame allocator. The zero value is ready to use.
type Pool struct {
	mu      sync.Mutex
	free    []*Frame
	allocd  int
}

// Alloc returns a Frame with refcount 1, reusing a freed Frame when
// possible instead of allocating.
func (p *Pool) Alloc(dst uint16, kind Kind, pdu []byte, sender SenderID) *Frame {
	p.mu.Lock()
	var f *Frame
	if n := len(p.free); n > 0 {
		f = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		f = &Frame{pool: p}
		p.allocd++
	}
	p.mu.Unlock()

	f.Dst = dst
	f.Kind = kind
	f.PDU = pdu
	f.Sender = sender
	atomic.StoreInt32(&f.refs, 1)
	return f
}

// Retain increments the reference count, e.g. while a link-retry is
// re-handing the same frame to the radio without releasing ownership.
func (f *Frame) Retain() {
	atomic.AddInt32(&f.refs, 1)
}

// Release drops a reference. When the count reaches zero the Frame is
// returned to its Pool for reuse.
func (f *Frame) Release() {
	if atomic.AddInt32(&f.refs, -1) != 0 {
		return
	}
	f.PDU = nil
	f.pool.mu.Lock()
	f.pool.free = append(f.pool.free, f)
	f.pool.mu.Unlock()
}

// Allocated reports how many distinct Frame values this pool has ever
// created (free-list reuse does not increase this). Primarily for tests
// and metrics.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocd
}
