// Package ppq implements the Pending Packet Queue: a bounded FIFO of
// outbound frames awaiting transmission, with a distinguished broadcast
// prefix region.
//
// The queue tracks only its own bookkeeping (entries, counters, the
// in-flight index). Radio ownership (radio_busy) and destination-affinity
// (recent_dst) live on the MAC controller, which reacts to the Outcome an
// operation returns.
package ppq

import (
	"errors"

	"github.com/hamilton-mote/dutymac/framebuf"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("ppq: queue full")

// NoKey is the sentinel "no frame in flight" value for SendingKey.
const NoKey = -1

// Mode selects how broadcast/multicast frames are queued.
type Mode int

const (
	// ImmediateBroadcast sends a broadcast right away if the radio is
	// free, dropping it silently otherwise. This is the default mode in
	// the reference source.
	ImmediateBroadcast Mode = iota
	// BroadcastQueueing holds a broadcast at the queue head for one
	// sleep interval so every duty-cycled neighbor can wake and hear it.
	BroadcastQueueing
)

// Entry is one queued frame plus its bookkeeping tuple.
type Entry struct {
	Sender framebuf.SenderID
	Kind   framebuf.Kind
	Frame  *framebuf.Frame
}

// Outcome reports what Enqueue did, so the MAC controller knows which
// side effects (radio_busy, BHT arming, RCE hand-off) it must apply.
type Outcome int

const (
	// Queued: a unicast frame was appended; no immediate action needed.
	Queued Outcome = iota
	// BroadcastArmed: a broadcast became the new queue head in
	// BroadcastQueueing mode; the BHT has been armed and the queue is
	// now in the broadcasting state with SendingKey() == 0.
	BroadcastArmed
	// BroadcastQueuedBehind: a broadcast was queued in BroadcastQueueing
	// mode but a broadcast was already at the head.
	BroadcastQueuedBehind
	// BroadcastImmediate: immediate-broadcast mode, radio was free; the
	// caller must hand this frame to the retry engine right now with
	// retry budget 0 and mark the radio busy. SendingKey() gives the
	// index.
	BroadcastImmediate
	// BroadcastDroppedBusy: immediate-broadcast mode, radio was busy;
	// the frame was released and was not enqueued.
	BroadcastDroppedBusy
)

// Queue is the Pending Packet Queue. The zero value is not usable; use
// New.
type Queue struct {
	capacity      int
	mode          Mode
	entries       []Entry
	pendingNum    int
	broadcastNum  int
	sendingKey    int
	broadcasting  bool
	armBHT        func()
}

// New creates a Queue of the given capacity and mode. armBHT is invoked
// (synchronously, from within Enqueue or RemoveHeadOfInflight) whenever a
// broadcast reaches the queue head in BroadcastQueueing mode; it should
// arm the Broadcast Hold Timer. armBHT may be nil in ImmediateBroadcast
// mode, which never uses it.
func New(capacity int, mode Mode, armBHT func()) *Queue {
	return &Queue{
		capacity:   capacity,
		mode:       mode,
		entries:    make([]Entry, capacity),
		sendingKey: NoKey,
		armBHT:     armBHT,
	}
}

// PendingNum is the number of entries currently queued (0 <= . <= Q).
func (q *Queue) PendingNum() int { return q.pendingNum }

// BroadcastingNum is the number of broadcast/multicast entries occupying
// the queue's broadcast prefix region (BroadcastQueueing mode only).
func (q *Queue) BroadcastingNum() int { return q.broadcastNum }

// SendingKey is the index of the in-flight entry, or NoKey.
func (q *Queue) SendingKey() int { return q.sendingKey }

// Broadcasting reports whether the BHT is currently holding the head
// broadcast frame.
func (q *Queue) Broadcasting() bool { return q.broadcasting }

// Capacity is Q.
func (q *Queue) Capacity() int { return q.capacity }

// Full reports whether the queue is at capacity.
func (q *Queue) Full() bool { return q.pendingNum == q.capacity }

// Enqueue submits a frame for transmission. radioBusy must reflect the
// controller's current radio_busy flag; it is only consulted in
// ImmediateBroadcast mode.
func (q *Queue) Enqueue(sender framebuf.SenderID, kind framebuf.Kind, frame *framebuf.Frame, radioBusy bool) (Outcome, error) {
	if q.Full() {
		return 0, ErrQueueFull
	}

	if kind != framebuf.Unicast {
		if q.mode == BroadcastQueueing {
			if q.broadcastNum < q.pendingNum {
				copy(q.entries[q.broadcastNum+1:q.pendingNum+1], q.entries[q.broadcastNum:q.pendingNum])
			}
			q.entries[q.broadcastNum] = Entry{Sender: sender, Kind: kind, Frame: frame}
			becameHead := q.broadcastNum == 0
			q.broadcastNum++
			q.pendingNum++
			if becameHead {
				q.broadcasting = true
				q.sendingKey = 0
				if q.armBHT != nil {
					q.armBHT()
				}
				return BroadcastArmed, nil
			}
			return BroadcastQueuedBehind, nil
		}

		// ImmediateBroadcast mode.
		if radioBusy {
			frame.Release()
			return BroadcastDroppedBusy, nil
		}
		idx := q.pendingNum
		q.entries[idx] = Entry{Sender: sender, Kind: kind, Frame: frame}
		q.sendingKey = idx
		q.pendingNum++
		return BroadcastImmediate, nil
	}

	// Unicast: append to the tail.
	q.entries[q.pendingNum] = Entry{Sender: sender, Kind: kind, Frame: frame}
	q.pendingNum++
	return Queued, nil
}

// RemoveHeadOfInflight releases the in-flight entry, compacts the tail
// left by one position preserving order, and re-arms the BHT if the new
// head is a broadcast. It is a no-op if no send is in flight.
func (q *Queue) RemoveHeadOfInflight() {
	if q.sendingKey == NoKey {
		return
	}
	idx := q.sendingKey
	wasBroadcast := idx < q.broadcastNum

	q.entries[idx].Frame.Release()
	copy(q.entries[idx:q.pendingNum-1], q.entries[idx+1:q.pendingNum])
	q.entries[q.pendingNum-1] = Entry{}
	q.pendingNum--
	if wasBroadcast {
		q.broadcastNum--
	}
	q.sendingKey = NoKey

	if q.broadcastNum > 0 {
		q.broadcasting = true
		q.sendingKey = 0
		if q.armBHT != nil {
			q.armBHT()
		}
		return
	}
	q.broadcasting = false
}

// Inflight returns the entry currently marked in flight (SendingKey),
// if any.
func (q *Queue) Inflight() (Entry, bool) {
	if q.sendingKey == NoKey {
		return Entry{}, false
	}
	return q.entries[q.sendingKey], true
}

// SelectNext chooses the next frame to send. If the queue is currently
// broadcasting, it always returns the head entry. Otherwise it scans in
// submission order for the first unicast frame matching the selection
// predicate: when toDutyCycled is true, destination == hintAddr; when
// false, destination is not a duty-cycled neighbor per isDutyCycled.
//
// The caller (MAC controller) must ensure SendingKey() == NoKey before
// calling SelectNext; it is the only legal precondition.
func (q *Queue) SelectNext(toDutyCycled bool, hintAddr uint16, isDutyCycled func(uint16) bool) (idx int, frame *framebuf.Frame, recentDst uint16, ok bool) {
	if q.broadcasting {
		q.sendingKey = 0
		return 0, q.entries[0].Frame, framebuf.BroadcastAddr, true
	}

	for i := 0; i < q.pendingNum; i++ {
		if q.entries[i].Kind != framebuf.Unicast {
			continue
		}
		dst := q.entries[i].Frame.Dst
		match := dst == hintAddr
		if !toDutyCycled {
			match = !isDutyCycled(dst)
		}
		if match {
			q.sendingKey = i
			return i, q.entries[i].Frame, dst, true
		}
	}
	return 0, nil, 0, false
}
