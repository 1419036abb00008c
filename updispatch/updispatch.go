// Package updispatch implements the upper-stack dispatch registry:
// received frames are handed to a type-indexed registry of subscribers,
// and dropped if no subscriber claims them.
//
// This generalizes the teacher's appdrivers registration pattern
// (progID/address/firehose FrameReceiver registries in npi_linkmgr.go)
// from the NPI sensor-telemetry protocol to a plain packet-type tag, the
// shape the spec's external interface calls for.
package updispatch

import (
	"reflect"
	"sync"
)

// Type tags a received frame for dispatch purposes (the spec's
// "type-indexed registry"); callers define their own numbering.
type Type uint16

// Frame is a received, fully decoded frame handed to a Handler.
type Frame struct {
	Type    Type
	SrcAddr uint16
	RSSI    int8
	LQI     uint8
	Payload []byte
}

// Handler receives dispatched frames. It returns true to let the frame
// continue to any remaining handlers (the firehose case), false to stop
// processing it further.
type Handler interface {
	Receive(Frame) bool
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Frame) bool

// Receive implements Handler.
func (f HandlerFunc) Receive(fr Frame) bool { return f(fr) }

// Registry dispatches received frames to registered handlers, by type tag
// first and then through a firehose of catch-all handlers, exactly as
// the teacher's RX dispatch loop in ExecRxHandler does for program IDs.
type Registry struct {
	mu       sync.Mutex
	byType   map[Type]Handler
	firehose []Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[Type]Handler)}
}

// RegisterType binds a Handler to a specific frame Type.
func (r *Registry) RegisterType(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = h
}

// RegisterAll adds h to the firehose, which sees every frame that the
// type-specific handler (if any) did not stop. Equality for the
// duplicate check is by reflect.DeepEqual rather than ==, since a
// HandlerFunc-wrapped handler is not comparable with == (the dynamic
// type behind the Handler interface may be a func value).
func (r *Registry) RegisterAll(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.firehose {
		if reflect.DeepEqual(existing, h) {
			return
		}
	}
	r.firehose = append(r.firehose, h)
}

// Deregister removes h from the type registry and the firehose,
// returning whether anything was actually removed. As with RegisterAll,
// matching is by reflect.DeepEqual, under which a non-nil HandlerFunc
// never equals anything, not even itself, so a HandlerFunc is never
// removed; use a pointer handler type when a handler needs to be
// removable.
func (r *Registry) Deregister(h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for t, existing := range r.byType {
		if reflect.DeepEqual(existing, h) {
			delete(r.byType, t)
			removed = true
		}
	}
	kept := r.firehose[:0]
	for _, existing := range r.firehose {
		if reflect.DeepEqual(existing, h) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	r.firehose = kept
	return removed
}

// Dispatch delivers fr to its type handler (if any) and then the
// firehose, stopping early if a handler returns false. It reports
// whether any handler claimed the frame; an unclaimed frame should be
// dropped by the caller.
func (r *Registry) Dispatch(fr Frame) bool {
	r.mu.Lock()
	h := r.byType[fr.Type]
	firehose := append([]Handler(nil), r.firehose...)
	r.mu.Unlock()

	claimed := false
	if h != nil {
		claimed = true
		if !h.Receive(fr) {
			return claimed
		}
	}
	for _, fh := range firehose {
		claimed = true
		if !fh.Receive(fr) {
			break
		}
	}
	return claimed
}
