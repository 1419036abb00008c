// Package bht implements the Broadcast Hold Timer: a one-shot timer that
// keeps a broadcast frame at the queue head for one sleep interval so
// every duty-cycled neighbor can wake and hear it.
package bht

import "time"

// Guard is the fixed margin added to the sleep interval so the timer
// fires strictly after the last neighbor's wake window closes.
const Guard = 100 * time.Microsecond

// Timer is a rearmable one-shot broadcast hold timer. It never mutates
// controller state directly; firing only invokes the callback supplied
// to New, which the MAC controller wires to post a RemoveQueue
// self-message onto its own event channel.
type Timer struct {
	interval time.Duration
	onFire   func()
	t        *time.Timer
}

// New creates a Timer that, once armed, fires onFire after
// interval+Guard. onFire is invoked from a timer goroutine and must only
// post a message; it must never touch PPQ or controller state directly.
func New(interval time.Duration, onFire func()) *Timer {
	return &Timer{interval: interval, onFire: onFire}
}

// Arm (re)starts the one-shot timer. Arming an already-armed timer
// replaces the previous deadline, matching xtimer_set's overwrite
// semantics in the reference source.
func (t *Timer) Arm() {
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(t.interval+Guard, t.onFire)
}

// Cancel stops a pending timer, if any. Used only for orderly shutdown;
// the protocol itself never cancels a broadcast hold early.
func (t *Timer) Cancel() {
	if t.t != nil {
		t.t.Stop()
	}
}
