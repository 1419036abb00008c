// Package netdev defines the capability set the MAC controller requires
// from a low-level radio device, independent of any particular transport.
// It is the Go counterpart of the C source's netdev_driver_t: a small,
// synchronous command surface plus an asynchronous, reentrant event
// callback.
package netdev

import "context"

// Option identifies a device parameter accessed through Get/Set.
type Option uint8

const (
	OptChannel Option = iota
	OptTXPower
	OptPANID
	OptAddress
	OptAddressLong
	OptPromiscuous
	OptState
	OptAckPending
	OptIID
)

// State is the radio's coarse operating mode.
type State uint8

const (
	StateOff State = iota
	StateSleep
	StateIdle
	StateRX
	StateTX
)

// Event is posted by a Device to its registered EventCallback.
type Event uint8

const (
	EventISR Event = iota
	EventRXComplete
	EventRXDataRequest
	EventTXComplete
	EventTXCompleteDataPending
	EventTXNoACK
	EventTXMediumBusy
)

func (e Event) String() string {
	switch e {
	case EventISR:
		return "ISR"
	case EventRXComplete:
		return "RX_COMPLETE"
	case EventRXDataRequest:
		return "RX_DATAREQ"
	case EventTXComplete:
		return "TX_COMPLETE"
	case EventTXCompleteDataPending:
		return "TX_COMPLETE_DATA_PENDING"
	case EventTXNoACK:
		return "TX_NOACK"
	case EventTXMediumBusy:
		return "TX_MEDIUM_BUSY"
	default:
		return "UNKNOWN_EVENT"
	}
}

// RXInfo carries per-frame receive metadata alongside the PDU recv()
// returns. SrcAddr consolidates what the reference source extracts by
// walking the netif header; this abstraction hands it over directly
// instead of exposing raw header bytes.
type RXInfo struct {
	SrcAddr uint16
	RSSI    int8
	LQI     uint8
}

// EventCallback is invoked by a Device, possibly reentrantly from within
// a synchronous call such as ISR(), whenever something noteworthy happens.
// Implementations (the MAC controller) must never block here and must
// never mutate shared state directly — only post a message to their own
// event loop.
type EventCallback func(Event)

// Device is the polymorphic radio device capability set the MAC
// controller drives. Exactly one EventCallback is registered per Device.
type Device interface {
	// Init brings the device up in listening mode.
	Init(ctx context.Context) error

	// Send hands a single PDU to the radio for initial transmission.
	// morePending tells the driver whether to keep the channel active for
	// a follow-up transmission (used for the ACK frame-pending bit).
	Send(dst uint16, pdu []byte, morePending bool) error

	// Resend re-hands an already-prepared PDU to the radio on a link
	// retry, without requiring the caller to reallocate on-air state.
	Resend(dst uint16, pdu []byte, morePending bool) error

	// Recv drains a received frame. Passing a zero-length buf is a
	// length probe: it returns the pending frame's length without
	// consuming it, except that a frame with no payload is consumed by
	// the first call, probe or not.
	Recv(buf []byte, info *RXInfo) (int, error)

	// ISR services a pending hardware interrupt. It may call back into
	// the registered EventCallback before returning.
	ISR()

	Get(opt Option, buf []byte) (int, error)
	Set(opt Option, buf []byte) (int, error)

	// SetEventCallback registers the single event sink for this device.
	SetEventCallback(cb EventCallback)
}
