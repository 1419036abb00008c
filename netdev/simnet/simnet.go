// Package simnet provides an in-memory netdev.Device fake for tests and
// the router's -simulate run mode, the same role the teacher's TestLink
// plays for the serial PHY, but driven at the Device level rather than
// raw bytes since there is no wire framing to fake here.
package simnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/hamilton-mote/dutymac/netdev"
)

type rxFrame struct {
	srcAddr uint16
	rssi    int8
	lqi     uint8
	payload []byte
}

// SentFrame records one Send or Resend call, for test assertions.
type SentFrame struct {
	Dst    uint16
	PDU    []byte
	Resend bool
}

// Device is a fake netdev.Device driven entirely in-process: tests (or
// the router's -simulate mode) call the Inject* methods to feed it
// events, and inspect Sent to see what the controller transmitted.
type Device struct {
	mu sync.Mutex
	cb netdev.EventCallback

	state     byte
	channel   byte
	txpower   byte
	panid     [2]byte
	address   [2]byte
	promisc   byte
	ackPend   byte
	rxReady   *rxFrame

	Sent []SentFrame
}

// New creates a Device in the off state with address 0; Init brings it
// to idle.
func New() *Device {
	return &Device{state: byte(netdev.StateOff)}
}

func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	d.state = byte(netdev.StateIdle)
	d.mu.Unlock()
	return nil
}

func (d *Device) SetEventCallback(cb netdev.EventCallback) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *Device) emit(ev netdev.Event) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (d *Device) Send(dst uint16, pdu []byte, morePending bool) error {
	d.mu.Lock()
	d.Sent = append(d.Sent, SentFrame{Dst: dst, PDU: append([]byte(nil), pdu...)})
	d.mu.Unlock()
	return nil
}

func (d *Device) Resend(dst uint16, pdu []byte, morePending bool) error {
	d.mu.Lock()
	d.Sent = append(d.Sent, SentFrame{Dst: dst, PDU: append([]byte(nil), pdu...), Resend: true})
	d.mu.Unlock()
	return nil
}

func (d *Device) Recv(buf []byte, info *netdev.RXInfo) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxReady == nil {
		return 0, fmt.Errorf("simnet: no frame available")
	}
	if info != nil {
		info.SrcAddr = d.rxReady.srcAddr
		info.RSSI = d.rxReady.rssi
		info.LQI = d.rxReady.lqi
	}
	n := len(d.rxReady.payload)
	if n == 0 {
		d.rxReady = nil
		return 0, nil
	}
	if len(buf) == 0 {
		return n, nil
	}
	copy(buf, d.rxReady.payload)
	d.rxReady = nil
	return n, nil
}

func (d *Device) ISR() {}

func (d *Device) Get(opt netdev.Option, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch opt {
	case netdev.OptChannel:
		buf[0] = d.channel
	case netdev.OptTXPower:
		buf[0] = d.txpower
	case netdev.OptPANID:
		copy(buf, d.panid[:])
	case netdev.OptAddress:
		copy(buf, d.address[:])
	case netdev.OptPromiscuous:
		buf[0] = d.promisc
	case netdev.OptState:
		buf[0] = d.state
	case netdev.OptAckPending:
		buf[0] = d.ackPend
	default:
		return 0, fmt.Errorf("simnet: unsupported option %d", opt)
	}
	return 1, nil
}

func (d *Device) Set(opt netdev.Option, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch opt {
	case netdev.OptChannel:
		d.channel = buf[0]
	case netdev.OptTXPower:
		d.txpower = buf[0]
	case netdev.OptPANID:
		copy(d.panid[:], buf)
	case netdev.OptAddress:
		copy(d.address[:], buf)
	case netdev.OptPromiscuous:
		d.promisc = buf[0]
	case netdev.OptState:
		d.state = buf[0]
	case netdev.OptAckPending:
		d.ackPend = buf[0]
	default:
		return 0, fmt.Errorf("simnet: unsupported option %d", opt)
	}
	return len(buf), nil
}

// InjectRX simulates a fully received frame, as if the radio had just
// decoded it off the air.
func (d *Device) InjectRX(srcAddr uint16, rssi int8, lqi uint8, payload []byte) {
	d.mu.Lock()
	d.rxReady = &rxFrame{srcAddr: srcAddr, rssi: rssi, lqi: lqi, payload: append([]byte(nil), payload...)}
	d.mu.Unlock()
	d.emit(netdev.EventRXComplete)
}

// InjectDataRequest simulates a duty-cycled neighbor's data-request poll.
func (d *Device) InjectDataRequest(srcAddr uint16, rssi int8, lqi uint8) {
	d.mu.Lock()
	d.rxReady = &rxFrame{srcAddr: srcAddr, rssi: rssi, lqi: lqi}
	d.mu.Unlock()
	d.emit(netdev.EventRXDataRequest)
}

// InjectISR simulates a hardware interrupt.
func (d *Device) InjectISR() { d.emit(netdev.EventISR) }

// InjectTXOutcome simulates the radio's report on the most recent Send
// or Resend: one of EventTXComplete, EventTXCompleteDataPending,
// EventTXMediumBusy, or EventTXNoACK.
func (d *Device) InjectTXOutcome(ev netdev.Event) { d.emit(ev) }
