package npiserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"

	"github.com/hamilton-mote/dutymac/netdev"
)

// ErrNoFrame is returned by Recv when no frame is currently buffered.
var ErrNoFrame = errors.New("npiserial: no frame available")

// ErrCtrlTimeout is returned by Get/Set when the MCU does not reply in
// time.
var ErrCtrlTimeout = errors.New("npiserial: control request timed out")

const ctrlTimeout = 2 * time.Second

// Open opens the named serial port with the given baud rate, matching
// the teacher's NewSerialPHY options (8N1, no flow control at the
// driver level).
func Open(path string, baud uint) (io.ReadWriteCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
		MinimumReadSize:       1,
	})
}

type rxFrame struct {
	srcAddr uint16
	rssi    int8
	lqi     uint8
	payload []byte
}

type pendingCtrl struct {
	replyC chan ctrlReply
}

// Device is a netdev.Device backed by a serial connection to an
// MCU-hosted radio. Its internal reader/writer goroutine pair is
// modeled directly on the teacher's RunNPI/npiPhyReader/npiPhyWriter
// trio; the frame family is extended with an event frame (0xAF) to
// carry the MAC-level radio events the teacher's protocol had no
// concept of.
type Device struct {
	phy io.ReadWriteCloser

	writeC chan []byte
	halt   chan struct{}

	mu       sync.Mutex
	cb       netdev.EventCallback
	rxReady  *rxFrame
	ctrlReg  map[uint8]*pendingCtrl
	channel  byte
	txpower  byte
	panid    [2]byte
	address  [2]byte
	addrLong [8]byte
	promisc  byte
	state    byte
	ack      byte
	iid      [4]byte
}

// New wraps an already-open serial connection (or, in tests, any
// io.ReadWriteCloser fake) as a netdev.Device.
func New(phy io.ReadWriteCloser) *Device {
	return &Device{
		phy:     phy,
		writeC:  make(chan []byte, 8),
		halt:    make(chan struct{}),
		ctrlReg: make(map[uint8]*pendingCtrl),
		state:   byte(netdev.StateOff),
	}
}

// Init starts the reader and writer goroutines and brings the device
// into listening state.
func (d *Device) Init(ctx context.Context) error {
	go d.reader()
	go d.writer()
	go func() {
		<-ctx.Done()
		close(d.halt)
		d.phy.Close()
	}()
	_, err := d.Set(netdev.OptState, []byte{byte(netdev.StateIdle)})
	return err
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

// Send hands pdu to the MCU for immediate transmission to dst. The OTA
// frame carries only dst and pdu: morePending is not sent to the MCU,
// whose ACK frame-pending flag follows the OptAckPending setting alone.
// The radio's actual send outcome arrives later as an event frame.
func (d *Device) Send(dst uint16, pdu []byte, morePending bool) error {
	f := otaFrame{Dst: dst, PDU: pdu}
	select {
	case d.writeC <- f.serialize():
		return nil
	case <-d.halt:
		return io.ErrClosedPipe
	}
}

// Resend re-submits the same PDU, identically to Send; the MCU
// firmware does not distinguish an original transmission from a
// link-layer retry at the framing level.
func (d *Device) Resend(dst uint16, pdu []byte, morePending bool) error {
	return d.Send(dst, pdu, morePending)
}

// Recv drains the most recently buffered received frame. A zero-length
// buf probes for the frame's length without consuming it, unless the
// frame carries no payload, in which case there is nothing further to
// drain and it is consumed immediately.
func (d *Device) Recv(buf []byte, info *netdev.RXInfo) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxReady == nil {
		return 0, ErrNoFrame
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

// ISR is a no-op: this transport has no hardware interrupt line to
// service. Radio events arrive asynchronously off the reader goroutine
// and are delivered straight to the registered callback.
func (d *Device) ISR() {}

func (d *Device) ctrlCommand(opt netdev.Option, write bool) (uint8, error) {
	switch opt {
	case netdev.OptChannel:
		if write {
			return ctrlSetChannel, nil
		}
		return ctrlGetChannel, nil
	case netdev.OptTXPower:
		if write {
			return ctrlSetTXPower, nil
		}
		return ctrlGetTXPower, nil
	case netdev.OptPANID:
		if write {
			return ctrlSetPANID, nil
		}
		return ctrlGetPANID, nil
	case netdev.OptAddress:
		if write {
			return ctrlSetAddress, nil
		}
		return ctrlGetAddress, nil
	case netdev.OptAddressLong:
		if write {
			return ctrlSetAddressLong, nil
		}
		return ctrlGetAddressLong, nil
	case netdev.OptPromiscuous:
		if write {
			return ctrlSetPromiscuous, nil
		}
		return ctrlGetPromiscuous, nil
	case netdev.OptState:
		if write {
			return ctrlSetState, nil
		}
		return ctrlGetState, nil
	case netdev.OptAckPending:
		if write {
			return ctrlSetAckPending, nil
		}
	case netdev.OptIID:
		if !write {
			return ctrlGetIID, nil
		}
	}
	return 0, fmt.Errorf("npiserial: option %d has no %s control command", opt, map[bool]string{true: "write", false: "read"}[write])
}

// Get issues a control request to read a device option and blocks for
// the MCU's reply.
func (d *Device) Get(opt netdev.Option, buf []byte) (int, error) {
	cmd, err := d.ctrlCommand(opt, false)
	if err != nil {
		return 0, err
	}
	reply, err := d.doCtrl(cmd, nil)
	if err != nil {
		return 0, err
	}
	n := copy(buf, reply.Reply)
	return n, nil
}

// Set issues a control request to write a device option and blocks for
// the MCU's acknowledgement.
func (d *Device) Set(opt netdev.Option, buf []byte) (int, error) {
	cmd, err := d.ctrlCommand(opt, true)
	if err != nil {
		return 0, err
	}
	reply, err := d.doCtrl(cmd, buf)
	if err != nil {
		return 0, err
	}
	if reply.Status != statusOK {
		return 0, fmt.Errorf("npiserial: control command %#02x failed, status=%#02x", cmd, reply.Status)
	}
	return len(buf), nil
}

func (d *Device) doCtrl(cmd uint8, data []byte) (ctrlReply, error) {
	pc := &pendingCtrl{replyC: make(chan ctrlReply, 1)}
	d.mu.Lock()
	d.ctrlReg[cmd] = pc
	d.mu.Unlock()

	req := ctrlRequest{Command: cmd, Data: data}
	select {
	case d.writeC <- req.serialize():
	case <-d.halt:
		return ctrlReply{}, io.ErrClosedPipe
	}

	select {
	case r := <-pc.replyC:
		return r, nil
	case <-time.After(ctrlTimeout):
		d.mu.Lock()
		delete(d.ctrlReg, cmd)
		d.mu.Unlock()
		return ctrlReply{}, ErrCtrlTimeout
	case <-d.halt:
		return ctrlReply{}, io.ErrClosedPipe
	}
}

func (d *Device) writer() {
	for {
		select {
		case <-d.halt:
			return
		case buf := <-d.writeC:
			if _, err := d.phy.Write(buf); err != nil {
				return
			}
		}
	}
}

// reader parses the byte stream for the three inbound frame kinds
// (OTA, event, control reply), exactly as the teacher's npiPhyReader
// walks the stream looking for a start character and then a
// type-specific header that reveals the payload length.
func (d *Device) reader() {
	var acc []byte
	raw := make([]byte, 4096)
	for {
		n, err := d.phy.Read(raw)
		if err != nil {
			return
		}
		acc = append(acc, raw[:n]...)
		for {
			consumed, ok := d.tryParseFrame(acc)
			if !ok {
				break
			}
			acc = acc[consumed:]
		}
	}
}

// tryParseFrame attempts to parse exactly one frame from the front of
// acc. It returns the number of bytes consumed and whether a frame (or
// a skipped garbage byte) was consumed; ok is false only when acc holds
// an incomplete frame and the reader should wait for more bytes.
func (d *Device) tryParseFrame(acc []byte) (int, bool) {
	if len(acc) == 0 {
		return 0, false
	}
	var headerLen, lenOffset int
	switch acc[0] {
	case startOTA:
		headerLen, lenOffset = 4, 3
	case startEvent:
		headerLen, lenOffset = 7, 6
	case startCtrlReply:
		headerLen, lenOffset = 4, 3
	default:
		return 1, true // garbage byte; skip it
	}
	if len(acc) < headerLen {
		return 0, false
	}
	total := headerLen + int(acc[lenOffset]) + 1
	if len(acc) < total {
		return 0, false
	}
	frame := acc[:total]
	body := frame[1 : total-1]
	cksum := frame[total-1]
	if XorBuffer(frame[1:total-1]) != cksum {
		return 1, true // bad checksum; resync on the next byte
	}

	switch acc[0] {
	case startOTA:
		d.handleOTA(body)
	case startEvent:
		d.handleEvent(body)
	case startCtrlReply:
		d.handleCtrlReply(body)
	}
	return total, true
}

func (d *Device) handleOTA(body []byte) {
	if len(body) < 3 {
		return
	}
	dlen := int(body[2])
	if len(body) < 3+dlen {
		return
	}
	d.mu.Lock()
	d.rxReady = &rxFrame{
		srcAddr: uint16(body[0]) | uint16(body[1])<<8,
		payload: append([]byte(nil), body[3:3+dlen]...),
	}
	d.mu.Unlock()
	d.emit(netdev.EventRXComplete)
}

func (d *Device) handleEvent(body []byte) {
	ev, err := parseEventFrame(body)
	if err != nil {
		return
	}
	if ev.Event == evRXComplete || ev.Event == evRXDataRequest {
		d.mu.Lock()
		d.rxReady = &rxFrame{srcAddr: ev.SrcAddr, rssi: ev.RSSI, lqi: ev.LQI, payload: ev.Payload}
		d.mu.Unlock()
	}
	d.emit(npiEventToNetdev(ev.Event))
}

func (d *Device) handleCtrlReply(body []byte) {
	reply, err := parseCtrlReply(body)
	if err != nil {
		return
	}
	d.mu.Lock()
	pc := d.ctrlReg[reply.Command]
	delete(d.ctrlReg, reply.Command)
	d.mu.Unlock()
	if pc != nil {
		pc.replyC <- reply
	}
}

func npiEventToNetdev(ev uint8) netdev.Event {
	switch ev {
	case evISR:
		return netdev.EventISR
	case evRXComplete:
		return netdev.EventRXComplete
	case evRXDataRequest:
		return netdev.EventRXDataRequest
	case evTXComplete:
		return netdev.EventTXComplete
	case evTXCompleteDataPending:
		return netdev.EventTXCompleteDataPending
	case evTXNoACK:
		return netdev.EventTXNoACK
	case evTXMediumBusy:
		return netdev.EventTXMediumBusy
	default:
		return netdev.EventTXNoACK
	}
}
