// Package npiserial implements netdev.Device over a serial link to an
// MCU-hosted radio, using a small framed protocol descended from the
// teacher's SMac NPI wire format.
//
// Frame families, each tagged by its own start character and closed
// with a trailing XOR checksum exactly as the teacher's npi_protocol.go
// does:
//
//	0xAE  OTA data frame (host<->MCU radio payload)
//	0xAF  Event frame (MCU->host radio event: ISR/RX_DATAREQ/TX_* outcomes)
//	0xBD  Control request (host->MCU)
//	0xBA  Control reply (MCU->host)
package npiserial

import (
	"bytes"
	"fmt"
)

const (
	startOTA         = 0xAE
	startEvent       = 0xAF
	startCtrlRequest = 0xBD
	startCtrlReply   = 0xBA
)

// Event codes carried by a 0xAF frame, one per netdev.Event.
const (
	evISR uint8 = iota
	evRXComplete
	evRXDataRequest
	evTXComplete
	evTXCompleteDataPending
	evTXNoACK
	evTXMediumBusy
)

// Control commands, host->MCU, one per netdev.Option plus the
// teacher's flow-control pair.
const (
	ctrlUnsquelchHost   uint8 = 0x00
	ctrlSquelchHost     uint8 = 0x01
	ctrlGetChannel      uint8 = 0x10
	ctrlSetChannel      uint8 = 0x11
	ctrlGetTXPower      uint8 = 0x12
	ctrlSetTXPower      uint8 = 0x13
	ctrlGetPANID        uint8 = 0x14
	ctrlSetPANID        uint8 = 0x15
	ctrlGetAddress      uint8 = 0x16
	ctrlSetAddress      uint8 = 0x17
	ctrlGetAddressLong  uint8 = 0x18
	ctrlSetAddressLong  uint8 = 0x19
	ctrlGetPromiscuous  uint8 = 0x1A
	ctrlSetPromiscuous  uint8 = 0x1B
	ctrlGetState        uint8 = 0x1C
	ctrlSetState        uint8 = 0x1D
	ctrlSetAckPending   uint8 = 0x1E
	ctrlGetIID          uint8 = 0x1F
)

const (
	statusOK uint8 = 0x00
)

// XorBuffer computes the checksum byte for buf, exactly as the
// teacher's XorBuffer.
func XorBuffer(buf []byte) uint8 {
	var x uint8
	for _, b := range buf {
		x ^= b
	}
	return x
}

// otaFrame is one OTA radio payload, host<->MCU.
type otaFrame struct {
	Dst  uint16
	PDU  []byte
}

func (f *otaFrame) serialize() []byte {
	var buf bytes.Buffer
	buf.Grow(6 + len(f.PDU))
	buf.WriteByte(startOTA)
	buf.WriteByte(uint8(f.Dst))
	buf.WriteByte(uint8(f.Dst >> 8))
	buf.WriteByte(uint8(len(f.PDU)))
	buf.Write(f.PDU)
	buf.WriteByte(XorBuffer(buf.Bytes()[1:]))
	return buf.Bytes()
}

// eventFrame is a radio event pushed by the MCU, carrying receive
// metadata for the RX-shaped events and nothing else for TX outcomes.
type eventFrame struct {
	Event   uint8
	SrcAddr uint16
	RSSI    int8
	LQI     uint8
	Payload []byte
}

func parseEventFrame(body []byte) (eventFrame, error) {
	if len(body) < 5 {
		return eventFrame{}, fmt.Errorf("npiserial: event frame too short (%d bytes)", len(body))
	}
	ev := eventFrame{
		Event:   body[0],
		SrcAddr: uint16(body[1]) | uint16(body[2])<<8,
		RSSI:    int8(body[3]),
		LQI:     body[4],
	}
	if len(body) > 5 {
		plen := int(body[5])
		if len(body) >= 6+plen {
			ev.Payload = append([]byte(nil), body[6:6+plen]...)
		}
	}
	return ev, nil
}

// ctrlRequest is a host->MCU control command.
type ctrlRequest struct {
	Command uint8
	Data    []byte
}

func (c *ctrlRequest) serialize() []byte {
	var buf bytes.Buffer
	buf.Grow(4 + len(c.Data))
	buf.WriteByte(startCtrlRequest)
	buf.WriteByte(c.Command)
	buf.WriteByte(uint8(len(c.Data)))
	buf.Write(c.Data)
	buf.WriteByte(XorBuffer(buf.Bytes()[1:]))
	return buf.Bytes()
}

// ctrlReply is the MCU's reply to a ctrlRequest.
type ctrlReply struct {
	Command uint8
	Status  uint8
	Reply   []byte
}

func parseCtrlReply(body []byte) (ctrlReply, error) {
	if len(body) < 3 {
		return ctrlReply{}, fmt.Errorf("npiserial: control reply too short (%d bytes)", len(body))
	}
	rlen := int(body[2])
	if len(body) < 3+rlen {
		return ctrlReply{}, fmt.Errorf("npiserial: control reply truncated")
	}
	return ctrlReply{
		Command: body[0],
		Status:  body[1],
		Reply:   append([]byte(nil), body[3:3+rlen]...),
	}, nil
}
