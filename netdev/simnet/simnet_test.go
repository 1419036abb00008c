package simnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamilton-mote/dutymac/netdev"
)

func TestInitBringsDeviceToIdle(t *testing.T) {
	d := New()
	require.NoError(t, d.Init(context.Background()))
	buf := make([]byte, 1)
	_, err := d.Get(netdev.OptState, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(netdev.StateIdle), buf[0])
}

func TestSendRecordsSentFrame(t *testing.T) {
	d := New()
	require.NoError(t, d.Send(0x0101, []byte("hi"), false))
	require.Len(t, d.Sent, 1)
	assert.Equal(t, uint16(0x0101), d.Sent[0].Dst)
	assert.Equal(t, []byte("hi"), d.Sent[0].PDU)
	assert.False(t, d.Sent[0].Resend)
}

func TestResendMarksResendFlag(t *testing.T) {
	d := New()
	require.NoError(t, d.Resend(0x0101, []byte("hi"), false))
	require.Len(t, d.Sent, 1)
	assert.True(t, d.Sent[0].Resend)
}

func TestInjectRXThenRecvTwoPhase(t *testing.T) {
	d := New()
	got := make(chan netdev.Event, 1)
	d.SetEventCallback(func(ev netdev.Event) { got <- ev })

	d.InjectRX(0x0202, -40, 200, []byte("payload"))
	assert.Equal(t, netdev.EventRXComplete, <-got)

	var info netdev.RXInfo
	n, err := d.Recv(nil, &info)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, uint16(0x0202), info.SrcAddr)

	buf := make([]byte, n)
	n, err = d.Recv(buf, &info)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))

	_, err = d.Recv(nil, &info)
	assert.Error(t, err, "the frame must be consumed after the drain read")
}

func TestInjectDataRequestYieldsZeroLengthFrame(t *testing.T) {
	d := New()
	got := make(chan netdev.Event, 1)
	d.SetEventCallback(func(ev netdev.Event) { got <- ev })

	d.InjectDataRequest(0x0303, -50, 150)
	assert.Equal(t, netdev.EventRXDataRequest, <-got)

	var info netdev.RXInfo
	n, err := d.Recv(nil, &info)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a data-request shadow frame carries no payload")
}

func TestGetSetUnsupportedOptionErrors(t *testing.T) {
	d := New()
	_, err := d.Get(netdev.Option(0xFF), make([]byte, 1))
	assert.Error(t, err)
	_, err = d.Set(netdev.Option(0xFF), make([]byte, 1))
	assert.Error(t, err)
}

func TestGetSetRoundTripsKnownOptions(t *testing.T) {
	d := New()
	_, err := d.Set(netdev.OptChannel, []byte{15})
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = d.Get(netdev.OptChannel, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(15), buf[0])
}

func TestInjectISREmitsISREvent(t *testing.T) {
	d := New()
	got := make(chan netdev.Event, 1)
	d.SetEventCallback(func(ev netdev.Event) { got <- ev })
	d.InjectISR()
	assert.Equal(t, netdev.EventISR, <-got)
}

func TestInjectTXOutcomeEmitsGivenEvent(t *testing.T) {
	d := New()
	got := make(chan netdev.Event, 1)
	d.SetEventCallback(func(ev netdev.Event) { got <- ev })
	d.InjectTXOutcome(netdev.EventTXNoACK)
	assert.Equal(t, netdev.EventTXNoACK, <-got)
}
