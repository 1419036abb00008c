// Package mac implements the MAC Controller: the single-event-loop actor
// that owns one radio device and mediates all traffic through the
// Pending Packet Queue, Neighbor Table, Retry/CSMA Engine, and Broadcast
// Hold Timer.
//
// The event loop shape is modeled directly on the teacher's
// LinkMgr.ExecRxHandler / RunNPI goroutine-plus-channel-select pattern,
// generalized from NPI's fixed FrameTX/FrameRX/CtrlTX triad into the
// full ingress table the spec names: upper-stack SendRequest, radio
// device events, self-messages (Send, RemoveQueue, CheckQueue,
// LinkRetransmit), and Get/Set passthrough.
package mac

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hamilton-mote/dutymac/bht"
	"github.com/hamilton-mote/dutymac/framebuf"
	"github.com/hamilton-mote/dutymac/metrics"
	"github.com/hamilton-mote/dutymac/neighbortable"
	"github.com/hamilton-mote/dutymac/netdev"
	"github.com/hamilton-mote/dutymac/ppq"
	"github.com/hamilton-mote/dutymac/retry"
	"github.com/hamilton-mote/dutymac/updispatch"
)

// Config carries the runtime-tunable parameters the reference source
// fixed at compile time.
type Config struct {
	QueueSize         int
	NeighborTableSize int
	SleepInterval     time.Duration
	Mode              ppq.Mode
	MaxPDU            int
}

type msgKind int

const (
	msgSendRequest msgKind = iota
	msgRadioISR
	msgRXDataReq
	msgRXComplete
	msgTXComplete
	msgTXCompleteDataPending
	msgTXMediumBusy
	msgTXNoACK
	msgSend
	msgRemoveQueue
	msgCheckQueue
	msgLinkRetransmit
	msgGet
	msgSet
)

type reply struct {
	n   int
	err error
}

type message struct {
	kind   msgKind
	sender framebuf.SenderID
	frame  *framebuf.Frame
	addr   uint16
	opt    netdev.Option
	buf    []byte
	replyC chan reply
}

func txEventFor(k msgKind) netdev.Event {
	switch k {
	case msgTXComplete:
		return netdev.EventTXComplete
	case msgTXCompleteDataPending:
		return netdev.EventTXCompleteDataPending
	case msgTXMediumBusy:
		return netdev.EventTXMediumBusy
	case msgTXNoACK:
		return netdev.EventTXNoACK
	default:
		return netdev.EventTXComplete
	}
}

func outcomeString(o retry.Outcome) string {
	switch o {
	case retry.Success:
		return "success"
	case retry.Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Controller is the MAC Controller. Create one with New and drive it
// with Run; every exported method is safe to call from any goroutine
// and communicates with the loop only via channel sends.
type Controller struct {
	dev      netdev.Device
	ppq      *ppq.Queue
	nt       *neighbortable.Table
	rce      *retry.Engine
	bht      *bht.Timer
	pool     *framebuf.Pool
	dispatch *updispatch.Registry
	metrics  metrics.Recorder
	log      *log.Logger

	maxPDU int

	msgCh chan message

	// Transient controller state (spec §3).
	radioBusy     bool
	recentDst     uint16
	rxDataRequest bool
	irqPending    bool
	retryRexmit   bool
	ackPending    bool

	// pendingSelf accumulates self-messages posted while handling the
	// message currently being dispatched; Run drains it between
	// dispatches.
	pendingSelf []message
}

// New creates a Controller wired to dev. dispatch receives frames pulled
// off the radio on RX_COMPLETE; pool allocates/releases Frame handles;
// rec records operational metrics (use metrics.Noop{} to disable).
func New(cfg Config, dev netdev.Device, dispatch *updispatch.Registry, pool *framebuf.Pool, rec metrics.Recorder, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	c := &Controller{
		dev:      dev,
		nt:       neighbortable.New(cfg.NeighborTableSize),
		rce:      retry.New(),
		pool:     pool,
		dispatch: dispatch,
		metrics:  rec,
		log:      logger.With("component", "mac"),
		maxPDU:   cfg.MaxPDU,
		msgCh:    make(chan message, 8),
	}
	c.bht = bht.New(cfg.SleepInterval, func() {
		c.postExternal(message{kind: msgRemoveQueue})
	})
	c.ppq = ppq.New(cfg.QueueSize, cfg.Mode, c.bht.Arm)
	dev.SetEventCallback(c.onDeviceEvent)
	return c
}

// Run drains the event loop until ctx is canceled. Self-messages
// (Send, RemoveQueue, CheckQueue, LinkRetransmit) are interleaved with
// the external channel rather than queued behind it: on every
// iteration the external channel is given a non-blocking chance to
// deliver first, so a LinkRetransmit that keeps reposting itself while
// waiting on irq_pending/is_receiving can never starve the very event
// (an ISR or RX_COMPLETE) that would clear that gate.
func (c *Controller) Run(ctx context.Context) {
	var self []message
	for {
		if len(self) > 0 {
			select {
			case m := <-c.msgCh:
				self = append(self, c.dispatch1(m)...)
				continue
			default:
			}
			m := self[0]
			self = self[1:]
			self = append(self, c.dispatch1(m)...)
			continue
		}
		select {
		case <-ctx.Done():
			c.bht.Cancel()
			return
		case m := <-c.msgCh:
			self = append(self, c.dispatch1(m)...)
		}
	}
}

// postExternal is used by the netdev event callback and the BHT timer,
// both of which may run on a goroutine other than Run's.
func (c *Controller) postExternal(m message) { c.msgCh <- m }

// postSelf is used from within handle() to enqueue a follow-up message
// without touching the channel (see Run's starvation comment above).
func (c *Controller) postSelf(m message) {
	c.pendingSelf = append(c.pendingSelf, m)
}

// dispatch1 handles one message and returns any self-messages it
// produced.
func (c *Controller) dispatch1(m message) []message {
	c.handle(m)
	c.syncAckPending()
	c.metrics.SetPendingNum(c.ppq.PendingNum())
	c.metrics.SetBroadcastingNum(c.ppq.BroadcastingNum())
	s := c.pendingSelf
	c.pendingSelf = nil
	return s
}

func (c *Controller) syncAckPending() {
	want := c.ppq.PendingNum() > 0
	if want == c.ackPending {
		return
	}
	c.ackPending = want
	var b byte
	if want {
		b = 1
	}
	if _, err := c.dev.Set(netdev.OptAckPending, []byte{b}); err != nil {
		c.log.Error("failed to update ack-pending", "err", err)
	}
}

// onDeviceEvent is the netdev.EventCallback registered with the device.
// It may be invoked reentrantly, from within ISR() or from a reader
// goroutine; it only ever posts a message, never touches controller
// state.
func (c *Controller) onDeviceEvent(ev netdev.Event) {
	switch ev {
	case netdev.EventISR:
		c.postExternal(message{kind: msgRadioISR})
	case netdev.EventRXDataRequest:
		c.postExternal(message{kind: msgRXDataReq})
	case netdev.EventRXComplete:
		c.postExternal(message{kind: msgRXComplete})
	case netdev.EventTXComplete:
		c.postExternal(message{kind: msgTXComplete})
	case netdev.EventTXCompleteDataPending:
		c.postExternal(message{kind: msgTXCompleteDataPending})
	case netdev.EventTXMediumBusy:
		c.postExternal(message{kind: msgTXMediumBusy})
	case netdev.EventTXNoACK:
		c.postExternal(message{kind: msgTXNoACK})
	}
}

// handle runs entirely on the loop goroutine; it is the only place
// controller, PPQ, NT, RCE and BHT state are mutated.
func (c *Controller) handle(m message) {
	switch m.kind {

	case msgSendRequest:
		c.handleSendRequest(m)

	case msgRadioISR:
		c.irqPending = true
		c.dev.ISR()
		c.irqPending = false
		c.postSelf(message{kind: msgCheckQueue})

	case msgRXDataReq:
		// The radio signals the data-request command frame's arrival in
		// advance of actually delivering it; the pull itself happens on
		// the RX_COMPLETE that follows (S3).
		c.rxDataRequest = true

	case msgRXComplete:
		c.handleRXComplete()

	case msgTXComplete, msgTXCompleteDataPending, msgTXMediumBusy, msgTXNoACK:
		if m.kind == msgTXMediumBusy {
			c.metrics.IncCSMABusy()
		}
		res := c.rce.HandleEvent(txEventFor(m.kind))
		if res.Retry {
			c.retryRexmit = res.RetryRexmit
			c.postSelf(message{kind: msgLinkRetransmit})
			return
		}
		if !res.Terminal {
			return
		}
		c.metrics.ObserveOutcome(outcomeString(res.Outcome))
		c.radioBusy = false
		if c.ppq.Broadcasting() {
			// The broadcast stays at the head until the BHT fires; a
			// TX_COMPLETE during the hold window only clears recentDst.
			c.recentDst = framebuf.BroadcastAddr
			return
		}
		c.postSelf(message{kind: msgRemoveQueue})

	case msgSend:
		if c.ppq.PendingNum() > 0 && !c.radioBusy {
			c.trySelectAndSend(true, m.addr)
		}

	case msgCheckQueue:
		if !c.radioBusy && !c.irqPending && !c.isReceiving() {
			c.trySelectAndSend(false, 0)
		}

	case msgRemoveQueue:
		// msgRemoveQueue is only ever posted while Broadcasting() is true
		// by the BHT firing (the TX_COMPLETE* path returns early instead
		// of reaching here for as long as a broadcast holds the head), so
		// that case is the broadcast's hold window expiring.
		if c.ppq.Broadcasting() {
			c.metrics.ObserveOutcome("broadcast_timeout")
		}
		c.ppq.RemoveHeadOfInflight()
		// Bursty coalescing: prefer the peer we just finished with
		// (recentDst stays awake briefly after an exchange) before
		// falling back to a normal always-on selection.
		if !c.radioBusy && !c.irqPending && !c.isReceiving() {
			if !c.trySelectAndSend(true, c.recentDst) {
				c.trySelectAndSend(false, 0)
			}
		}

	case msgLinkRetransmit:
		c.handleLinkRetransmit()

	case msgGet:
		n, err := c.dev.Get(m.opt, m.buf)
		m.replyC <- reply{n, err}

	case msgSet:
		n, err := c.dev.Set(m.opt, m.buf)
		m.replyC <- reply{n, err}
	}
}

func (c *Controller) handleSendRequest(m message) {
	outcome, err := c.ppq.Enqueue(m.sender, m.frame.Kind, m.frame, c.radioBusy)
	if err != nil {
		m.frame.Release()
		m.replyC <- reply{0, err}
		return
	}
	n := len(m.frame.PDU)

	switch outcome {
	case ppq.BroadcastImmediate, ppq.BroadcastArmed:
		if entry, ok := c.ppq.Inflight(); ok {
			c.startSend(entry.Frame, 0)
		}
	case ppq.BroadcastDroppedBusy:
		c.metrics.IncBusyDrop()
	case ppq.Queued:
		if !c.radioBusy && !c.irqPending && !c.isReceiving() {
			c.trySelectAndSend(false, 0)
		}
	case ppq.BroadcastQueuedBehind:
		// Already queued behind an armed broadcast; nothing further to do.
	}

	m.replyC <- reply{n, nil}
}

// handleRXComplete drains the received frame, folds its link metrics
// into the neighbor table, and hands it to the upper-stack dispatch
// registry. The first payload byte is the upper-stack type tag, the
// same framing the reference serial protocol uses for its program-ID
// prefix.
func (c *Controller) handleRXComplete() {
	var info netdev.RXInfo
	n, err := c.dev.Recv(nil, &info)
	if err != nil {
		c.log.Error("recv length probe", "err", err)
		return
	}
	buf := make([]byte, n)
	if n > 0 {
		// A zero-length frame (the data-request shadow frame) is already
		// fully consumed by the probe call above; a second Recv would
		// find nothing buffered and error.
		if _, err := c.dev.Recv(buf, &info); err != nil {
			c.log.Error("recv frame", "err", err)
			return
		}
	}
	c.nt.Update(info.SrcAddr, info.RSSI, info.LQI)

	var typ updispatch.Type
	payload := buf
	if len(buf) > 0 {
		typ = updispatch.Type(buf[0])
		payload = buf[1:]
	}
	if !c.dispatch.Dispatch(updispatch.Frame{
		Type:    typ,
		SrcAddr: info.SrcAddr,
		RSSI:    info.RSSI,
		LQI:     info.LQI,
		Payload: payload,
	}) {
		c.log.Debug("dropped unclaimed frame", "type", typ, "src", info.SrcAddr)
	}

	if c.rxDataRequest && c.ppq.PendingNum() > 0 {
		c.postSelf(message{kind: msgSend, addr: info.SrcAddr})
	}
	c.rxDataRequest = false
}

func (c *Controller) handleLinkRetransmit() {
	if c.irqPending || c.isReceiving() {
		// The retry condition can only be cleared by an external event
		// (ISR or RX_COMPLETE); Run always gives the channel first
		// crack at delivery so this repost can never starve it.
		c.postSelf(message{kind: msgLinkRetransmit})
		return
	}
	entry, ok := c.ppq.Inflight()
	if !ok {
		return
	}
	morePending := c.ppq.PendingNum() > 1
	if err := c.dev.Resend(entry.Frame.Dst, entry.Frame.PDU, morePending); err != nil {
		c.log.Error("resend failed", "err", err)
		// A synchronous driver failure is fed back as TX_MEDIUM_BUSY so
		// the RCE decides again whether to retry or drop.
		c.postSelf(message{kind: msgTXMediumBusy})
	}
}

// trySelectAndSend picks the next eligible frame per ppq.SelectNext and
// hands it to the radio. It reports whether a send was started.
func (c *Controller) trySelectAndSend(toDutyCycled bool, hintAddr uint16) bool {
	_, frame, dst, ok := c.ppq.SelectNext(toDutyCycled, hintAddr, c.nt.IsDutyCycled)
	if !ok {
		return false
	}
	budget := -1
	if frame.Kind != framebuf.Unicast {
		budget = 0
	}
	c.recentDst = dst
	c.startSend(frame, budget)
	return true
}

// startSend marks the radio busy, starts a fresh RCE sequence, and
// hands the frame to the device. retryBudget follows retry.Engine.Start's
// convention (-1 default, 0 never link-retry).
func (c *Controller) startSend(frame *framebuf.Frame, retryBudget int) {
	c.radioBusy = true
	c.recentDst = frame.Dst
	c.rce.Start(retryBudget)
	morePending := c.ppq.PendingNum() > 1
	if err := c.dev.Send(frame.Dst, frame.PDU, morePending); err != nil {
		c.log.Error("send failed", "err", err)
	}
}

// isReceiving reports whether the device is currently mid-reception,
// the condition that (alongside irqPending) gates a link retransmit.
func (c *Controller) isReceiving() bool {
	var buf [1]byte
	if _, err := c.dev.Get(netdev.OptState, buf[:]); err != nil {
		return false
	}
	return netdev.State(buf[0]) == netdev.StateRX
}

// SendRequest submits pdu for delivery to dst on behalf of sender,
// blocking until the frame has been accepted onto the pending packet
// queue (not until it has actually been transmitted).
func (c *Controller) SendRequest(ctx context.Context, sender framebuf.SenderID, dst uint16, kind framebuf.Kind, pdu []byte) (int, error) {
	if len(pdu) > c.maxPDU {
		return 0, fmt.Errorf("mac: pdu length %d exceeds max %d", len(pdu), c.maxPDU)
	}
	frame := c.pool.Alloc(dst, kind, pdu, sender)
	replyC := make(chan reply, 1)
	select {
	case c.msgCh <- message{kind: msgSendRequest, sender: sender, frame: frame, replyC: replyC}:
	case <-ctx.Done():
		frame.Release()
		return 0, ctx.Err()
	}
	select {
	case r := <-replyC:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Get reads a device option through the loop, serializing it with
// everything else the controller does.
func (c *Controller) Get(ctx context.Context, opt netdev.Option, buf []byte) (int, error) {
	replyC := make(chan reply, 1)
	select {
	case c.msgCh <- message{kind: msgGet, opt: opt, buf: buf, replyC: replyC}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-replyC:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Set writes a device option through the loop.
func (c *Controller) Set(ctx context.Context, opt netdev.Option, buf []byte) (int, error) {
	replyC := make(chan reply, 1)
	select {
	case c.msgCh <- message{kind: msgSet, opt: opt, buf: buf, replyC: replyC}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-replyC:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
