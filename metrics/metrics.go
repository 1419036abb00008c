// Package metrics exposes the router MAC's operational counters via
// Prometheus, the way a production router would surface queue depth and
// retry behavior without touching the protocol itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the narrow interface mac.Controller depends on, so tests
// can swap in a no-op implementation without pulling in a registry.
type Recorder interface {
	SetPendingNum(n int)
	SetBroadcastingNum(n int)
	ObserveOutcome(outcome string)
	IncCSMABusy()
	IncBusyDrop()
}

// Prometheus is the default Recorder, registering a small set of gauges
// and counters.
type Prometheus struct {
	pendingNum     prometheus.Gauge
	broadcastNum   prometheus.Gauge
	outcomes       *prometheus.CounterVec
	csmaBusy       prometheus.Counter
	busyDrop       prometheus.Counter
}

// NewPrometheus creates and registers the metrics against reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		pendingNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dutymac",
			Name:      "ppq_pending_num",
			Help:      "Number of frames currently queued in the pending packet queue.",
		}),
		broadcastNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dutymac",
			Name:      "ppq_broadcasting_num",
			Help:      "Number of broadcast/multicast frames occupying the queue's broadcast prefix.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dutymac",
			Name:      "tx_outcomes_total",
			Help:      "Terminal transmit outcomes by kind (success, dropped, broadcast_timeout).",
		}, []string{"outcome"}),
		csmaBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dutymac",
			Name:      "csma_busy_total",
			Help:      "Number of TX_MEDIUM_BUSY events observed by the CSMA layer.",
		}),
		busyDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dutymac",
			Name:      "broadcast_busy_drops_total",
			Help:      "Broadcasts silently dropped because the radio was busy (immediate-broadcast mode).",
		}),
	}
	reg.MustRegister(p.pendingNum, p.broadcastNum, p.outcomes, p.csmaBusy, p.busyDrop)
	return p
}

func (p *Prometheus) SetPendingNum(n int)     { p.pendingNum.Set(float64(n)) }
func (p *Prometheus) SetBroadcastingNum(n int) { p.broadcastNum.Set(float64(n)) }
func (p *Prometheus) ObserveOutcome(outcome string) { p.outcomes.WithLabelValues(outcome).Inc() }
func (p *Prometheus) IncCSMABusy() { p.csmaBusy.Inc() }
func (p *Prometheus) IncBusyDrop() { p.busyDrop.Inc() }

// Noop discards every observation; useful for tests and for embedders
// that don't want Prometheus wired in.
type Noop struct{}

func (Noop) SetPendingNum(int)      {}
func (Noop) SetBroadcastingNum(int) {}
func (Noop) ObserveOutcome(string)  {}
func (Noop) IncCSMABusy()           {}
func (Noop) IncBusyDrop()           {}
