package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the viewer.
//
// Hooks run inline on the render loop and the transports, so implementations
// must not block.
type Collector interface {
	IncSnapshot(source string)
	IncDecodeFault(source string)
	IncDropped(reason string)
	IncReconnect(source string)
	IncAction(action, outcome string)
	SetBlocks(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncSnapshot(string)       {}
func (noopCollector) IncDecodeFault(string)    {}
func (noopCollector) IncDropped(string)        {}
func (noopCollector) IncReconnect(string)      {}
func (noopCollector) IncAction(string, string) {}
func (noopCollector) SetBlocks(int)            {}

// PrometheusCollector exposes viewer counters via Prometheus.
type PrometheusCollector struct {
	snapshots    *prometheus.CounterVec
	decodeFaults *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	actions      *prometheus.CounterVec
	blocks       prometheus.Gauge
}

// NewPrometheusCollector registers the viewer metrics with reg.
// Registering twice against the same registerer reuses the existing metrics.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	snapshots, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbview_snapshots_total",
		Help: "Number of reading snapshots decoded per source.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	decodeFaults, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbview_decode_faults_total",
		Help: "Number of messages dropped because they did not decode as a reading snapshot.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	dropped, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbview_view_work_dropped_total",
		Help: "Number of work items the view loop refused.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}

	reconnects, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbview_stream_reconnects_total",
		Help: "Number of reconnect attempts per inbound source.",
	}, []string{"source"}))
	if err != nil {
		return nil, err
	}

	actions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fmbview_device_actions_total",
		Help: "Number of device lifecycle actions by outcome.",
	}, []string{"action", "outcome"}))
	if err != nil {
		return nil, err
	}

	blocks, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fmbview_device_blocks",
		Help: "Number of device blocks currently shown.",
	}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		snapshots:    snapshots,
		decodeFaults: decodeFaults,
		dropped:      dropped,
		reconnects:   reconnects,
		actions:      actions,
		blocks:       blocks,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncSnapshot counts a decoded snapshot.
func (p *PrometheusCollector) IncSnapshot(source string) {
	if p == nil {
		return
	}
	p.snapshots.WithLabelValues(source).Inc()
}

// IncDecodeFault counts a message that failed to decode.
func (p *PrometheusCollector) IncDecodeFault(source string) {
	if p == nil {
		return
	}
	p.decodeFaults.WithLabelValues(source).Inc()
}

// IncDropped counts work refused by the view loop.
func (p *PrometheusCollector) IncDropped(reason string) {
	if p == nil {
		return
	}
	p.dropped.WithLabelValues(reason).Inc()
}

// IncReconnect counts a reconnect attempt.
func (p *PrometheusCollector) IncReconnect(source string) {
	if p == nil {
		return
	}
	p.reconnects.WithLabelValues(source).Inc()
}

// IncAction counts a finished lifecycle action.
func (p *PrometheusCollector) IncAction(action, outcome string) {
	if p == nil {
		return
	}
	p.actions.WithLabelValues(action, outcome).Inc()
}

// SetBlocks records the number of blocks on the board.
func (p *PrometheusCollector) SetBlocks(count int) {
	if p == nil {
		return
	}
	p.blocks.Set(float64(count))
}
