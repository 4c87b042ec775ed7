// Package metrics exposes the orchestrator's internal health counters over
// an optional Prometheus /metrics endpoint, grounded on the pack's
// PrometheusProvider pattern (99souls-ariadne's engine/telemetry/metrics):
// a private registry plus a cached promhttp handler, simplified here to a
// fixed, small metric set rather than a dynamically-registered provider,
// since the dashboard's counters are known up front (spec.md SPEC_FULL.md
// ambient observability note).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the orchestrator's fixed set of internal counters and
// gauges and serves them over HTTP.
type Registry struct {
	reg *prometheus.Registry

	TickDuration   prometheus.Histogram
	IngressDropped prometheus.Counter
	CodecErrors    prometheus.Counter
	CapacityReject prometheus.Counter
}

// New creates a private Prometheus registry with the dashboard's fixed
// metric set registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "racedash_tick_duration_seconds",
			Help:    "Wall-clock duration of one orchestrator pipeline tick.",
			Buckets: prometheus.DefBuckets,
		}),
		IngressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racedash_ingress_dropped_total",
			Help: "Ingress queue items discarded because the queue was full.",
		}),
		CodecErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racedash_can_codec_errors_total",
			Help: "CAN signal extractions rejected for an out-of-range bit layout.",
		}),
		CapacityReject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "racedash_bus_capacity_rejects_total",
			Help: "Signal bus writes rejected because a brand-new name exceeded fixed capacity.",
		}),
	}

	reg.MustRegister(m.TickDuration, m.IngressDropped, m.CodecErrors, m.CapacityReject)
	return m
}

// Handler returns the HTTP handler serving this registry's /metrics page.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Sources reads the running, monotonically-increasing counters owned by
// other subsystems (ingress drops, codec errors, bus capacity rejects).
type Sources struct {
	IngressDropped func() uint64
	CodecErrors    func() uint64
	CapacityReject func() uint64
}

// Sampler reconciles Sources against a Registry's Prometheus counters
// once per tick, adding only the delta since the previous call since
// Prometheus counters can only move forward.
type Sampler struct {
	reg  *Registry
	last [3]uint64
}

// NewSampler creates a Sampler bound to reg.
func NewSampler(reg *Registry) *Sampler { return &Sampler{reg: reg} }

// Sample reconciles one tick's counter values into reg.
func (s *Sampler) Sample(src Sources) {
	if src.IngressDropped != nil {
		cur := src.IngressDropped()
		s.reg.IngressDropped.Add(float64(cur - s.last[0]))
		s.last[0] = cur
	}
	if src.CodecErrors != nil {
		cur := src.CodecErrors()
		s.reg.CodecErrors.Add(float64(cur - s.last[1]))
		s.last[1] = cur
	}
	if src.CapacityReject != nil {
		cur := src.CapacityReject()
		s.reg.CapacityReject.Add(float64(cur - s.last[2]))
		s.last[2] = cur
	}
}
