// Package metrics wires the balancer's runtime counters into Prometheus,
// the teacher's own observability stack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectResult labels the outcome of an upstream connect attempt.
type ConnectResult string

const (
	ConnectSuccess ConnectResult = "success"
	ConnectFailure ConnectResult = "failure"
)

// Direction labels which way bytes moved through a tunnel.
type Direction string

const (
	DirectionClientToUpstream Direction = "client_to_upstream"
	DirectionUpstreamToClient Direction = "upstream_to_client"
)

// Registry bundles every metric spec.md's observability surface exposes,
// registered against a single prometheus.Registerer so cmd/tcplb can mount
// exactly one /metrics handler.
type Registry struct {
	TunnelsActive   prometheus.Gauge
	ConnectAttempts *prometheus.CounterVec
	ConnectLatency  prometheus.Histogram
	CooldownsTotal  prometheus.Counter
	CooldownsActive prometheus.Gauge
	BytesRelayed    *prometheus.CounterVec
}

// New constructs and registers the Registry against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps tests hermetic and avoids "duplicate metrics collector
// registration" panics across repeated test runs.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcplb_tunnels_active",
			Help: "Number of tunnels currently open between a client and an upstream.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcplb_connect_attempts_total",
			Help: "Upstream connect attempts, partitioned by result.",
		}, []string{"result"}),
		ConnectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tcplb_connect_latency_seconds",
			Help:    "Time from begin_connect to a resolved (successful or failed) attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		CooldownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcplb_cooldowns_total",
			Help: "Number of times an upstream endpoint was placed on cooldown.",
		}),
		CooldownsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcplb_cooldowns_active",
			Help: "Number of upstream endpoints currently on cooldown.",
		}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tcplb_bytes_relayed_total",
			Help: "Bytes relayed through tunnels, partitioned by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		r.TunnelsActive,
		r.ConnectAttempts,
		r.ConnectLatency,
		r.CooldownsTotal,
		r.CooldownsActive,
		r.BytesRelayed,
	)
	return r
}

// RecordConnect records the outcome and latency of one connect attempt.
func (r *Registry) RecordConnect(result ConnectResult, latencySeconds float64) {
	r.ConnectAttempts.WithLabelValues(string(result)).Inc()
	r.ConnectLatency.Observe(latencySeconds)
}

// RecordBytes adds n to the relayed-byte counter for the given direction.
func (r *Registry) RecordBytes(dir Direction, n int) {
	if n <= 0 {
		return
	}
	r.BytesRelayed.WithLabelValues(string(dir)).Add(float64(n))
}
