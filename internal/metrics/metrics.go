// Package metrics exposes sync engine metrics on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "laguz"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	changeEvents    *prometheus.CounterVec
	applies         *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	pollFailures    prometheus.Counter
	queueDepth      prometheus.Gauge
	remoteRequests  *prometheus.CounterVec
	remoteDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them, along with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change events received from the sources.",
		}, []string{"side", "kind"}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applies_total",
			Help:      "Writes applied to a side.",
		}, []string{"direction", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "True conflicts by policy and outcome.",
		}, []string{"policy", "outcome"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of remote poll cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Remote poll cycles that failed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Change events waiting in per-entity queues.",
		}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Remote API request attempts.",
		}, []string{"op", "result"}),
		remoteDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Remote API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.registry.MustRegister(
		m.changeEvents,
		m.applies,
		m.conflicts,
		m.pollDuration,
		m.pollFailures,
		m.queueDepth,
		m.remoteRequests,
		m.remoteDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ChangeEvent(side, kind string) {
	if m == nil {
		return
	}
	m.changeEvents.WithLabelValues(side, kind).Inc()
}

// Apply counts a write toward direction ("to_local" or "to_remote").
func (m *Metrics) Apply(direction, result string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) Conflict(policy, outcome string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(policy, outcome).Inc()
}

// ObservePoll records one poll cycle.
func (m *Metrics) ObservePoll(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
	if err != nil {
		m.pollFailures.Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveRemote records one remote request attempt.
func (m *Metrics) ObserveRemote(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteRequests.WithLabelValues(op, result).Inc()
	m.remoteDurations.WithLabelValues(op).Observe(d.Seconds())
}
