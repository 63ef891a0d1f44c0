// Package telemetry exposes sync engine counters in Prometheus format.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	registry        *prometheus.Registry
	pushes          *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	drainDuration   *prometheus.HistogramVec
	persistFailures prometheus.Counter
	droppedEvents   prometheus.CounterFunc
}

// New registers the sync metrics on a private registry. dropped, if non-nil,
// reports the notification bus drop count.
func New(dropped func() int64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether", Subsystem: "sync", Name: "pushes_total",
			Help: "Push attempts to the remote store by domain and result.",
		}, []string{"domain", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether", Subsystem: "sync", Name: "conflicts_total",
			Help: "Inserts rejected by a remote uniqueness constraint.",
		}, []string{"domain"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether", Subsystem: "sync", Name: "evictions_total",
			Help: "Change records dropped after exhausting retries or being malformed.",
		}, []string{"domain"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether", Subsystem: "sync", Name: "queue_depth",
			Help: "Pending change records.",
		}),
		drainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tether", Subsystem: "sync", Name: "drain_duration_seconds",
			Help:    "Wall time of a drain run by scope.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"scope"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether", Subsystem: "sync", Name: "persist_failures_total",
			Help: "Failed writes of the queue snapshot.",
		}),
	}
	reg.MustRegister(m.pushes, m.conflicts, m.evictions, m.queueDepth, m.drainDuration, m.persistFailures)
	if dropped != nil {
		m.droppedEvents = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tether", Subsystem: "events", Name: "dropped_total",
			Help: "Notifications dropped because a buffer was full.",
		}, func() float64 { return float64(dropped()) })
		reg.MustRegister(m.droppedEvents)
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Push(domain, result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(domain, result).Inc()
}

func (m *Metrics) Conflict(domain string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(domain).Inc()
}

func (m *Metrics) Evicted(domain string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(domain).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) DrainDuration(scope string, d time.Duration) {
	if m == nil {
		return
	}
	m.drainDuration.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
