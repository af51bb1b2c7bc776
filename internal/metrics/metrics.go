// Package metrics exposes Prometheus counters for the session service on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "device_sessions"

// Cache lookup results.
const (
	CacheHit         = "hit"
	CacheMiss        = "miss"
	CacheUnavailable = "unavailable"
)

// Operation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	cacheUp       prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New registers all collectors, plus the Go runtime and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Session cache lookups by operation and result (hit, miss, unavailable).",
		}, []string{"op", "result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Session lifecycle operations by outcome.",
		}, []string{"op", "outcome"}),
		cacheUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_available",
			Help:      "1 when the session cache was last observed reachable.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.cacheLookups, m.outcomes, m.cacheUp, m.httpRequests, m.httpDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// CacheLookup counts one cache read for op.
func (m *Metrics) CacheLookup(op, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(op, result).Inc()
}

// Outcome counts one completed lifecycle operation.
func (m *Metrics) Outcome(op, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op, outcome).Inc()
}

// SetCacheAvailable records the cache liveness flag.
func (m *Metrics) SetCacheAvailable(up bool) {
	if m == nil {
		return
	}
	if up {
		m.cacheUp.Set(1)
	} else {
		m.cacheUp.Set(0)
	}
}

// ObserveHTTP records one served request. route is the matched pattern, not the raw path.
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDurations.WithLabelValues(route).Observe(elapsed.Seconds())
}
