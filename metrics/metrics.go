// Package metrics provides Prometheus collectors for the siyuan-fuse gateway.
//
// Unlike a promauto setup, collectors are owned by a Metrics value and
// registered on the Registerer passed to New, so several mounts in one
// process (or several tests) never collide. All methods are safe to call on
// a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siyuan_fuse"

// Metrics holds the gateway's collectors.
type Metrics struct {
	remoteRequests  *prometheus.CounterVec
	remoteDuration  *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	resolves        *prometheus.CounterVec
	notebookRefresh *prometheus.CounterVec
	watchEvents     *prometheus.CounterVec
	watchDropped    prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg creates
// unregistered collectors, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		remoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_requests_total",
				Help:      "Total number of requests issued to the remote note store",
			},
			[]string{"endpoint", "result"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_request_duration_seconds",
				Help:      "Remote note store request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by cache name and result (hit, miss, expired)",
			},
			[]string{"cache", "result"},
		),
		cacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Entries removed from a cache by the periodic sweep",
			},
			[]string{"cache"},
		),
		resolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolve_total",
				Help:      "Virtual path resolutions by result",
			},
			[]string{"result"},
		),
		notebookRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notebook_refresh_total",
				Help:      "Notebook registry refreshes by result",
			},
			[]string{"result"},
		),
		watchEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_events_total",
				Help:      "Change events published to watchers, by event type",
			},
			[]string{"type"},
		),
		watchDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_batches_dropped_total",
				Help:      "Event batches dropped because a watcher was not keeping up",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.remoteRequests,
			m.remoteDuration,
			m.cacheLookups,
			m.cacheEvictions,
			m.resolves,
			m.notebookRefresh,
			m.watchEvents,
			m.watchDropped,
		)
	}
	return m
}

// RecordRemoteRequest records one remote call.
func (m *Metrics) RecordRemoteRequest(endpoint string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteRequests.WithLabelValues(endpoint, result).Inc()
	m.remoteDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordCacheLookup records a cache hit, miss or expired-entry miss.
func (m *Metrics) RecordCacheLookup(cache, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordCacheEvictions records entries removed by a sweep.
func (m *Metrics) RecordCacheEvictions(cache string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(cache).Add(float64(n))
}

// RecordResolve records a path resolution outcome ("ok", "not_found", "error").
func (m *Metrics) RecordResolve(result string) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(result).Inc()
}

// RecordNotebookRefresh records a registry refresh.
func (m *Metrics) RecordNotebookRefresh(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.notebookRefresh.WithLabelValues("error").Inc()
		return
	}
	m.notebookRefresh.WithLabelValues("ok").Inc()
}

// RecordWatchEvent records one published change event.
func (m *Metrics) RecordWatchEvent(eventType string) {
	if m == nil {
		return
	}
	m.watchEvents.WithLabelValues(eventType).Inc()
}

// RecordWatchDropped records a batch dropped for a slow watcher.
func (m *Metrics) RecordWatchDropped() {
	if m == nil {
		return
	}
	m.watchDropped.Inc()
}

// Handler returns the Prometheus HTTP handler for the collectors gathered
// by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
