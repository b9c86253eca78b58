// Package metrics exposes Prometheus counters for the analytics cache
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the service. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	CacheHits    *prometheus.CounterVec
	CacheMisses  *prometheus.CounterVec
	Fetches      *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	StoreErrors  *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates a collector on its own registry
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Reports served from the cache",
		}, []string{"kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Report lookups that fell through to a fetch",
		}, []string{"kind"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Reports requested from the fetcher",
		}, []string{"kind"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_fallbacks_total",
			Help:      "Upstream calls answered with mock data",
		}, []string{"kind"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_store_errors_total",
			Help:      "Cache store operations that failed",
		}, []string{"op"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	c.registry.MustRegister(c.CacheHits, c.CacheMisses, c.Fetches, c.Fallbacks, c.StoreErrors, c.HTTPDuration)
	return c
}

func (c *Collector) Hit(kind string) {
	if c != nil {
		c.CacheHits.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) Miss(kind string) {
	if c != nil {
		c.CacheMisses.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) Fetch(kind string) {
	if c != nil {
		c.Fetches.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) Fallback(kind string) {
	if c != nil {
		c.Fallbacks.WithLabelValues(kind).Inc()
	}
}

// StoreError counts a failed get, put or clear
func (c *Collector) StoreError(op string) {
	if c != nil {
		c.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c != nil {
		c.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
