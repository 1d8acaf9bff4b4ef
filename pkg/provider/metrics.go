package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters shared by all providers.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Bytes       *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casc_provider_requests_total",
		Help: "Total reader requests served by a provider",
	}, []string{"provider"})

	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casc_provider_bytes_total",
		Help: "Total bytes read through a provider",
	}, []string{"provider"})

	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casc_cache_hits_total",
		Help: "Disk cache lookups answered from the cache",
	})

	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casc_cache_misses_total",
		Help: "Disk cache lookups that fetched from upstream",
	})

	reg.MustRegister(requests, bytes, hits, misses)

	return &Metrics{
		Requests:    requests,
		Bytes:       bytes,
		CacheHits:   hits,
		CacheMisses: misses,
	}
}

func (m *Metrics) request(provider string) {
	if m != nil {
		m.Requests.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) addBytes(provider string, n int) {
	if m != nil && n > 0 {
		m.Bytes.WithLabelValues(provider).Add(float64(n))
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}
