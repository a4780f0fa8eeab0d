// Package metrics provides Prometheus metrics for the caching engine.
package metrics

import (
	"context"
	"net/http"

	"github.com/always-cache/swcache/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Response sources.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
)

// Precache entry results.
const (
	PrecacheFetched = "fetched"
	PrecacheSkipped = "skipped"
	PrecacheDeleted = "deleted"
)

// Metrics holds all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	StrategyResponses   *prometheus.CounterVec
	CacheLookups        *prometheus.CounterVec
	NetworkFailures     *prometheus.CounterVec
	CacheWrites         *prometheus.CounterVec
	PrecacheEntries     *prometheus.CounterVec
	ExpirationDeletions *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates the metrics in namespace and registers them with reg.
// A new registry is used if reg is nil.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		StrategyResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_responses_total",
			Help:      "Responses produced by strategies, by strategy and source",
		}, []string{"strategy", "source"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result",
		}, []string{"cache", "result"}),
		NetworkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_failures_total",
			Help:      "Failed network requests by strategy",
		}, []string{"strategy"}),
		CacheWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Responses written to a cache",
		}, []string{"cache"}),
		PrecacheEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_entries_total",
			Help:      "Precache entries by install or activate result",
		}, []string{"result"}),
		ExpirationDeletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiration_deletions_total",
			Help:      "Entries removed by expiration, by cache name",
		}, []string{"cache"}),
		gatherer: reg,
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// PrecacheEntry counts a precache entry with the given result.
func (m *Metrics) PrecacheEntry(result string) {
	if m == nil {
		return
	}
	m.PrecacheEntries.WithLabelValues(result).Inc()
}

// ExpirationDeleted counts n entries removed from a cache by expiration.
func (m *Metrics) ExpirationDeleted(cacheName string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpirationDeletions.WithLabelValues(cacheName).Add(float64(n))
}

// Plugin returns a plugin recording the metrics of one strategy.
func (m *Metrics) Plugin(strategyName string) *plugin.Plugin {
	if m == nil {
		return &plugin.Plugin{Name: "metrics"}
	}
	return &plugin.Plugin{
		Name: "metrics",
		CachedResponseWillBeUsed: func(ctx context.Context, p plugin.CachedResponseParam) (*http.Response, error) {
			result := "miss"
			if p.CachedResponse != nil {
				result = "hit"
			}
			m.CacheLookups.WithLabelValues(p.CacheName, result).Inc()
			return p.CachedResponse, nil
		},
		FetchDidFail: func(ctx context.Context, p plugin.FetchDidFailParam) error {
			m.NetworkFailures.WithLabelValues(strategyName).Inc()
			return nil
		},
		CacheDidUpdate: func(ctx context.Context, p plugin.CacheDidUpdateParam) error {
			m.CacheWrites.WithLabelValues(p.CacheName).Inc()
			return nil
		},
		HandlerDidRespond: func(ctx context.Context, p plugin.ResponseParam) error {
			source := SourceNetwork
			if p.Event != nil && p.Event.Status().IsHit() {
				source = SourceCache
			}
			m.StrategyResponses.WithLabelValues(strategyName, source).Inc()
			return nil
		},
	}
}
