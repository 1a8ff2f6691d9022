// Package metrics exposes engine counters over a Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediacache"

// Collector owns the Prometheus registry and the engine's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	requestCounter  *prometheus.CounterVec
	servedCounter   *prometheus.CounterVec
	tierHitCounter  *prometheus.CounterVec
	tierMissCounter *prometheus.CounterVec
	evictionGauge   *prometheus.GaugeVec
	entryGauge      *prometheus.GaugeVec
	prefetchCounter *prometheus.CounterVec
	replayCounter   *prometheus.CounterVec
	queueDepthGauge prometheus.Gauge
	breakerGauge    prometheus.Gauge
}

// NewCollector creates a collector with all metrics registered on a private
// registry, so tests can construct isolated instances.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by resource type.",
		}, []string{"resource_type"}),
		servedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Served responses by source (cache, network, stale, synthesized).",
		}, []string{"source"}),
		tierHitCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_hits_total",
			Help:      "Cache hits per tier.",
		}, []string{"tier"}),
		tierMissCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_misses_total",
			Help:      "Cache misses per tier.",
		}, []string{"tier"}),
		evictionGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_evictions_total",
			Help:      "Cumulative entries evicted per tier, by TTL expiry or capacity.",
		}, []string{"tier"}),
		entryGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_entries",
			Help:      "Current entry count per tier.",
		}, []string{"tier"}),
		prefetchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_fetches_total",
			Help:      "Prefetch fetch outcomes.",
		}, []string{"outcome"}),
		replayCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_replay_total",
			Help:      "Sync queue replay outcomes per item.",
		}, []string{"outcome"}),
		queueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Actions waiting in the durable sync queue.",
		}),
		breakerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_breaker_open",
			Help:      "1 when the upstream circuit breaker is open.",
		}),
	}

	c.registry.MustRegister(
		c.requestCounter,
		c.servedCounter,
		c.tierHitCounter,
		c.tierMissCounter,
		c.evictionGauge,
		c.entryGauge,
		c.prefetchCounter,
		c.replayCounter,
		c.queueDepthGauge,
		c.breakerGauge,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) RecordRequest(resourceType string) {
	c.requestCounter.WithLabelValues(resourceType).Inc()
}

func (c *Collector) RecordResponse(source string) {
	c.servedCounter.WithLabelValues(source).Inc()
}

func (c *Collector) RecordTierHit(tier string) {
	c.tierHitCounter.WithLabelValues(tier).Inc()
}

func (c *Collector) RecordTierMiss(tier string) {
	c.tierMissCounter.WithLabelValues(tier).Inc()
}

func (c *Collector) SetTierEvictions(tier string, n uint64) {
	c.evictionGauge.WithLabelValues(tier).Set(float64(n))
}

func (c *Collector) SetTierEntries(tier string, n int) {
	c.entryGauge.WithLabelValues(tier).Set(float64(n))
}

func (c *Collector) RecordPrefetch(outcome string, n int) {
	if n > 0 {
		c.prefetchCounter.WithLabelValues(outcome).Add(float64(n))
	}
}

func (c *Collector) RecordReplay(outcome string, n int) {
	if n > 0 {
		c.replayCounter.WithLabelValues(outcome).Add(float64(n))
	}
}

func (c *Collector) SetQueueDepth(n int) {
	c.queueDepthGauge.Set(float64(n))
}

func (c *Collector) SetBreakerOpen(open bool) {
	if open {
		c.breakerGauge.Set(1)
	} else {
		c.breakerGauge.Set(0)
	}
}
