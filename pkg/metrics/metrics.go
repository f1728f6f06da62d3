// Package metrics provides cache-attributed Prometheus collectors: plan
// rewrite hits and misses, blocks encoded, bytes resident in the store, and
// eviction counts. Each cache manager owns one Collector; a nil Collector is
// safe to call and records nothing, so metrics stay optional.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector wraps the cache subsystem's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	hits          prometheus.Counter
	misses        prometheus.Counter
	blocksEncoded prometheus.Counter
	blocksSkipped prometheus.Counter
	evictions     prometheus.Counter
	bytesCached   prometheus.Gauge
	materialize   prometheus.Histogram
}

// NewCollector creates a Collector backed by its own registry, so multiple
// managers (and parallel tests) never collide on metric registration.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "plan_hits_total",
			Help:      "Plan rewrites that substituted a cached relation",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "plan_misses_total",
			Help:      "Plan submissions with no cached match",
		}),
		blocksEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "blocks_encoded_total",
			Help:      "Columnar blocks built during materialization",
		}),
		blocksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "blocks_skipped_total",
			Help:      "Blocks pruned by min/max statistics without decoding",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "block_evictions_total",
			Help:      "Blocks evicted from the store",
		}),
		bytesCached: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "resident_bytes",
			Help:      "Encoded bytes currently resident in the block store",
		}),
		materialize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tesseract",
			Subsystem: "cache",
			Name:      "materialize_seconds",
			Help:      "Wall time to materialize a cached relation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

// Registry returns the underlying registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordHit counts a plan rewrite that hit the cache.
func (c *Collector) RecordHit() {
	if c != nil {
		c.hits.Inc()
	}
}

// RecordMiss counts a plan submission that found no cached match.
func (c *Collector) RecordMiss() {
	if c != nil {
		c.misses.Inc()
	}
}

// RecordBlocksEncoded counts blocks built during materialization.
func (c *Collector) RecordBlocksEncoded(n int) {
	if c != nil {
		c.blocksEncoded.Add(float64(n))
	}
}

// RecordBlockSkipped counts a block pruned by statistics.
func (c *Collector) RecordBlockSkipped() {
	if c != nil {
		c.blocksSkipped.Inc()
	}
}

// RecordEviction counts an evicted block.
func (c *Collector) RecordEviction() {
	if c != nil {
		c.evictions.Inc()
	}
}

// AddBytesCached moves the resident-bytes gauge by delta, which may be
// negative.
func (c *Collector) AddBytesCached(delta int64) {
	if c != nil {
		c.bytesCached.Add(float64(delta))
	}
}

// ObserveMaterialization records the wall time of one materialization.
func (c *Collector) ObserveMaterialization(d time.Duration) {
	if c != nil {
		c.materialize.Observe(d.Seconds())
	}
}
