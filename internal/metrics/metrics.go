// ============================================================================
// Frameflow Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes scheduler metrics for Prometheus
//
// Metric families:
//
//   1. Queues (per stage):
//      - frameflow_queue_depth: live count after the last push/fetch
//      - frameflow_queue_dropped_total: items evicted by drop-oldest
//      - frameflow_stage_batch_target: current dynamic/pinned batch size
//
//   2. Batches (per stage):
//      - frameflow_batch_size: items per fetched batch
//      - frameflow_batch_duration_seconds: Process time per batch
//      - frameflow_inference_failures_total: batches dropped on failure
//      - frameflow_items_filtered_total: items/candidates rejected by policy
//      - frameflow_workers_ready: workers past the startup handshake
//
//   3. Caches (per cache):
//      - frameflow_cache_entries
//      - frameflow_cache_fired_total{reason=enter|leave|interval}
//
//   4. Output:
//      - frameflow_results_emitted_total
//      - frameflow_results_dropped_total: evicted from the output buffer
//
// Example queries:
//
//   # overload: items evicted per second per stage
//   rate(frameflow_queue_dropped_total[1m])
//
//   # p95 detect batch latency
//   histogram_quantile(0.95, rate(frameflow_batch_duration_seconds_bucket{stage="detect"}[5m]))
//
// Every method is safe on a nil *Collector so components can run without
// instrumentation.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every frameflow metric
type Collector struct {
	queueDepth   *prometheus.GaugeVec
	queueDropped *prometheus.CounterVec
	batchTarget  *prometheus.GaugeVec

	batchSize         *prometheus.HistogramVec
	batchDuration     *prometheus.HistogramVec
	inferenceFailures *prometheus.CounterVec
	itemsFiltered     *prometheus.CounterVec
	workersReady      *prometheus.GaugeVec

	cacheEntries *prometheus.GaugeVec
	cacheFired   *prometheus.CounterVec

	resultsEmitted prometheus.Counter
	resultsDropped prometheus.Counter
}

// NewCollector creates the collector and registers it on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frameflow_queue_depth",
			Help: "Items waiting in a stage queue",
		}, []string{"stage"}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameflow_queue_dropped_total",
			Help: "Items evicted from a stage queue by the drop-oldest policy",
		}, []string{"stage"}),
		batchTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frameflow_stage_batch_target",
			Help: "Batch size a stage currently fetches",
		}, []string{"stage"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frameflow_batch_size",
			Help:    "Items per fetched batch",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"stage"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "frameflow_batch_duration_seconds",
			Help:    "Time spent processing one batch",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		inferenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameflow_inference_failures_total",
			Help: "Batches dropped because an inference call failed",
		}, []string{"stage"}),
		itemsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameflow_items_filtered_total",
			Help: "Items or candidates rejected by stage policy",
		}, []string{"stage"}),
		workersReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frameflow_workers_ready",
			Help: "Workers that completed the startup handshake",
		}, []string{"stage"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frameflow_cache_entries",
			Help: "Entries held by a TTL cache",
		}, []string{"cache"}),
		cacheFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frameflow_cache_fired_total",
			Help: "TTL cache entries that fired a callback",
		}, []string{"cache", "reason"}),
		resultsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frameflow_results_emitted_total",
			Help: "Results placed in the output buffer",
		}),
		resultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frameflow_results_dropped_total",
			Help: "Results evicted from a full output buffer",
		}),
	}

	reg.MustRegister(
		c.queueDepth,
		c.queueDropped,
		c.batchTarget,
		c.batchSize,
		c.batchDuration,
		c.inferenceFailures,
		c.itemsFiltered,
		c.workersReady,
		c.cacheEntries,
		c.cacheFired,
		c.resultsEmitted,
		c.resultsDropped,
	)
	return c
}

// SetQueueDepth records the live count of a stage queue
func (c *Collector) SetQueueDepth(stage string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(stage).Set(float64(depth))
}

// RecordDropped records items evicted by drop-oldest
func (c *Collector) RecordDropped(stage string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.queueDropped.WithLabelValues(stage).Add(float64(n))
}

// SetBatchTarget records the batch size a stage fetches
func (c *Collector) SetBatchTarget(stage string, size int) {
	if c == nil {
		return
	}
	c.batchTarget.WithLabelValues(stage).Set(float64(size))
}

// RecordBatch records one processed batch
func (c *Collector) RecordBatch(stage string, size int, seconds float64) {
	if c == nil {
		return
	}
	c.batchSize.WithLabelValues(stage).Observe(float64(size))
	c.batchDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordInferenceFailure records a batch dropped on a failed call
func (c *Collector) RecordInferenceFailure(stage string) {
	if c == nil {
		return
	}
	c.inferenceFailures.WithLabelValues(stage).Inc()
}

// RecordFiltered records items or candidates rejected by policy
func (c *Collector) RecordFiltered(stage string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.itemsFiltered.WithLabelValues(stage).Add(float64(n))
}

// SetWorkersReady records the number of started workers of a stage
func (c *Collector) SetWorkersReady(stage string, n int) {
	if c == nil {
		return
	}
	c.workersReady.WithLabelValues(stage).Set(float64(n))
}

// SetCacheEntries records the size of a TTL cache
func (c *Collector) SetCacheEntries(cache string, n int) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

// RecordCacheFired records a fired cache entry
func (c *Collector) RecordCacheFired(cache, reason string) {
	if c == nil {
		return
	}
	c.cacheFired.WithLabelValues(cache, reason).Inc()
}

// RecordResults records results emitted and evicted from the output buffer
func (c *Collector) RecordResults(emitted, dropped int) {
	if c == nil {
		return
	}
	if emitted > 0 {
		c.resultsEmitted.Add(float64(emitted))
	}
	if dropped > 0 {
		c.resultsDropped.Add(float64(dropped))
	}
}

// Handler returns the /metrics handler for the given gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until the listener fails
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
