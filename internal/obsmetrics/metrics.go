// Package obsmetrics implements the gateway's Metrics port: Prometheus
// counters, gauges, and histograms for every component that the spec
// describes as emitting counter/gauge/histogram events, non-blocking and
// best-effort per the concurrency model (emission never blocks business
// logic on a slow scrape).
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway's components
// report through.
type Metrics struct {
	// Symbol Mapper Cache (4.B)
	SymbolCacheLookups  *prometheus.CounterVec // layer, result(hit|miss)
	SymbolCacheEntries  *prometheus.GaugeVec   // layer

	// Data Mapper Cache (4.C)
	DataMapperOps      *prometheus.CounterVec // namespace, result(hit|miss)
	DataMapperBreaker  *prometheus.GaugeVec   // state(closed|open|half_open)
	DataMapperScanKeys prometheus.Counter

	// Storage Port (4.D)
	StorageOps      *prometheus.CounterVec // op, backend, result
	StorageLatency  *prometheus.HistogramVec

	// Smart Cache Orchestrator (4.E)
	OrchestratorRequests *prometheus.CounterVec // strategy, source(cache|fetch|fallback)
	OrchestratorRefreshes prometheus.Counter
	ConcurrencyBound     prometheus.Gauge

	// Stream Receiver (4.F)
	StreamConnections   prometheus.Gauge
	StreamDispatches    *prometheus.CounterVec // result(ok|error)
	StreamBreakerOpens  prometheus.Counter

	// Recovery Engine (4.G)
	RecoveryJobs          *prometheus.CounterVec // state(completed|failed|retry)
	RecoveryBatchesSent   prometheus.Counter
	RecoveryDataPoints    prometheus.Counter
	RecoveryRateLimitHits prometheus.Counter
	RecoveryLatency       prometheus.Histogram

	// Transformer Service (4.I)
	TransformBatchSize prometheus.Histogram
	TransformRecords   prometheus.Counter
}

// New builds a Metrics registered against prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics registered against registerer, so
// tests can use a scratch registry instead of the global default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SymbolCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "symbolcache_lookups_total",
				Help: "Symbol mapper cache lookups by layer and result.",
			},
			[]string{"layer", "result"},
		),
		SymbolCacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "symbolcache_entries",
				Help: "Current entry count per symbol mapper cache layer.",
			},
			[]string{"layer"},
		),
		DataMapperOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datamappercache_operations_total",
				Help: "Data mapper cache operations by namespace and result.",
			},
			[]string{"namespace", "result"},
		),
		DataMapperBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datamappercache_breaker_state",
				Help: "Data mapper cache SCAN circuit breaker state (1 = current state).",
			},
			[]string{"state"},
		),
		DataMapperScanKeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "datamappercache_scan_keys_total",
				Help: "Keys visited by pattern-invalidation SCAN calls.",
			},
		),
		StorageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Storage port operations by op, backend, and result.",
			},
			[]string{"op", "backend", "result"},
		),
		StorageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Storage port operation latency.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"op", "backend"},
		),
		OrchestratorRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_requests_total",
				Help: "Smart cache orchestrator GetOrSet calls by strategy and source.",
			},
			[]string{"strategy", "source"},
		),
		OrchestratorRefreshes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_background_refreshes_total",
				Help: "Background refreshes triggered on stale-hit reads.",
			},
		),
		ConcurrencyBound: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_concurrency_bound",
				Help: "Current adaptive maxConcurrentOperations bound.",
			},
		),
		StreamConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_connections",
				Help: "Currently registered WebSocket connections.",
			},
		),
		StreamDispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_dispatches_total",
				Help: "Push dispatch attempts by result.",
			},
			[]string{"result"},
		),
		StreamBreakerOpens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_breaker_opens_total",
				Help: "Per-connection circuit breaker trips.",
			},
		),
		RecoveryJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_jobs_total",
				Help: "Recovery jobs by terminal/retry state.",
			},
			[]string{"state"},
		),
		RecoveryBatchesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recovery_batches_sent_total",
				Help: "RecoveryDataMessage batches delivered.",
			},
		),
		RecoveryDataPoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recovery_data_points_total",
				Help: "Data points replayed across all recovery jobs.",
			},
		),
		RecoveryRateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recovery_rate_limit_hits_total",
				Help: "Times the recovery replay limiter had no token ready for a batch; the job then waits for a token in place and is not requeued.",
			},
		),
		RecoveryLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recovery_job_duration_seconds",
				Help:    "Time from job creation to terminal state.",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
			},
		),
		TransformBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transformer_batch_size",
				Help:    "TransformBatch request-group sizes.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		TransformRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "transformer_records_processed_total",
				Help: "Records processed across all Transform/TransformBatch calls.",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SymbolCacheLookups,
			m.SymbolCacheEntries,
			m.DataMapperOps,
			m.DataMapperBreaker,
			m.DataMapperScanKeys,
			m.StorageOps,
			m.StorageLatency,
			m.OrchestratorRequests,
			m.OrchestratorRefreshes,
			m.ConcurrencyBound,
			m.StreamConnections,
			m.StreamDispatches,
			m.StreamBreakerOpens,
			m.RecoveryJobs,
			m.RecoveryBatchesSent,
			m.RecoveryDataPoints,
			m.RecoveryRateLimitHits,
			m.RecoveryLatency,
			m.TransformBatchSize,
			m.TransformRecords,
		)
	}

	return m
}

// RecordSymbolCacheLookup increments the per-layer hit/miss counter
// directly; it returns nothing, so no metrics error ever reaches the
// caller.
func (m *Metrics) RecordSymbolCacheLookup(layer string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SymbolCacheLookups.WithLabelValues(layer, result).Inc()
}

// RecordSymbolCacheSize sets the current entry-count gauge for layer.
func (m *Metrics) RecordSymbolCacheSize(layer string, count int) {
	if m == nil {
		return
	}
	m.SymbolCacheEntries.WithLabelValues(layer).Set(float64(count))
}

// RecordDataMapperOp increments a namespace/result counter.
func (m *Metrics) RecordDataMapperOp(namespace string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.DataMapperOps.WithLabelValues(namespace, result).Inc()
}

// RecordDataMapperScanKeys adds n to the SCAN-visited-keys counter.
func (m *Metrics) RecordDataMapperScanKeys(n int) {
	if m == nil {
		return
	}
	m.DataMapperScanKeys.Add(float64(n))
}

// RecordBreakerState sets the circuit breaker state gauge: the active
// state's series is set to 1, the other two to 0, so a gauge query for a
// given state label reads as a boolean "is the breaker currently in this
// state".
func (m *Metrics) RecordBreakerState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"closed", "open", "half_open"} {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.DataMapperBreaker.WithLabelValues(s).Set(value)
	}
}

// RecordStorageOp increments an op/backend/result counter.
func (m *Metrics) RecordStorageOp(op, backend string, ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.StorageOps.WithLabelValues(op, backend, result).Inc()
}

// RecordStorageLatency observes op/backend latency in seconds.
func (m *Metrics) RecordStorageLatency(op, backend string, seconds float64) {
	if m == nil {
		return
	}
	m.StorageLatency.WithLabelValues(op, backend).Observe(seconds)
}

// RecordOrchestratorRequest increments a strategy/source counter.
func (m *Metrics) RecordOrchestratorRequest(strategy, source string) {
	if m == nil {
		return
	}
	m.OrchestratorRequests.WithLabelValues(strategy, source).Inc()
}

// RecordStreamDispatch increments the dispatch-result counter.
func (m *Metrics) RecordStreamDispatch(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.StreamDispatches.WithLabelValues(result).Inc()
}

// RecordStreamConnections sets the registered-connections gauge.
func (m *Metrics) RecordStreamConnections(count int) {
	if m == nil {
		return
	}
	m.StreamConnections.Set(float64(count))
}

// RecordStreamBreakerOpen increments the per-connection breaker-trip
// counter.
func (m *Metrics) RecordStreamBreakerOpen() {
	if m == nil {
		return
	}
	m.StreamBreakerOpens.Inc()
}

// RecordRecoveryJob increments the per-state job counter.
func (m *Metrics) RecordRecoveryJob(state string) {
	if m == nil {
		return
	}
	m.RecoveryJobs.WithLabelValues(state).Inc()
}

// RecordRecoveryBatch increments the delivered-batches counter and adds
// dataPoints to the replayed-data-points counter.
func (m *Metrics) RecordRecoveryBatch(dataPoints int) {
	if m == nil {
		return
	}
	m.RecoveryBatchesSent.Inc()
	m.RecoveryDataPoints.Add(float64(dataPoints))
}

// RecordRecoveryRateLimitHit increments the rate-limit-requeue counter.
func (m *Metrics) RecordRecoveryRateLimitHit() {
	if m == nil {
		return
	}
	m.RecoveryRateLimitHits.Inc()
}

// RecordRecoveryLatency observes a job's creation-to-terminal-state
// duration in seconds.
func (m *Metrics) RecordRecoveryLatency(seconds float64) {
	if m == nil {
		return
	}
	m.RecoveryLatency.Observe(seconds)
}
