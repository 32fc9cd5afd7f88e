// Package telemetry exposes the chunk/stream/transport event counters that
// spec.md §4.3 and §4.5 require ("emit chunk_completed {...}", reconnect
// counts). Grounded on the teacher's hand-rolled atomic-counter
// internal/providers/guards/telemetry.go, reimplemented against the real
// github.com/prometheus/client_golang the teacher's go.mod declares.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this module emits. Callers that already run
// a Prometheus registry should pass it to NewRegistry; tests can use
// prometheus.NewRegistry() for isolation.
type Registry struct {
	reg *prometheus.Registry

	ChunksCompleted  *prometheus.CounterVec
	ChunkRows        *prometheus.CounterVec
	ChunkWeight      *prometheus.CounterVec
	ChunkLatency     *prometheus.HistogramVec
	ChunkErrors      *prometheus.CounterVec
	ChunkExecutions  *prometheus.CounterVec

	WSReconnects     *prometheus.CounterVec
	WSMessagesIn     *prometheus.CounterVec
	WSMessagesOut    *prometheus.CounterVec
	WSDroppedMsgs    *prometheus.CounterVec

	HTTPRequests     *prometheus.CounterVec
	HTTPThrottled    *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// NewRegistry constructs and registers every metric against reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	r := &Registry{
		reg: reg,
		ChunksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_chunks_completed_total",
			Help: "Chunks completed by the chunking engine, per endpoint.",
		}, []string{"endpoint"}),
		ChunkRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_chunk_rows_total",
			Help: "Points returned per completed chunk, per endpoint.",
		}, []string{"endpoint"}),
		ChunkWeight: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_chunk_weight_total",
			Help: "Rate-limit weight consumed by chunk execution, per endpoint.",
		}, []string{"endpoint"}),
		ChunkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketdata_chunk_latency_ms",
			Help:    "Wall latency of a single chunk fetch, per endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		ChunkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_chunk_errors_total",
			Help: "Chunk fetch failures, per endpoint.",
		}, []string{"endpoint"}),
		ChunkExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_chunk_executions_total",
			Help: "Completed chunk-plan executions, per endpoint.",
		}, []string{"endpoint"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_ws_reconnects_total",
			Help: "WebSocket reconnect attempts, per venue.",
		}, []string{"venue"}),
		WSMessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_ws_messages_in_total",
			Help: "Raw WebSocket messages received, per venue.",
		}, []string{"venue"}),
		WSMessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_ws_messages_out_total",
			Help: "Messages delivered to consumers after filtering, per venue.",
		}, []string{"venue"}),
		WSDroppedMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_ws_dropped_messages_total",
			Help: "Messages dropped by adapter errors or filters, per venue.",
		}, []string{"venue", "reason"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_http_requests_total",
			Help: "REST requests issued, per venue and status.",
		}, []string{"venue", "status"}),
		HTTPThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketdata_http_throttled_total",
			Help: "Requests that waited on a throttle window, per venue.",
		}, []string{"venue"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketdata_http_latency_ms",
			Help:    "REST request latency, per venue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"venue"}),
	}

	for _, c := range []prometheus.Collector{
		r.ChunksCompleted, r.ChunkRows, r.ChunkWeight, r.ChunkLatency, r.ChunkErrors, r.ChunkExecutions,
		r.WSReconnects, r.WSMessagesIn, r.WSMessagesOut, r.WSDroppedMsgs,
		r.HTTPRequests, r.HTTPThrottled, r.HTTPLatency,
	} {
		reg.MustRegister(c)
	}
	return r
}

// ObserveChunkCompleted records the chunk_completed event from spec.md §4.3.
func (r *Registry) ObserveChunkCompleted(endpoint string, rows int, weight float64, latency time.Duration) {
	r.ChunksCompleted.WithLabelValues(endpoint).Inc()
	r.ChunkRows.WithLabelValues(endpoint).Add(float64(rows))
	r.ChunkWeight.WithLabelValues(endpoint).Add(weight)
	r.ChunkLatency.WithLabelValues(endpoint).Observe(float64(latency.Milliseconds()))
}

// ObserveChunkError records the chunk_error event.
func (r *Registry) ObserveChunkError(endpoint string) {
	r.ChunkErrors.WithLabelValues(endpoint).Inc()
}

// ObserveChunkExecutionComplete records the chunk_execution_complete event.
func (r *Registry) ObserveChunkExecutionComplete(endpoint string) {
	r.ChunkExecutions.WithLabelValues(endpoint).Inc()
}
