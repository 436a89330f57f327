// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for brigade.
type Metrics struct {
	// Routing and specialists
	RoutingDecisions   *prometheus.CounterVec
	OperationsTotal    *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	OperationRetries   *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ModelSuccessRate   *prometheus.GaugeVec

	// Execution engine
	EngineUp           prometheus.Gauge
	EngineQueueDepth   prometheus.Gauge
	EngineQueueWait    prometheus.Histogram
	EngineExecutions   *prometheus.CounterVec
	EngineExecDuration prometheus.Histogram
	EngineReconnects   *prometheus.CounterVec

	// Dispatcher and side channels
	RPCRequests     *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	StoreWrites     *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// Get returns the shared metrics, registering them on first use.
func Get() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			RoutingDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_routing_decisions_total",
					Help: "Requests routed, by domain and reason",
				},
				[]string{"domain", "reason"},
			),
			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_operations_total",
					Help: "Completed specialist operations",
				},
				[]string{"domain", "success"},
			),
			OperationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "brigade_operation_duration_seconds",
					Help:    "End-to-end duration of specialist operations",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 12), // 250ms to ~8.5m
				},
				[]string{"domain"},
			),
			OperationRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_operation_retries_total",
					Help: "Fallback model attempts",
				},
				[]string{"domain"},
			),
			GenerationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "brigade_generation_duration_seconds",
					Help:    "Generation service call latency",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 11),
				},
				[]string{"model", "outcome"},
			),
			ModelSuccessRate: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "brigade_model_success_rate",
					Help: "Success rate per domain and model, refreshed by the report job",
				},
				[]string{"domain", "model"},
			),
			EngineUp: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "brigade_engine_up",
					Help: "1 while the gateway holds a live engine connection",
				},
			),
			EngineQueueWait: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "brigade_engine_queue_wait_seconds",
					Help:    "Time entries spent queued before reaching the engine",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
				},
			),
			EngineQueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "brigade_engine_queue_depth",
					Help: "Entries waiting for the execution engine",
				},
			),
			EngineExecutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_engine_executions_total",
					Help: "Execution gateway entries by outcome",
				},
				[]string{"outcome"},
			),
			EngineExecDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "brigade_engine_exec_duration_seconds",
					Help:    "Time the engine spent on one entry",
					Buckets: prometheus.DefBuckets,
				},
			),
			EngineReconnects: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_engine_reconnects_total",
					Help: "Engine reconnect attempts",
				},
				[]string{"outcome"},
			),
			RPCRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_rpc_requests_total",
					Help: "JSON-RPC requests by method and error code (0 for success)",
				},
				[]string{"method", "code"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_events_published_total",
					Help: "Operation events published",
				},
				[]string{"driver", "outcome"},
			),
			StoreWrites: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "brigade_store_writes_total",
					Help: "Learning store record writes",
				},
				[]string{"domain", "outcome"},
			),
		}
	})
	return sharedMetrics
}
