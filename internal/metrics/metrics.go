// Package metrics exposes Prometheus collectors for the invocation
// dispatcher: queue depth, pending-waiter count, warm-pool state,
// dispatch latency, and autoscaler decisions.
//
// # Concurrency
//
// All Record/Set functions are safe for concurrent use; they delegate
// directly to prometheus client collectors, which are themselves safe
// for concurrent use. They take no lock of their own; only Init and
// Global take a package-level RWMutex guarding the current registry.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Registry wraps the Prometheus collectors used by the dispatcher.
type Registry struct {
	registry *prometheus.Registry

	invocationsTotal    *prometheus.CounterVec
	coldStartsTotal     *prometheus.CounterVec
	functionErrorsTotal *prometheus.CounterVec
	timeoutsTotal       *prometheus.CounterVec
	dispatchLatency     *prometheus.HistogramVec

	queueDepth     *prometheus.GaugeVec
	pendingCount   *prometheus.GaugeVec
	warmIdle       *prometheus.GaugeVec
	warmActive     *prometheus.GaugeVec
	warmStopped    *prometheus.GaugeVec
	totalInstances prometheus.Gauge

	concurrencyRejections *prometheus.CounterVec

	autoscaleDesired   *prometheus.GaugeVec
	autoscaleDecisions *prometheus.CounterVec

	idleEvictionsTotal  *prometheus.CounterVec
	idleSuspensionsTotal *prometheus.CounterVec
}

var (
	mu      sync.RWMutex
	current *Registry
)

// Init builds and registers the Prometheus collectors under the given
// namespace, storing the result for use by Global(). Safe to call more
// than once (e.g. in tests); each call creates a fresh registry.
func Init(namespace string, buckets []float64) *Registry {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invocations_total", Help: "Total invocations accepted.",
		}, []string{"function"}),
		coldStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cold_starts_total", Help: "Invocations that required a new sandbox.",
		}, []string{"function"}),
		functionErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "function_errors_total", Help: "Invocations completed with a function error.",
		}, []string{"function", "kind"}),
		timeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeouts_total", Help: "Invocations that exceeded their deadline.",
		}, []string{"function"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "dispatch_latency_ms", Help: "End-to-end invoke latency in milliseconds.",
			Buckets: buckets,
		}, []string{"function"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Current lane queue depth.",
		}, []string{"function"}),
		pendingCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_waiters", Help: "Current pending result waiters.",
		}, []string{"function"}),
		warmIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "warm_idle_instances", Help: "Instances in WarmIdle state.",
		}, []string{"function"}),
		warmActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "warm_active_instances", Help: "Instances in Active state.",
		}, []string{"function"}),
		warmStopped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "warm_stopped_instances", Help: "Instances in Stopped state.",
		}, []string{"function"}),
		totalInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "total_instances", Help: "Total instances across all lanes.",
		}),
		concurrencyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "concurrency_rejections_total", Help: "Invocations rejected by the concurrency limiter.",
		}, []string{"function"}),
		autoscaleDesired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "autoscale_desired_replicas", Help: "Autoscaler desired replica count.",
		}, []string{"function"}),
		autoscaleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "autoscale_decisions_total", Help: "Autoscaler scale decisions.",
		}, []string{"function", "direction"}),
		idleEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "idle_evictions_total", Help: "Instances removed by the idle watchdog.",
		}, []string{"function"}),
		idleSuspensionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "idle_suspensions_total", Help: "Instances stopped (soft-idle) by the idle watchdog.",
		}, []string{"function"}),
	}

	reg.MustRegister(
		r.invocationsTotal, r.coldStartsTotal, r.functionErrorsTotal, r.timeoutsTotal,
		r.dispatchLatency, r.queueDepth, r.pendingCount, r.warmIdle, r.warmActive,
		r.warmStopped, r.totalInstances, r.concurrencyRejections, r.autoscaleDesired,
		r.autoscaleDecisions, r.idleEvictionsTotal, r.idleSuspensionsTotal,
	)

	mu.Lock()
	current = r
	mu.Unlock()
	return r
}

// Global returns the process-wide registry, initializing a default one
// (namespace "lambdahome") on first use.
func Global() *Registry {
	mu.RLock()
	r := current
	mu.RUnlock()
	if r != nil {
		return r
	}
	return Init("lambdahome", nil)
}

// Handler returns the promhttp handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) RecordInvocation(function string, coldStart bool, latencyMs int64) {
	r.invocationsTotal.WithLabelValues(function).Inc()
	if coldStart {
		r.coldStartsTotal.WithLabelValues(function).Inc()
	}
	r.dispatchLatency.WithLabelValues(function).Observe(float64(latencyMs))
}

func (r *Registry) RecordFunctionError(function, kind string) {
	r.functionErrorsTotal.WithLabelValues(function, kind).Inc()
}

func (r *Registry) RecordTimeout(function string) {
	r.timeoutsTotal.WithLabelValues(function).Inc()
}

func (r *Registry) RecordConcurrencyRejection(function string) {
	r.concurrencyRejections.WithLabelValues(function).Inc()
}

func (r *Registry) SetQueueDepth(function string, depth int) {
	r.queueDepth.WithLabelValues(function).Set(float64(depth))
}

func (r *Registry) SetPendingCount(function string, count int) {
	r.pendingCount.WithLabelValues(function).Set(float64(count))
}

func (r *Registry) SetWarmPoolStats(function string, idle, active, stopped int) {
	r.warmIdle.WithLabelValues(function).Set(float64(idle))
	r.warmActive.WithLabelValues(function).Set(float64(active))
	r.warmStopped.WithLabelValues(function).Set(float64(stopped))
}

func (r *Registry) SetTotalInstances(n int) {
	r.totalInstances.Set(float64(n))
}

func (r *Registry) SetAutoscaleDesired(function string, desired int) {
	r.autoscaleDesired.WithLabelValues(function).Set(float64(desired))
}

func (r *Registry) RecordAutoscaleDecision(function, direction string) {
	r.autoscaleDecisions.WithLabelValues(function, direction).Inc()
}

func (r *Registry) RecordIdleEviction(function string) {
	r.idleEvictionsTotal.WithLabelValues(function).Inc()
}

func (r *Registry) RecordIdleSuspension(function string) {
	r.idleSuspensionsTotal.WithLabelValues(function).Inc()
}
