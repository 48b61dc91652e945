// Package telemetry centralizes the prometheus collectors shared by the
// worker pool, resource monitor and event bus, so embedders register one
// set of metrics instead of each component rolling its own registry.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors exported by the engine. A nil *Metrics
// value is safe to use: every method becomes a no-op, so components can be
// constructed without telemetry during tests.
type Metrics struct {
	WorkerTasksCompleted *prometheus.CounterVec
	WorkerTasksFailed    *prometheus.CounterVec
	WorkerQueueDepth     *prometheus.GaugeVec
	WorkerTaskDuration    *prometheus.HistogramVec

	ResourceCPUPercent        prometheus.Gauge
	ResourceMemoryPercent     prometheus.Gauge
	ResourceAllocationsActive prometheus.Gauge

	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventHandlerDur *prometheus.HistogramVec
}

// New registers and returns a fresh Metrics bundle against reg. Passing
// prometheus.NewRegistry() keeps the engine's metrics isolated from the
// embedder's default registry; passing prometheus.DefaultRegisterer merges
// them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkerTasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_worker_tasks_completed_total",
			Help: "Tasks completed successfully by worker kind.",
		}, []string{"worker_kind"}),
		WorkerTasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_worker_tasks_failed_total",
			Help: "Tasks that ended in failure, by worker kind.",
		}, []string{"worker_kind"}),
		WorkerQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_worker_queue_depth",
			Help: "Current depth of the priority and default task queues.",
		}, []string{"queue"}),
		WorkerTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docpipe_worker_task_duration_seconds",
			Help:    "Observed processor invocation duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"processor"}),
		ResourceCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docpipe_resource_cpu_percent",
			Help: "Most recently sampled process CPU percent.",
		}),
		ResourceMemoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docpipe_resource_memory_percent",
			Help: "Most recently sampled process memory percent.",
		}),
		ResourceAllocationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docpipe_resource_allocations_active",
			Help: "Outstanding resource allocations held by in-flight stages.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_events_published_total",
			Help: "Events accepted by the bus, by event type.",
		}, []string{"event_type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_events_dropped_total",
			Help: "Events dropped by middleware, by reason.",
		}, []string{"reason"}),
		EventHandlerDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docpipe_event_handler_duration_seconds",
			Help:    "Handler execution duration, by event type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	for _, c := range []prometheus.Collector{
		m.WorkerTasksCompleted, m.WorkerTasksFailed, m.WorkerQueueDepth, m.WorkerTaskDuration,
		m.ResourceCPUPercent, m.ResourceMemoryPercent, m.ResourceAllocationsActive,
		m.EventsPublished, m.EventsDropped, m.EventHandlerDur,
	} {
		_ = reg.Register(c)
	}
	return m
}

// The helpers below are nil-receiver safe so every component can hold a
// *Metrics that is nil in tests without guarding each call site.

func (m *Metrics) TaskCompleted(workerKind string) {
	if m == nil {
		return
	}
	m.WorkerTasksCompleted.WithLabelValues(workerKind).Inc()
}

func (m *Metrics) TaskFailed(workerKind string) {
	if m == nil {
		return
	}
	m.WorkerTasksFailed.WithLabelValues(workerKind).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.WorkerQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) ObserveTaskDuration(processor string, seconds float64) {
	if m == nil {
		return
	}
	m.WorkerTaskDuration.WithLabelValues(processor).Observe(seconds)
}

func (m *Metrics) SetResourceUsage(cpuPercent, memoryPercent float64, activeAllocations int) {
	if m == nil {
		return
	}
	m.ResourceCPUPercent.Set(cpuPercent)
	m.ResourceMemoryPercent.Set(memoryPercent)
	m.ResourceAllocationsActive.Set(float64(activeAllocations))
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveHandlerDuration(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.EventHandlerDur.WithLabelValues(eventType).Observe(seconds)
}
