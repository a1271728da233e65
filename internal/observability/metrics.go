// Package observability exposes prometheus metrics and otel trace helpers
// shared by the executor, dispatcher, turn driver, and retrieval layer.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the runtime records into. Constructing it
// with a dedicated registry keeps tests independent; the server wires the
// default registry.
type Metrics struct {
	TasksStarted    *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	TaskRetries     prometheus.Counter
	ReadyQueueDepth prometheus.Gauge
	SlotsBusy       prometheus.Gauge

	ToolExecutions *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec

	LLMRequests *prometheus.CounterVec
	LLMTokens   *prometheus.CounterVec
	LLMLatency  prometheus.Histogram

	TriggerFires   *prometheus.CounterVec
	TriggerDropped *prometheus.CounterVec

	ItemsIngested    prometheus.Counter
	RetrievalLatency prometheus.Histogram
}

// NewMetrics registers the runtime collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_tasks_started_total",
			Help: "Tasks moved to running, by kind.",
		}, []string{"kind"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_tasks_finished_total",
			Help: "Tasks reaching a terminal status.",
		}, []string{"kind", "status"}),
		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_task_retries_total",
			Help: "Task attempts retried after a transient failure.",
		}),
		ReadyQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_ready_queue_depth",
			Help: "Number of tasks currently ready to run.",
		}),
		SlotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ember_executor_slots_busy",
			Help: "Worker slots currently held.",
		}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_tool_executions_total",
			Help: "Tool dispatches, by tool and outcome.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ember_tool_duration_seconds",
			Help:    "Tool handler duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_llm_requests_total",
			Help: "LLM generation calls, by model and outcome.",
		}, []string{"model", "status"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_llm_tokens_total",
			Help: "Tokens exchanged with the LLM, by model and direction.",
		}, []string{"model", "direction"}),
		LLMLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ember_llm_latency_seconds",
			Help:    "LLM call latency.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		TriggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_trigger_fires_total",
			Help: "Trigger firings that created a task.",
		}, []string{"trigger"}),
		TriggerDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ember_trigger_dropped_total",
			Help: "Trigger firings dropped, by reason (duplicate, backpressure).",
		}, []string{"trigger", "reason"}),
		ItemsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ember_knowledge_items_ingested_total",
			Help: "Knowledge items written by the ingestion pipeline.",
		}),
		RetrievalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ember_retrieval_seconds",
			Help:    "End-to-end hybrid retrieval latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	factory(m.TasksStarted)
	factory(m.TasksFinished)
	factory(m.TaskRetries)
	factory(m.ReadyQueueDepth)
	factory(m.SlotsBusy)
	factory(m.ToolExecutions)
	factory(m.ToolDuration)
	factory(m.LLMRequests)
	factory(m.LLMTokens)
	factory(m.LLMLatency)
	factory(m.TriggerFires)
	factory(m.TriggerDropped)
	factory(m.ItemsIngested)
	factory(m.RetrievalLatency)
	return m
}

// NopMetrics returns collectors backed by a throwaway registry, for wiring
// components that require a Metrics without scraping them.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveLLM records one generation call.
func (m *Metrics) ObserveLLM(model, status string, promptTokens, completionTokens int, latency time.Duration) {
	m.LLMRequests.WithLabelValues(model, status).Inc()
	m.LLMTokens.WithLabelValues(model, "input").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(model, "output").Add(float64(completionTokens))
	m.LLMLatency.Observe(latency.Seconds())
}

// ObserveTool records one tool dispatch.
func (m *Metrics) ObserveTool(tool, status string, duration time.Duration) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
