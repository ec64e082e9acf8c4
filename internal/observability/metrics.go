package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PipelinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelines_total",
			Help: "Total number of pipelines by terminal status",
		},
		[]string{"status"},
	)
	PipelinesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipelines_active",
			Help: "Number of pipelines currently executing in this instance",
		},
	)
	StagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stages_total",
			Help: "Total number of stage executions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage wall time from start to barrier release",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"mode"},
	)
	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_dispatched_total",
			Help: "Total tasks enqueued to actor queues",
		},
		[]string{"actor_type"},
	)
	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tasks_retried_total",
			Help: "Total task retry dispatches",
		},
		[]string{"actor_type"},
	)
	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dead_letters_total",
			Help: "Total messages archived to dead-letter queues",
		},
		[]string{"queue"},
	)
	BreakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_breaker_rejections_total",
			Help: "Stage dispatches vetoed by the circuit breaker",
		},
		[]string{"actor_type"},
	)
	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_breaker_state",
			Help: "Breaker state per actor type (0 closed, 1 half-open, 2 open)",
		},
		[]string{"actor_type"},
	)
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_approvals_total",
			Help: "Approval requests by outcome",
		},
		[]string{"outcome"},
	)
	CompensationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_compensations_total",
			Help: "Saga compensation messages enqueued",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call from both entry points.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PipelinesTotal,
			PipelinesActive,
			StagesTotal,
			StageDuration,
			TasksDispatchedTotal,
			TasksRetriedTotal,
			DeadLettersTotal,
			BreakerRejectionsTotal,
			BreakerStateGauge,
			ApprovalsTotal,
			CompensationsTotal,
		)
	})
}

// PipelineFinished records a terminal pipeline status.
func PipelineFinished(status string) { PipelinesTotal.WithLabelValues(status).Inc() }

// StageFinished records a stage outcome.
func StageFinished(mode, outcome string) { StagesTotal.WithLabelValues(mode, outcome).Inc() }

// TaskDispatched records one task enqueue.
func TaskDispatched(actorType string) { TasksDispatchedTotal.WithLabelValues(actorType).Inc() }

// TaskRetried records one retry dispatch.
func TaskRetried(actorType string) { TasksRetriedTotal.WithLabelValues(actorType).Inc() }

// DeadLettered records one archived message.
func DeadLettered(queue string) { DeadLettersTotal.WithLabelValues(queue).Inc() }

// BreakerRejected records a vetoed dispatch.
func BreakerRejected(actorType string) { BreakerRejectionsTotal.WithLabelValues(actorType).Inc() }

// SetBreakerState mirrors the breaker state into a gauge.
func SetBreakerState(actorType, state string) {
	v := 0.0
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	BreakerStateGauge.WithLabelValues(actorType).Set(v)
}

// ApprovalDecided records an approval outcome.
func ApprovalDecided(outcome string) { ApprovalsTotal.WithLabelValues(outcome).Inc() }

// CompensationEnqueued records one saga compensation dispatch.
func CompensationEnqueued() { CompensationsTotal.Inc() }
