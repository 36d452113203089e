package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_submitted_total",
		Help: "Total number of jobs submitted",
	})

	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_completed_total",
		Help: "Total number of jobs that completed all stages",
	})

	JobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_failed_total",
		Help: "Total number of jobs that failed",
	})

	JobsRetriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_retried_total",
		Help: "Total number of failed jobs re-dispatched",
	})

	StagesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stages_completed_total",
		Help: "Total number of completed stages, by stage name",
	}, []string{"stage"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Time taken to process a stage in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_published_total",
		Help: "Total number of messages published, by routing key",
	}, []string{"routing_key"})

	MessagesRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_messages_requeued_total",
		Help: "Total number of deliveries negatively acknowledged for redelivery",
	})

	MessagesDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_messages_dead_lettered_total",
		Help: "Total number of messages routed to a dead-letter queue",
	}, []string{"queue"})

	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_active_consumers",
		Help: "Current number of running queue consumers",
	})

	TransitionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_transition_errors_total",
		Help: "Total number of illegal job state transitions attempted",
	})
)
