package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crosspost"

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_submitted_total",
		Help:      "Publish tasks accepted by the service",
	}, []string{"platform"})

	TasksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_published_total",
		Help:      "Publish tasks recorded as published",
	}, []string{"platform"})

	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_failed_total",
		Help:      "Publish tasks that ended in the failed state",
	}, []string{"platform"})

	// JobsProcessed counts settled queue jobs by job name and outcome
	// (completed, retrying, failed).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_jobs_processed_total",
		Help:      "Queue jobs settled by the publish worker",
	}, []string{"job", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_job_duration_seconds",
		Help:      "Time spent in the publish handler",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	NotifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notify_errors_total",
		Help:      "Event notifications that could not be delivered",
	}, []string{"notifier"})

	ScheduledPushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_pushed_total",
		Help:      "Tasks pushed to the queue by the scheduler",
	})
)
