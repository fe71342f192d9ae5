package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/store"
)

// Hooks returns the queue hooks that keep the task in sync with its jobs.
func (w *Worker) Hooks() queue.Hooks {
	return queue.Hooks{
		OnCompleted: w.onCompleted,
		OnRetrying:  w.onRetrying,
		OnFailed:    w.onFailed,
	}
}

func (w *Worker) onCompleted(ctx context.Context, job *queue.Job) {
	metrics.JobsProcessed.WithLabelValues(job.Name, "completed").Inc()

	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return
	}
	// A push that scheduled finalize has handed the flag over to that job.
	// Published tasks are already gone.
	if err := w.tasks.ClearQueued(ctx, payload.TaskID, job.ID); err != nil {
		w.logger.Warn("Failed to clear queue flag", zap.String("task_id", payload.TaskID), zap.Error(err))
	}
}

func (w *Worker) onRetrying(_ context.Context, job *queue.Job, err error, delay time.Duration) {
	metrics.JobsProcessed.WithLabelValues(job.Name, "retrying").Inc()
	w.logger.Info("Publish job will be retried",
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempts_made", job.AttemptsMade),
		zap.Duration("delay", delay),
		zap.String("reason", err.Error()))
}

// onFailed marks the task failed with the error of the last attempt.
func (w *Worker) onFailed(ctx context.Context, job *queue.Job, jobErr error) {
	metrics.JobsProcessed.WithLabelValues(job.Name, "failed").Inc()

	var payload Payload
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("Failed job has an invalid payload", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	logger := w.logger.With(zap.String("task_id", payload.TaskID), zap.String("job_name", job.Name))

	task, err := w.tasks.Get(ctx, payload.TaskID)
	if store.IsNotFound(err) {
		logger.Warn("Failed job refers to a missing task", zap.Error(jobErr))
		return
	}
	if err != nil {
		logger.Error("Failed to load task of failed job", zap.Error(err))
		return
	}

	message := jobErr.Error()
	if err := w.tasks.MarkFailed(ctx, task.ID, message); err != nil {
		logger.Error("Failed to mark task failed", zap.Error(err))
		return
	}
	task.ErrorMsg = message

	metrics.TasksFailed.WithLabelValues(string(task.Platform)).Inc()
	logger.Error("Publish task failed",
		zap.Int("attempts_made", job.AttemptsMade),
		zap.Bool("permanent", queue.IsPermanent(jobErr)),
		zap.String("error", message))

	if w.monitoring != nil {
		_ = w.monitoring.RecordError(ctx, service.LevelError, "worker", "Publish task failed", message,
			service.WithTask(task),
			service.WithContext(map[string]interface{}{
				"job_name":      job.Name,
				"attempts_made": job.AttemptsMade,
				"permanent":     queue.IsPermanent(jobErr),
			}))
	}

	if w.notifier != nil {
		evt := events.NewEvent(uuid.NewString(), events.TaskFailed, task, w.now())
		evt.Error = message
		if err := w.notifier.Notify(ctx, evt); err != nil {
			logger.Warn("Failed to notify task failure", zap.Error(err))
		}
	}
}
