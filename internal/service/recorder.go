package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
)

// Recorder turns a published task into a PublishRecord and removes the task.
type Recorder struct {
	tasks    *store.TaskStore
	notifier events.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewRecorder(tasks *store.TaskStore, notifier events.Notifier, logger *zap.Logger) *Recorder {
	return &Recorder{
		tasks:    tasks,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

var _ publisher.Recorder = (*Recorder)(nil)

// Complete writes the record, deletes the containers and deletes the task in
// one transaction. Completing an already recorded task is a no-op for the
// record and still removes the task.
func (r *Recorder) Complete(ctx context.Context, task *models.PublishTask, dataID string, opts publisher.CompleteOptions) error {
	task.Status = models.StatusPublished

	record := models.NewPublishRecord(uuid.NewString(), task, dataID, opts.WorkLink, models.JSONMap(opts.Extra))
	if err := r.tasks.Finish(ctx, task.ID, record); err != nil {
		return fmt.Errorf("failed to complete task %s: %w", task.ID, err)
	}

	metrics.TasksPublished.WithLabelValues(string(task.Platform)).Inc()
	r.logger.Info("Publish task completed",
		zap.String("task_id", task.ID),
		zap.String("platform", string(task.Platform)),
		zap.String("data_id", dataID))

	if r.notifier != nil {
		evt := events.NewEvent(uuid.NewString(), events.TaskCompleted, task, r.now())
		evt.DataID = dataID
		evt.WorkLink = opts.WorkLink
		if err := r.notifier.Notify(ctx, evt); err != nil {
			r.logger.Warn("Failed to notify task completion", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return nil
}
