package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/events"
	"github.com/ifuryst/crosspost/internal/metrics"
	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/queue"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
)

// Job names
const (
	JobPush     = "publish.push"
	JobFinalize = "publish.finalize"
)

var (
	// ErrPublishTimeout is returned when a publisher call outlives the job timeout.
	ErrPublishTimeout = errors.New("publish timed out")

	// ErrStillProcessing makes the queue retry a finalize job whose media is
	// not ready yet. The retry backoff is the poll interval.
	ErrStillProcessing = errors.New("media still processing")
)

// Payload is the body of both job kinds.
type Payload struct {
	TaskID string `json:"task_id"`
}

// FinalizeKey is the dedup key of the finalize job of a task.
func FinalizeKey(taskID string) string {
	return taskID + ":finalize"
}

// Options are the default job options of the two job kinds.
type Options struct {
	Push     queue.JobOptions
	Finalize queue.JobOptions
}

// Worker executes publish jobs. It is also the publishers' FollowUpScheduler
// and the service's Dispatcher.
type Worker struct {
	queue      *queue.Queue
	tasks      *store.TaskStore
	registry   *publisher.Registry
	monitoring *service.MonitoringService
	notifier   events.Notifier
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

func New(q *queue.Queue, tasks *store.TaskStore, registry *publisher.Registry, monitoring *service.MonitoringService, notifier events.Notifier, opts Options, logger *zap.Logger) *Worker {
	return &Worker{
		queue:      q,
		tasks:      tasks,
		registry:   registry,
		monitoring: monitoring,
		notifier:   notifier,
		opts:       opts,
		logger:     logger.Named("worker"),
		now:        time.Now,
	}
}

var (
	_ publisher.FollowUpScheduler = (*Worker)(nil)
	_ service.Dispatcher          = (*Worker)(nil)
)

// NewConsumer returns a queue consumer that runs this worker's handler and hooks.
func (w *Worker) NewConsumer(cfg queue.ConsumerConfig) *queue.Consumer {
	return queue.NewConsumer(w.queue, w.Handle, w.Hooks(), cfg)
}

// EnqueuePush adds the push job of task, delayed until its publish time,
// and marks the task as queued.
func (w *Worker) EnqueuePush(ctx context.Context, task *models.PublishTask) (bool, error) {
	opts := w.opts.Push
	if delay := task.PublishTime.Sub(w.now()); delay > opts.Delay {
		opts.Delay = delay
	}

	job, added, err := w.queue.Add(ctx, JobPush, task.ID, Payload{TaskID: task.ID}, opts)
	if err != nil {
		return false, err
	}
	if err := w.tasks.SetQueued(ctx, task.ID, job.ID, true); err != nil {
		return added, err
	}
	return added, nil
}

// ScheduleFinalize adds the finalize job of task and makes it the job the
// task is queued on.
func (w *Worker) ScheduleFinalize(ctx context.Context, task *models.PublishTask) error {
	job, added, err := w.queue.Add(ctx, JobFinalize, FinalizeKey(task.ID), Payload{TaskID: task.ID}, w.opts.Finalize)
	if err != nil {
		return err
	}
	if err := w.tasks.SetQueued(ctx, task.ID, job.ID, true); err != nil {
		return err
	}
	task.InQueue = true
	task.QueueID = job.ID
	if added {
		w.logger.Debug("Finalize job scheduled", zap.String("task_id", task.ID))
	}
	return nil
}

// RemoveJobs drops the push and finalize jobs of a task.
func (w *Worker) RemoveJobs(ctx context.Context, taskID string) error {
	for _, key := range []string{taskID, FinalizeKey(taskID)} {
		err := w.queue.Remove(ctx, key)
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return err
		}
	}
	return nil
}

// Handle processes one job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	defer func() {
		metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}()

	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid job payload: %w", err))
	}

	logger := w.logger.With(
		zap.String("task_id", payload.TaskID),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.AttemptsMade+1))

	task, err := w.tasks.Get(ctx, payload.TaskID)
	if store.IsNotFound(err) {
		logger.Warn("Publish task not found, dropping job")
		return nil
	}
	if err != nil {
		return err
	}

	pub, err := w.registry.Get(task.Platform)
	if err != nil {
		return queue.Permanent(err)
	}

	var call func(ctx context.Context) (*publisher.Result, error)
	switch job.Name {
	case JobPush:
		err := w.tasks.Transition(ctx, task.ID,
			[]models.PublishStatus{models.StatusWaitingForPublish, models.StatusPublishing},
			models.StatusPublishing, nil)
		if errors.Is(err, store.ErrStatusConflict) || store.IsNotFound(err) {
			logger.Warn("Publish task no longer publishable, dropping job")
			return nil
		}
		if err != nil {
			return err
		}
		task.Status = models.StatusPublishing
		call = func(ctx context.Context) (*publisher.Result, error) { return pub.DoPub(ctx, task) }
	case JobFinalize:
		call = func(ctx context.Context) (*publisher.Result, error) { return pub.Publish(ctx, task) }
	default:
		return queue.Permanent(fmt.Errorf("unknown job name %q", job.Name))
	}

	res, err := race(ctx, job.Opts.Timeout, call)
	return interpret(job.Name, res, err)
}

// race runs call and gives up waiting after timeout. The call itself is not
// cancelled and finishes in the background.
func race(ctx context.Context, timeout time.Duration, call func(ctx context.Context) (*publisher.Result, error)) (*publisher.Result, error) {
	if timeout <= 0 {
		return call(ctx)
	}

	type outcome struct {
		res *publisher.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("publisher panic: %v", r)}
			}
		}()
		res, err := call(ctx)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.res, o.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrPublishTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// interpret maps a publisher result onto the queue outcome. Push succeeds
// once the containers exist, finalize only once the post is live.
func interpret(jobName string, res *publisher.Result, err error) error {
	if err != nil {
		return err
	}
	if res == nil {
		return errors.New("publisher returned no result")
	}

	switch res.Status {
	case models.StatusPublished:
		return nil
	case models.StatusPublishing:
		if jobName == JobPush {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrStillProcessing, res.Message)
	case models.StatusFailed:
		failure := errors.New(res.Message)
		if res.NoRetry {
			return queue.Permanent(failure)
		}
		return failure
	default:
		return fmt.Errorf("unexpected publish status %q", res.Status)
	}
}
