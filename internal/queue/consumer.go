package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler processes one job. A nil error completes the job.
type Handler func(ctx context.Context, job *Job) error

// Hooks are called after the backend settled a job. Any of them may be nil.
type Hooks struct {
	OnCompleted func(ctx context.Context, job *Job)
	OnRetrying  func(ctx context.Context, job *Job, err error, delay time.Duration)
	OnFailed    func(ctx context.Context, job *Job, err error)
}

type ConsumerConfig struct {
	Concurrency     int
	PollInterval    time.Duration
	LockDuration    time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
	MaxBackoff      time.Duration
}

func (c *ConsumerConfig) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.MaxStalledCount < 0 {
		c.MaxStalledCount = 0
	}
}

// Consumer runs a fixed pool of goroutines that reserve and process jobs,
// plus a checker that recovers jobs whose lease expired.
type Consumer struct {
	queue   *Queue
	handler Handler
	hooks   Hooks
	cfg     ConsumerConfig
	logger  *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewConsumer(q *Queue, handler Handler, hooks Hooks, cfg ConsumerConfig) *Consumer {
	cfg.setDefaults()
	return &Consumer{
		queue:   q,
		handler: handler,
		hooks:   hooks,
		cfg:     cfg,
		logger:  q.logger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("Starting queue consumer",
		zap.Int("concurrency", c.cfg.Concurrency),
		zap.Duration("stalled_interval", c.cfg.StalledInterval),
		zap.Int("max_stalled_count", c.cfg.MaxStalledCount))

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.loop(ctx, id)
		}(i)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.stalledLoop(ctx)
	}()
}

// Stop stops reserving new jobs and waits for in-flight jobs to finish and
// settle.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("Queue consumer stopped")
}

func (c *Consumer) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := c.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to process job", zap.Int("worker", id), zap.Error(err))
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Consumer) stalledLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CheckStalled(ctx); err != nil {
				c.logger.Error("Stalled job check failed", zap.Error(err))
			}
		}
	}
}

// RunOnce reserves and processes at most one job. It reports whether a job
// was reserved.
func (c *Consumer) RunOnce(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	now := c.queue.now()

	job, err := c.queue.backend.Reserve(ctx, token, now, now.Add(c.cfg.LockDuration))
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	job.ProcessedAt = now
	return true, c.process(ctx, job, token)
}

func (c *Consumer) process(ctx context.Context, job *Job, token string) error {
	logger := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.AttemptsMade+1))

	// A reserved job runs to the end even when Stop cancels ctx, so shutdown
	// never burns an attempt. Stop waits for it.
	jobCtx := context.WithoutCancel(ctx)

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	go c.heartbeat(heartbeatCtx, job.ID, token)

	handlerErr := c.invoke(jobCtx, job)
	stopHeartbeat()

	settleCtx := jobCtx

	if handlerErr == nil {
		if err := c.queue.backend.Complete(settleCtx, job.ID, token); err != nil {
			return c.settleError(logger, err)
		}
		logger.Debug("Job completed")
		if c.hooks.OnCompleted != nil {
			c.hooks.OnCompleted(settleCtx, job)
		}
		return nil
	}

	job.AttemptsMade++
	job.FailedReason = handlerErr.Error()

	if IsPermanent(handlerErr) || job.AttemptsMade >= job.Opts.attempts() {
		if err := c.queue.backend.Fail(settleCtx, job, token); err != nil {
			return c.settleError(logger, err)
		}
		logger.Warn("Job failed",
			zap.Int("attempts_made", job.AttemptsMade),
			zap.Bool("permanent", IsPermanent(handlerErr)),
			zap.Error(handlerErr))
		if c.hooks.OnFailed != nil {
			c.hooks.OnFailed(settleCtx, job, handlerErr)
		}
		return nil
	}

	delay := BackoffDelay(job.Opts.Backoff, job.AttemptsMade, c.cfg.MaxBackoff)
	if err := c.queue.backend.Retry(settleCtx, job, token, c.queue.now().Add(delay)); err != nil {
		return c.settleError(logger, err)
	}
	logger.Info("Job scheduled for retry", zap.Duration("delay", delay), zap.Error(handlerErr))
	if c.hooks.OnRetrying != nil {
		c.hooks.OnRetrying(settleCtx, job, handlerErr, delay)
	}
	return nil
}

func (c *Consumer) settleError(logger *zap.Logger, err error) error {
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("Job lease lost before settling, another worker owns it now")
		return nil
	}
	return err
}

func (c *Consumer) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) heartbeat(ctx context.Context, id, token string) {
	ticker := time.NewTicker(c.cfg.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.queue.backend.Extend(ctx, id, token, c.queue.now().Add(c.cfg.LockDuration))
			if errors.Is(err, ErrLeaseLost) {
				if ctx.Err() == nil {
					c.logger.Warn("Job lease lost", zap.String("job_id", id))
				}
				return
			}
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("Failed to extend job lease", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

// CheckStalled runs one pass of stalled job recovery.
func (c *Consumer) CheckStalled(ctx context.Context) error {
	requeued, failed, err := c.queue.backend.RecoverStalled(ctx, c.queue.now(), c.cfg.MaxStalledCount)
	if err != nil {
		return err
	}

	if requeued > 0 {
		c.logger.Warn("Recovered stalled jobs", zap.Int("count", requeued))
	}

	for _, job := range failed {
		job.FailedReason = ErrJobStalled.Error()
		c.logger.Error("Job stalled too many times",
			zap.String("job_id", job.ID),
			zap.Int("stalled_count", job.StalledCount))
		if c.hooks.OnFailed != nil {
			c.hooks.OnFailed(ctx, job, ErrJobStalled)
		}
	}

	return nil
}
