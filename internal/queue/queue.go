package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Queue is the producer side: it adds, removes and inspects jobs.
type Queue struct {
	name    string
	backend Backend
	logger  *zap.Logger
	now     func() time.Time
}

func New(name string, backend Backend, logger *zap.Logger) *Queue {
	return &Queue{
		name:    name,
		backend: backend,
		logger:  logger.With(zap.String("queue", name)),
		now:     time.Now,
	}
}

func (q *Queue) Name() string {
	return q.name
}

// SetClock overrides the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Add enqueues a job under key. When a job with the same key is already
// waiting, delayed or active nothing is stored and added is false.
func (q *Queue) Add(ctx context.Context, name, key string, payload interface{}, opts JobOptions) (*Job, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("job key is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := q.now()
	job := &Job{
		ID:        key,
		Name:      name,
		Payload:   data,
		Opts:      opts,
		CreatedAt: now,
	}

	added, err := q.backend.Add(ctx, job, now.Add(opts.Delay), now)
	if err != nil {
		return nil, false, err
	}

	if added {
		q.logger.Debug("Job added",
			zap.String("job_id", key),
			zap.String("job_name", name),
			zap.Duration("delay", opts.Delay))
	} else {
		q.logger.Debug("Job already queued, skipping", zap.String("job_id", key))
	}

	return job, added, nil
}

// Remove deletes a waiting or delayed job. It returns ErrJobActive when a
// worker holds the job and ErrJobNotFound when no job exists for key.
func (q *Queue) Remove(ctx context.Context, key string) error {
	return q.backend.Remove(ctx, key)
}

func (q *Queue) State(ctx context.Context, key string) (JobState, error) {
	return q.backend.State(ctx, key)
}

func (q *Queue) Close() error {
	return q.backend.Close()
}
