package queue

import (
	"context"
	"time"
)

// Backend stores jobs and performs the atomic state transitions of the queue.
// Every transition out of the active state is guarded by the lease token
// handed out by Reserve.
type Backend interface {
	// Add stores job unless a job with the same ID is waiting, delayed or active.
	Add(ctx context.Context, job *Job, runAt time.Time, now time.Time) (bool, error)

	// Reserve promotes due delayed jobs and leases the next waiting one.
	// It returns nil when nothing is ready.
	Reserve(ctx context.Context, token string, now time.Time, leaseUntil time.Time) (*Job, error)

	Extend(ctx context.Context, id, token string, leaseUntil time.Time) error
	Complete(ctx context.Context, id, token string) error
	Retry(ctx context.Context, job *Job, token string, runAt time.Time) error
	Fail(ctx context.Context, job *Job, token string) error

	// Remove deletes a waiting or delayed job.
	Remove(ctx context.Context, id string) error
	State(ctx context.Context, id string) (JobState, error)

	// RecoverStalled puts jobs with an expired lease back to waiting and
	// returns those that stalled more than maxStalled times, already removed.
	RecoverStalled(ctx context.Context, now time.Time, maxStalled int) (requeued int, failed []*Job, err error)

	Close() error
}
