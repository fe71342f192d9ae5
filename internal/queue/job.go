package queue

import (
	"encoding/json"
	"time"
)

// BackoffType selects how the retry delay grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobOptions control how a job is retried and scheduled.
type JobOptions struct {
	// Attempts is the total number of handler invocations, including the first.
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`

	// Delay postpones the first run.
	Delay time.Duration `json:"delay"`

	// Timeout is read by handlers that race their work against a timer.
	Timeout time.Duration `json:"timeout"`
}

// JobState is where a job currently sits in the backend.
type JobState string

const (
	StateWaiting JobState = "waiting"
	StateDelayed JobState = "delayed"
	StateActive  JobState = "active"
	StateUnknown JobState = "unknown"
)

// Job is a unit of work. ID doubles as the deduplication key.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	Opts         JobOptions      `json:"opts"`
	AttemptsMade int             `json:"attempts_made"`
	StalledCount int             `json:"stalled_count"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  time.Time       `json:"processed_at,omitempty"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

func (o JobOptions) attempts() int {
	if o.Attempts <= 0 {
		return 1
	}
	return o.Attempts
}

// BackoffDelay returns the wait before the next attempt once attemptsMade
// attempts have failed. maxDelay <= 0 disables the cap.
func BackoffDelay(b Backoff, attemptsMade int, maxDelay time.Duration) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}

	delay := b.Delay
	if b.Type == BackoffExponential {
		// delay = initial * 2^(attemptsMade-1)
		for i := 1; i < attemptsMade; i++ {
			delay *= 2
			if maxDelay > 0 && delay > maxDelay {
				return maxDelay
			}
		}
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
