package queue

import "errors"

var (
	// ErrJobActive is returned when removing a job a worker currently holds.
	ErrJobActive = errors.New("job is active")

	// ErrJobNotFound is returned when the key has no live job.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobStalled is the failure reason of jobs that exceeded the stalled limit.
	ErrJobStalled = errors.New("job stalled more than allowable limit")

	// ErrLeaseLost means another worker now owns the job.
	ErrLeaseLost = errors.New("job lease lost")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails on this attempt
// regardless of the attempts left.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
