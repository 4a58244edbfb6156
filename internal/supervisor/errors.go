package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetriesExhausted is matched by the error delivered when a worker exits
	// with a nonzero status and no retries remain.
	ErrRetriesExhausted = errors.New("worker failed after retrying")

	// ErrTimeout is matched by the error delivered when the last attempt
	// outlived its timeout.
	ErrTimeout = errors.New("worker timed out")

	// ErrCancelled is delivered to every outstanding submission when the
	// supervisor is destroyed.
	ErrCancelled = errors.New("supervisor destroyed: submission cancelled")

	// ErrNotLaunched is returned by Run when the factory produced no worker.
	ErrNotLaunched = errors.New("no worker was created for spec")

	errEventsClosed = errors.New("worker event stream closed without exit")
)

// ExitError reports a nonzero exit status once retries are exhausted.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", ErrRetriesExhausted, e.Code)
}

func (e *ExitError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// TimeoutError reports that an attempt was still running when its timer fired.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %s", ErrTimeout, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Result labels for a terminal error.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultTimedOut  = "timed_out"
	ResultCancelled = "cancelled"
)

// ResultOf maps the error delivered to a callback onto a result label.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultSucceeded
	case errors.Is(err, ErrTimeout):
		return ResultTimedOut
	case errors.Is(err, ErrCancelled):
		return ResultCancelled
	default:
		return ResultFailed
	}
}
