package supervisor

import (
	"sync"
	"time"
)

// Callback receives the terminal result of a logical submission.
type Callback func(err error, messages []any)

// completion is the single-fire callback of one logical submission. Every
// attempt of that submission holds the same *completion.
type completion struct {
	once sync.Once
	fn   Callback
}

func newCompletion(fn Callback) *completion {
	return &completion{fn: fn}
}

// fire invokes the callback the first time it is called and reports whether
// it did.
func (c *completion) fire(err error, messages []any) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		if c.fn != nil {
			c.fn(err, messages)
		}
	})
	return fired
}

// attempt is one execution try of a submission. Fields other than messages
// are fixed at creation.
type attempt struct {
	id      uint64
	number  int
	spec    any
	opts    Options
	retries int
	timeout time.Duration
	worker  Worker
	done    *completion

	messages  []any
	detached  chan struct{}
	startedAt time.Time
}

func (a *attempt) info() AttemptInfo {
	return AttemptInfo{
		ID:               a.id,
		Number:           a.number,
		Spec:             a.spec,
		RetriesRemaining: a.retries,
		Timeout:          a.timeout,
		StartedAt:        a.startedAt,
	}
}

// AttemptInfo is a read-only view of an attempt handed to observers.
type AttemptInfo struct {
	ID uint64
	// Number is 1 for the first attempt of a submission and grows with retries.
	Number           int
	Spec             any
	RetriesRemaining int
	Timeout          time.Duration
	StartedAt        time.Time
}

// outcome is what a worker event or the timer reports about an attempt.
type outcome struct {
	code int
	err  error
}

func (o outcome) failed() bool {
	return o.err != nil || o.code != 0
}

// terminalError normalizes a decided outcome into the error handed to the
// callback.
func (o outcome) terminalError() error {
	if o.err != nil {
		return o.err
	}
	if o.code != 0 {
		return &ExitError{Code: o.code}
	}
	return nil
}
