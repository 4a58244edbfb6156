package supervisortest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/overseer/internal/supervisor"
)

// Result is one completion callback invocation.
type Result struct {
	Err      error
	Messages []any
}

// Recorder collects completion callback invocations.
//
// Recorder is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	results []Result
	ch      chan Result
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan Result, 256)}
}

// Callback returns a supervisor.Callback that records into r.
func (r *Recorder) Callback() supervisor.Callback {
	return func(err error, messages []any) {
		res := Result{Err: err, Messages: messages}
		r.mu.Lock()
		r.results = append(r.results, res)
		r.mu.Unlock()
		select {
		case r.ch <- res:
		default:
		}
	}
}

// Wait returns the next recorded result or fails the test after timeout.
func (r *Recorder) Wait(t testing.TB, timeout time.Duration) Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(timeout):
		t.Fatalf("no completion within %s", timeout)
		return Result{}
	}
}

// Results returns a snapshot of every recorded result.
func (r *Recorder) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// Count reports how many times the callback ran.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// ObserverRecorder records lifecycle notifications as short strings such as
// "started:1" or "retried:1->2".
type ObserverRecorder struct {
	mu     sync.Mutex
	events []string
}

func (o *ObserverRecorder) add(format string, args ...any) {
	o.mu.Lock()
	o.events = append(o.events, fmt.Sprintf(format, args...))
	o.mu.Unlock()
}

func (o *ObserverRecorder) SubmissionQueued(_ any, depth int) {
	o.add("queued:%d", depth)
}

func (o *ObserverRecorder) SubmissionDropped(_ any, _ error) {
	o.add("dropped")
}

func (o *ObserverRecorder) AttemptStarted(a supervisor.AttemptInfo) {
	o.add("started:%d", a.ID)
}

func (o *ObserverRecorder) AttemptRetried(prev, next supervisor.AttemptInfo, _ error) {
	o.add("retried:%d->%d", prev.ID, next.ID)
}

func (o *ObserverRecorder) AttemptFinished(a supervisor.AttemptInfo, err error) {
	if err != nil {
		o.add("failed:%d", a.ID)
		return
	}
	o.add("succeeded:%d", a.ID)
}

// Events returns a snapshot of the recorded notifications.
func (o *ObserverRecorder) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.events))
	copy(out, o.events)
	return out
}
