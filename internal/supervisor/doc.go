// Package supervisor runs externally created workers under a concurrency
// limit, a per-attempt timeout and a retry budget.
//
// Callers submit an opaque spec together with Options and a Callback. The
// supervisor asks its Factory for a Worker, watches the worker's events and
// reports the logical submission exactly once, however many attempts it took.
//
// Admission:
//   - While fewer than Concurrency attempts are active, Submit creates an
//     attempt immediately and returns true.
//   - Otherwise the submission waits in a FIFO queue and Submit returns false.
//   - A factory that returns no worker (or an error) drops the submission.
//     Its callback is never invoked; the drop is logged and reported to the
//     Observer.
//
// Outcomes:
//   - Exit status 0 completes the submission with the buffered messages.
//   - A nonzero exit, a worker error or a timeout fails the attempt. While
//     retries remain, a new attempt with a fresh id replaces it ahead of any
//     queued work and the callback is not invoked.
//   - Once the budget is spent the callback receives *ExitError, the worker's
//     own error, or *TimeoutError.
//
// Destroy kills every worker and reports all active and queued submissions
// with ErrCancelled. Nothing is admitted afterwards.
//
// State is guarded by a single mutex. Worker events are read on one goroutine
// per attempt and timers fire on their own goroutines; resolution of an
// attempt happens at most once.
//
// Callbacks, message handlers and observers run outside the lock, one at a
// time, in the order of the state changes that caused them. They may call back
// into the Supervisor: the effects of a nested call are queued and run after
// the current one returns. For the same reason they must not block on another
// submission's completion, as Run and Settle do. When no other goroutine is
// delivering, Submit, AdmitNext and Destroy return only after their own
// effects have run; Settle waits for them otherwise. The factory and
// Worker.Kill run under the lock and must not block or call back into the
// Supervisor.
package supervisor
