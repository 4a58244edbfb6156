package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mattjoyce/overseer/internal/log"
)

var (
	errNoFactory = errors.New("no worker factory configured")
	errNoWorker  = errors.New("factory returned no worker")
)

// Admission says what Admit did with a submission.
type Admission int

const (
	// Admitted means an attempt was created.
	Admitted Admission = iota
	// Queued means the submission waits for capacity.
	Queued
	// Dropped means the factory produced no worker. The callback will not run.
	Dropped
	// Rejected means the supervisor was destroyed. The callback receives
	// ErrCancelled.
	Rejected
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Admission(%d)", int(a))
	}
}

// effects collects work that runs once the lock is released: observer
// notifications first, then callbacks.
type effects struct {
	notes []func()
	after []func()
}

func (fx *effects) notify(f func()) {
	fx.notes = append(fx.notes, f)
}

func (fx *effects) then(f func()) {
	fx.after = append(fx.after, f)
}

// Stats is a point-in-time view of the supervisor.
type Stats struct {
	Active      int
	Queued      int
	Concurrency int
	Destroyed   bool
	// LastID is the id most recently assigned to an attempt.
	LastID uint64
}

// Supervisor admits submissions up to a concurrency limit, tracks each
// attempt's worker, retries failures within budget and reports every logical
// submission exactly once.
type Supervisor struct {
	mu        sync.Mutex
	active    map[uint64]*attempt
	queue     admissionQueue
	timers    *timerRegistry
	nextID    uint64
	factory   Factory
	destroyed bool

	timeout     time.Duration
	concurrency int
	retries     int

	logger   *slog.Logger
	observer Observer

	// pending holds effects not yet run, oldest first. At most one goroutine
	// runs them at a time; draining marks that one is doing so.
	pending  []func()
	draining bool
	queuedFx uint64
	ranFx    uint64
	settled  *sync.Cond
}

// New creates a Supervisor. Zero or negative timeout and concurrency fall
// back to the defaults.
func New(cfg Config) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("supervisor")
	} else {
		logger = logger.With("component", "supervisor")
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}

	s := &Supervisor{
		active:      make(map[uint64]*attempt),
		timers:      newTimerRegistry(),
		factory:     cfg.Factory,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		retries:     cfg.Retries,
		logger:      logger,
		observer:    observer,
	}
	s.settled = sync.NewCond(&s.mu)
	return s
}

// unlock queues fx behind the effects of earlier critical sections and
// releases the lock. If no other goroutine is running effects, the caller runs
// the whole backlog itself before returning. A call made from inside an effect
// finds draining set, so its effects run after the current one returns.
func (s *Supervisor) unlock(fx *effects) {
	s.pending = append(s.pending, fx.notes...)
	s.pending = append(s.pending, fx.after...)
	s.queuedFx += uint64(len(fx.notes) + len(fx.after))
	if s.draining || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}

	s.draining = true
	for len(s.pending) > 0 {
		f := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()
		f()
		s.mu.Lock()
		s.ranFx++
		s.settled.Broadcast()
	}
	s.pending = nil
	s.draining = false
	s.mu.Unlock()
}

// Settle blocks until every callback, message handler call and observer
// notification caused by earlier calls has run. It must not be called from
// one of them.
func (s *Supervisor) Settle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.queuedFx
	for s.ranFx < target {
		s.settled.Wait()
	}
}

// Submit admits spec immediately when capacity allows and reports true.
// Otherwise it queues the submission, or drops it when the factory yields no
// worker, and reports false. cb is invoked exactly once with the terminal
// result unless the submission is dropped.
func (s *Supervisor) Submit(spec any, opts Options, cb Callback) bool {
	return s.submit(spec, opts, newCompletion(cb)) == Admitted
}

// Admit is Submit reporting what was done with the submission.
func (s *Supervisor) Admit(spec any, opts Options, cb Callback) Admission {
	return s.submit(spec, opts, newCompletion(cb))
}

// Run submits spec and waits for its terminal result. It returns
// ErrNotLaunched when the factory produced no worker for the first attempt.
// It must not be called from a callback, message handler or observer.
func (s *Supervisor) Run(ctx context.Context, spec any, opts Options) ([]any, error) {
	type result struct {
		messages []any
		err      error
	}
	ch := make(chan result, 1)
	res := s.submit(spec, opts, newCompletion(func(err error, messages []any) {
		ch <- result{messages: messages, err: err}
	}))
	if res == Dropped {
		return nil, ErrNotLaunched
	}

	select {
	case r := <-ch:
		return r.messages, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReplaceFactory swaps the factory used by later admissions. Attempts already
// tracked keep their workers.
func (s *Supervisor) ReplaceFactory(f Factory) {
	s.mu.Lock()
	s.factory = f
	s.mu.Unlock()
}

// AdmitNext admits the oldest queued submission if capacity allows. Entries
// whose factory call yields no worker are discarded and the next one is
// tried. It reports whether an attempt was created.
func (s *Supervisor) AdmitNext() bool {
	var fx effects
	s.mu.Lock()
	ok := s.admitNextLocked(&fx)
	s.unlock(&fx)
	return ok
}

// Has reports whether attempt id is active.
func (s *Supervisor) Has(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Stats returns counts of active and queued work.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:      len(s.active),
		Queued:      s.queue.len(),
		Concurrency: s.concurrency,
		Destroyed:   s.destroyed,
		LastID:      s.nextID,
	}
}

// Destroy cancels all work. Active attempts are killed and, like queued
// submissions, reported with ErrCancelled. Only the first call has any
// effect and returns true.
func (s *Supervisor) Destroy() bool {
	var fx effects
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false
	}
	s.destroyed = true

	ids := make([]uint64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.resolveLocked(s.active[id], outcome{err: ErrCancelled}, false, &fx)
	}

	pending := s.queue.drain()
	for _, e := range pending {
		fx.then(func() { e.done.fire(ErrCancelled, nil) })
	}

	s.timers.release()
	s.factory = nil
	s.logger.Info("supervisor destroyed", "cancelled_active", len(ids), "cancelled_queued", len(pending))
	s.unlock(&fx)
	return true
}

func (s *Supervisor) submit(spec any, opts Options, done *completion) Admission {
	var fx effects
	s.mu.Lock()
	res := s.submitLocked(spec, opts, done, &fx)
	s.unlock(&fx)
	return res
}

func (s *Supervisor) submitLocked(spec any, opts Options, done *completion, fx *effects) Admission {
	if s.destroyed {
		fx.then(func() { done.fire(ErrCancelled, nil) })
		return Rejected
	}

	if len(s.active) >= s.concurrency {
		s.queue.push(entry{spec: spec, opts: opts, done: done})
		depth := s.queue.len()
		s.logger.Debug("submission queued", "depth", depth)
		fx.notify(func() { s.observer.SubmissionQueued(spec, depth) })
		return Queued
	}

	a := s.launchLocked(spec, opts, s.retryBudget(opts), 1, done, fx)
	if a == nil {
		return Dropped
	}
	info := a.info()
	fx.notify(func() { s.observer.AttemptStarted(info) })
	return Admitted
}

// launchLocked asks the factory for a worker and starts tracking it. It
// returns nil when the submission was dropped.
func (s *Supervisor) launchLocked(spec any, opts Options, retries, number int, done *completion, fx *effects) *attempt {
	w, err := s.callFactory(spec)
	if err != nil {
		s.logger.Warn("submission dropped", "error", err)
		fx.notify(func() { s.observer.SubmissionDropped(spec, err) })
		return nil
	}

	s.nextID++
	a := &attempt{
		id:        s.nextID,
		number:    number,
		spec:      spec,
		opts:      opts,
		retries:   retries,
		timeout:   s.attemptTimeout(opts),
		worker:    w,
		done:      done,
		detached:  make(chan struct{}),
		startedAt: time.Now(),
	}
	s.active[a.id] = a
	s.track(a)

	s.logger.Debug("attempt started",
		"attempt_id", a.id,
		"attempt", a.number,
		"retries_remaining", a.retries,
		"timeout", a.timeout,
	)
	return a
}

func (s *Supervisor) callFactory(spec any) (w Worker, err error) {
	factory := s.factory
	if factory == nil {
		return nil, errNoFactory
	}
	defer func() {
		if r := recover(); r != nil {
			w, err = nil, fmt.Errorf("factory panicked: %v", r)
		}
	}()
	w, err = factory(spec)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	if w == nil {
		return nil, errNoWorker
	}
	return w, nil
}

// track arms the attempt's deadline and starts reading its events.
func (s *Supervisor) track(a *attempt) {
	s.timers.arm(a.id, a.timeout, func() {
		s.resolve(a, outcome{err: &TimeoutError{Timeout: a.timeout}})
	})
	go s.pump(a, a.worker.Events())
}

func (s *Supervisor) pump(a *attempt, events <-chan Event) {
	for {
		select {
		case <-a.detached:
			return
		case ev, ok := <-events:
			if !ok {
				s.resolve(a, outcome{err: errEventsClosed})
				return
			}
			switch ev.Kind {
			case EventMessage:
				s.deliver(a, ev.Message)
			case EventError:
				err := ev.Err
				if err == nil {
					err = errors.New("worker reported an unspecified error")
				}
				s.resolve(a, outcome{err: err})
				return
			case EventExit:
				s.resolve(a, outcome{code: ev.Code})
				return
			}
		}
	}
}

// deliver routes one message to the attempt's sink. Handler calls share the
// effect queue, so they finish before the submission's callback starts.
func (s *Supervisor) deliver(a *attempt, msg any) {
	var fx effects
	s.mu.Lock()
	if s.active[a.id] != a {
		s.mu.Unlock()
		return
	}
	if handler := a.opts.OnMessage; handler != nil {
		id := a.id
		fx.then(func() { handler(id, msg) })
	} else {
		a.messages = append(a.messages, msg)
	}
	s.unlock(&fx)
}

func (s *Supervisor) resolve(a *attempt, out outcome) {
	var fx effects
	s.mu.Lock()
	s.resolveLocked(a, out, true, &fx)
	s.unlock(&fx)
}

// resolveLocked decides an attempt's outcome. Only the first call for a given
// attempt does anything.
func (s *Supervisor) resolveLocked(a *attempt, out outcome, allowRetry bool, fx *effects) {
	if s.active[a.id] != a {
		return
	}
	s.releaseLocked(a)

	if allowRetry && out.failed() && a.retries > 0 && !s.timers.released {
		cause := out.terminalError()
		prev := a.info()
		s.logger.Warn("attempt failed, retrying",
			"attempt_id", a.id,
			"attempt", a.number,
			"retries_remaining", a.retries-1,
			"error", cause,
		)
		next := s.launchLocked(a.spec, a.opts, a.retries-1, a.number+1, a.done, fx)
		if next == nil {
			s.admitNextLocked(fx)
			return
		}
		info := next.info()
		fx.notify(func() {
			s.observer.AttemptRetried(prev, info, cause)
			s.observer.AttemptStarted(info)
		})
		return
	}

	err := out.terminalError()
	messages := a.messages
	if messages == nil {
		messages = []any{}
	}
	info := a.info()
	if err != nil {
		s.logger.Info("attempt failed", "attempt_id", a.id, "attempt", a.number, "error", err)
	} else {
		s.logger.Debug("attempt succeeded", "attempt_id", a.id, "attempt", a.number, "messages", len(messages))
	}

	fx.notify(func() { s.observer.AttemptFinished(info, err) })
	fx.then(func() { a.done.fire(err, messages) })
	s.admitNextLocked(fx)
}

// releaseLocked removes an attempt from tracking and kills its worker.
func (s *Supervisor) releaseLocked(a *attempt) {
	delete(s.active, a.id)
	s.timers.cancel(a.id)
	close(a.detached)
	if err := a.worker.Kill(); err != nil {
		s.logger.Debug("kill worker", "attempt_id", a.id, "error", err)
	}
}

func (s *Supervisor) admitNextLocked(fx *effects) bool {
	for !s.destroyed && len(s.active) < s.concurrency {
		e, ok := s.queue.pop()
		if !ok {
			return false
		}
		if s.submitLocked(e.spec, e.opts, e.done, fx) == Admitted {
			return true
		}
	}
	return false
}

func (s *Supervisor) retryBudget(opts Options) int {
	if opts.Retries == nil {
		return s.retries
	}
	if *opts.Retries < 0 {
		return 0
	}
	return *opts.Retries
}

func (s *Supervisor) attemptTimeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return s.timeout
}
