// Package supervisortest provides scriptable workers and recorders for tests
// that drive a supervisor.Supervisor.
package supervisortest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/overseer/internal/supervisor"
)

// Worker is an in-memory supervisor.Worker whose events are pushed by the test.
type Worker struct {
	events   chan supervisor.Event
	killed   chan struct{}
	killOnce sync.Once
	kills    atomic.Int32
}

// NewWorker returns a worker with a buffered event stream.
func NewWorker() *Worker {
	return &Worker{
		events: make(chan supervisor.Event, 64),
		killed: make(chan struct{}),
	}
}

func (w *Worker) Events() <-chan supervisor.Event {
	return w.events
}

// Kill records the call and unblocks pending sends.
func (w *Worker) Kill() error {
	w.kills.Add(1)
	w.killOnce.Do(func() { close(w.killed) })
	return nil
}

// Kills reports how many times Kill was called.
func (w *Worker) Kills() int {
	return int(w.kills.Load())
}

// Killed is closed by the first Kill.
func (w *Worker) Killed() <-chan struct{} {
	return w.killed
}

// Send pushes ev unless the worker was killed first.
func (w *Worker) Send(ev supervisor.Event) bool {
	select {
	case <-w.killed:
		return false
	default:
	}
	select {
	case w.events <- ev:
		return true
	case <-w.killed:
		return false
	}
}

func (w *Worker) Message(payload any) bool {
	return w.Send(supervisor.Message(payload))
}

func (w *Worker) Exit(code int) bool {
	return w.Send(supervisor.Exited(code))
}

func (w *Worker) Fail(err error) bool {
	return w.Send(supervisor.Failed(err))
}

// ExitAfter exits with code after d unless killed first.
func (w *Worker) ExitAfter(d time.Duration, code int) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		w.Exit(code)
	case <-w.killed:
	}
}

// Script describes what a freshly created worker does. It runs on its own
// goroutine.
type Script func(w *Worker, spec any)

// Factory creates Workers and remembers them in creation order.
type Factory struct {
	mu      sync.Mutex
	script  Script
	workers []*Worker
	specs   []any
}

// NewFactory returns a Factory running script for every worker it creates.
// A nil script leaves the workers silent.
func NewFactory(script Script) *Factory {
	return &Factory{script: script}
}

// Create satisfies supervisor.Factory.
func (f *Factory) Create(spec any) (supervisor.Worker, error) {
	w := NewWorker()
	f.mu.Lock()
	f.workers = append(f.workers, w)
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if f.script != nil {
		go f.script(w, spec)
	}
	return w, nil
}

// Count reports how many workers were created.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

// Worker returns the i-th created worker, or nil.
func (f *Factory) Worker(i int) *Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.workers) {
		return nil
	}
	return f.workers[i]
}

// Specs returns the specs passed to Create, in order.
func (f *Factory) Specs() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.specs))
	copy(out, f.specs)
	return out
}
