// Package service runs the supervisor for a loaded configuration and keeps
// submission history, the event feed and metrics in step with it.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/overseer/internal/config"
	"github.com/mattjoyce/overseer/internal/events"
	"github.com/mattjoyce/overseer/internal/history"
	"github.com/mattjoyce/overseer/internal/log"
	"github.com/mattjoyce/overseer/internal/metrics"
	"github.com/mattjoyce/overseer/internal/procworker"
	"github.com/mattjoyce/overseer/internal/storage"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

// ErrUnknownWorker is returned by Submit for a worker the configuration does
// not define.
var ErrUnknownWorker = procworker.ErrUnknownWorker

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("service closed")

const storeTimeout = 5 * time.Second

// Deps are optional collaborators. Zero values are replaced with the
// configured defaults.
type Deps struct {
	Logger *slog.Logger
	// DB overrides the history database at cfg.History.Path. The caller keeps
	// ownership.
	DB *sql.DB
	// Factory overrides the process worker factory built from cfg.Workers.
	Factory supervisor.Factory
}

// Submission is the immediate result of Submit.
type Submission struct {
	ID       string         `json:"id"`
	Worker   string         `json:"worker"`
	Admitted bool           `json:"admitted"`
	Status   history.Status `json:"status"`
}

// Result is what Run returns once a submission finishes.
type Result struct {
	ID       string
	Messages []any
}

// StatusReport is a point-in-time view for operators.
type StatusReport struct {
	Service     string                 `json:"service"`
	StartedAt   time.Time              `json:"started_at"`
	Uptime      string                 `json:"uptime"`
	Active      int                    `json:"active"`
	Queued      int                    `json:"queued"`
	Concurrency int                    `json:"concurrency"`
	Destroyed   bool                   `json:"destroyed"`
	Workers     []string               `json:"workers"`
	Subscribers int                    `json:"event_subscribers"`
	History     map[history.Status]int `json:"history"`
}

type waiter chan runResult

type runResult struct {
	messages []any
	err      error
}

type Service struct {
	mu      sync.RWMutex
	cfg     *config.Config
	catalog procworker.Catalog
	custom  bool

	sup     *supervisor.Supervisor
	store   *history.Store
	hub     *events.Hub
	metrics *metrics.Collector
	logger  *slog.Logger

	db      *sql.DB
	ownsDB  bool
	started time.Time

	waitMu  sync.Mutex
	waiters map[string]waiter

	closeOnce sync.Once
}

// New opens history, builds the supervisor from cfg and returns a ready
// Service. Submissions left unfinished by a previous process are marked
// cancelled.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.WithComponent("service")
	}

	db, ownsDB := deps.DB, false
	if db == nil {
		var err error
		db, err = storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		ownsDB = true
	}

	s := &Service{
		cfg:     cfg,
		catalog: cfg.Catalog(),
		custom:  deps.Factory != nil,
		store:   history.New(db),
		hub:     events.NewHub(cfg.Events.Buffer),
		logger:  logger,
		db:      db,
		ownsDB:  ownsDB,
		started: time.Now().UTC(),
		waiters: make(map[string]waiter),
	}

	if n, err := s.store.RecoverInterrupted(ctx); err != nil {
		s.closeDB()
		return nil, err
	} else if n > 0 {
		logger.Warn("marked interrupted submissions cancelled", "count", n)
	}
	s.prune(ctx)

	factory := deps.Factory
	if factory == nil {
		factory = procworker.NewFactory(s.catalog, logger)
	}

	s.metrics = metrics.New(func() supervisor.Stats { return s.sup.Stats() })
	sc := cfg.SupervisorConfig()
	sc.Factory = factory
	sc.Logger = logger
	sc.Observer = supervisor.Observers(s, s.metrics)
	s.sup = supervisor.New(sc)

	logger.Info("service ready",
		"workers", len(s.catalog),
		"concurrency", sc.Concurrency,
		"timeout", sc.Timeout,
		"retries", sc.Retries,
	)
	return s, nil
}

// Submit records a submission for worker and hands it to the supervisor.
// input, when present, must be JSON and is passed to the worker verbatim.
func (s *Service) Submit(ctx context.Context, worker string, input json.RawMessage) (*Submission, error) {
	return s.submit(ctx, worker, input, nil)
}

// Run submits and waits for the terminal result. A submission dropped because
// no worker could be created fails with supervisor.ErrNotLaunched.
func (s *Service) Run(ctx context.Context, worker string, input json.RawMessage) (*Result, error) {
	w := make(waiter, 1)
	sub, err := s.submit(ctx, worker, input, w)
	if err != nil {
		return nil, err
	}

	select {
	case r := <-w:
		return &Result{ID: sub.ID, Messages: r.messages}, r.err
	case <-ctx.Done():
		s.forget(sub.ID)
		return &Result{ID: sub.ID}, ctx.Err()
	}
}

func (s *Service) submit(ctx context.Context, worker string, input json.RawMessage, w waiter) (*Submission, error) {
	s.mu.RLock()
	_, known := s.catalog.Lookup(worker)
	opts, _ := s.cfg.WorkerOptions(worker)
	s.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, worker)
	}
	if s.sup.Stats().Destroyed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	if _, err := s.store.Create(ctx, id, worker, input); err != nil {
		return nil, err
	}
	if w != nil {
		s.waitMu.Lock()
		s.waiters[id] = w
		s.waitMu.Unlock()
	}

	spec := procworker.Spec{SubmissionID: id, Worker: worker}
	if len(input) > 0 {
		spec.Input = input
	}

	logger := s.logger.With("submission_id", id)
	adm := s.sup.Admit(spec, opts, func(err error, messages []any) {
		s.finish(spec, err, messages)
	})
	admitted := adm == supervisor.Admitted

	var status history.Status
	switch adm {
	case supervisor.Admitted:
		status = history.StatusRunning
	case supervisor.Queued:
		status = history.StatusQueued
	case supervisor.Dropped:
		status = history.StatusDropped
	default:
		status = history.StatusCancelled
	}
	logger.Debug("submitted", "worker", worker, "admission", adm, "status", status)

	return &Submission{ID: id, Worker: worker, Admitted: admitted, Status: status}, nil
}

// finish records the terminal result. It is the supervisor callback, run at
// most once per submission.
func (s *Service) finish(spec procworker.Spec, err error, messages []any) {
	result := supervisor.ResultOf(err)
	logger := s.logger.With("submission_id", spec.SubmissionID)

	var raw json.RawMessage
	if len(messages) > 0 {
		b, merr := json.Marshal(messages)
		if merr != nil {
			logger.Warn("encode messages", "error", merr)
		} else {
			raw = b
		}
	}
	var lastError *string
	if err != nil {
		msg := err.Error()
		lastError = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, serr := s.store.Complete(ctx, spec.SubmissionID, history.Status(result), raw, lastError); serr != nil {
		logger.Warn("record completion", "error", serr)
	}

	payload := map[string]any{
		"submission_id": spec.SubmissionID,
		"worker":        spec.Worker,
		"result":        result,
		"messages":      len(messages),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.hub.Publish(events.SubmissionCompleted, payload)

	s.wake(spec.SubmissionID, runResult{messages: messages, err: err})
}

func (s *Service) wake(id string, r runResult) {
	s.waitMu.Lock()
	w, ok := s.waiters[id]
	delete(s.waiters, id)
	s.waitMu.Unlock()
	if ok {
		w <- r
	}
}

func (s *Service) forget(id string) {
	s.waitMu.Lock()
	delete(s.waiters, id)
	s.waitMu.Unlock()
}

// Get returns the recorded submission.
func (s *Service) Get(ctx context.Context, id string) (*history.Submission, error) {
	return s.store.Get(ctx, id)
}

// List returns recorded submissions, newest first.
func (s *Service) List(ctx context.Context, f history.ListFilter) ([]*history.Submission, error) {
	return s.store.List(ctx, f)
}

// Status reports supervisor load and history counts.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	stats := s.sup.Stats()

	s.mu.RLock()
	name := s.cfg.Service.Name
	workers := s.catalog.Names()
	s.mu.RUnlock()

	return &StatusReport{
		Service:     name,
		StartedAt:   s.started,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Active:      stats.Active,
		Queued:      stats.Queued,
		Concurrency: stats.Concurrency,
		Destroyed:   stats.Destroyed,
		Workers:     workers,
		Subscribers: s.hub.Subscribers(),
		History:     counts,
	}, nil
}

// Reload swaps in the workers of cfg. Running attempts keep their processes;
// queued and later submissions use the new definitions. Supervisor policy
// changes need a restart.
func (s *Service) Reload(cfg *config.Config) {
	catalog := cfg.Catalog()

	s.mu.Lock()
	s.cfg = cfg
	s.catalog = catalog
	custom := s.custom
	s.mu.Unlock()

	if !custom {
		s.sup.ReplaceFactory(procworker.NewFactory(catalog, s.logger))
	}
	s.logger.Info("workers reloaded", "workers", len(catalog))
}

func (s *Service) Events() *events.Hub {
	return s.hub
}

func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Close cancels all outstanding work, prunes history past retention and
// releases resources. Only the first call does anything.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		stats := s.sup.Stats()
		if s.sup.Destroy() {
			s.hub.Publish(events.SupervisorDestroyed, map[string]any{
				"cancelled_active": stats.Active,
				"cancelled_queued": stats.Queued,
			})
		}
		// Cancellation callbacks write history; let them finish first.
		s.sup.Settle()

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		s.prune(ctx)

		s.hub.Close()
		err = s.closeDB()
		s.logger.Info("service closed")
	})
	return err
}

func (s *Service) prune(ctx context.Context) {
	s.mu.RLock()
	retention := s.cfg.History.Retention
	s.mu.RUnlock()
	if retention <= 0 {
		return
	}
	n, err := s.store.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Warn("prune history", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned history", "removed", n, "retention", retention)
	}
}

func (s *Service) closeDB() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
