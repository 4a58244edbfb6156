package service

import (
	"context"

	"github.com/mattjoyce/overseer/internal/events"
	"github.com/mattjoyce/overseer/internal/procworker"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

// Service satisfies supervisor.Observer: every notification becomes an event
// on the hub, and the ones that change a submission's state are written to
// history.
var _ supervisor.Observer = (*Service)(nil)

func specOf(spec any) procworker.Spec {
	switch v := spec.(type) {
	case procworker.Spec:
		return v
	case *procworker.Spec:
		if v != nil {
			return *v
		}
	}
	return procworker.Spec{}
}

func (s *Service) SubmissionQueued(spec any, depth int) {
	sp := specOf(spec)
	s.hub.Publish(events.SubmissionQueued, map[string]any{
		"submission_id": sp.SubmissionID,
		"worker":        sp.Worker,
		"depth":         depth,
	})
}

func (s *Service) SubmissionDropped(spec any, err error) {
	sp := specOf(spec)
	logger := s.logger.With("submission_id", sp.SubmissionID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if sp.SubmissionID != "" {
		if serr := s.store.MarkDropped(ctx, sp.SubmissionID, err.Error()); serr != nil {
			logger.Warn("record drop", "error", serr)
		}
	}

	s.hub.Publish(events.SubmissionDropped, map[string]any{
		"submission_id": sp.SubmissionID,
		"worker":        sp.Worker,
		"error":         err.Error(),
	})
	s.wake(sp.SubmissionID, runResult{err: &DroppedError{Cause: err}})
}

func (s *Service) AttemptStarted(a supervisor.AttemptInfo) {
	sp := specOf(a.Spec)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if sp.SubmissionID != "" {
		if err := s.store.MarkAttempt(ctx, sp.SubmissionID, a.Number); err != nil {
			s.logger.Warn("record attempt", "submission_id", sp.SubmissionID, "error", err)
		}
	}

	s.hub.Publish(events.AttemptStarted, map[string]any{
		"submission_id":     sp.SubmissionID,
		"worker":            sp.Worker,
		"attempt_id":        a.ID,
		"attempt":           a.Number,
		"retries_remaining": a.RetriesRemaining,
		"timeout_ms":        a.Timeout.Milliseconds(),
	})
}

func (s *Service) AttemptRetried(prev, next supervisor.AttemptInfo, cause error) {
	sp := specOf(next.Spec)
	s.hub.Publish(events.AttemptRetried, map[string]any{
		"submission_id":     sp.SubmissionID,
		"worker":            sp.Worker,
		"previous_id":       prev.ID,
		"attempt_id":        next.ID,
		"attempt":           next.Number,
		"retries_remaining": next.RetriesRemaining,
		"error":             cause.Error(),
	})
}

// AttemptFinished needs no bookkeeping here; the completion callback records
// the result, including for submissions cancelled while queued.
func (s *Service) AttemptFinished(supervisor.AttemptInfo, error) {}
