package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/overseer/internal/history"
	"github.com/mattjoyce/overseer/internal/service"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read status", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Active:        status.Active,
		Queued:        status.Queued,
		Workers:       len(status.Workers),
	}
	code := http.StatusOK
	if status.Destroyed {
		resp.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleSubmit handles POST /submissions/{worker}. With ?wait=true it blocks
// until the submission finishes or the wait times out.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	worker := chi.URLParam(r, "worker")

	var req SubmitRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if r.URL.Query().Get("wait") == "true" {
		s.runSync(w, r, worker, req.Input)
		return
	}

	sub, err := s.backend.Submit(r.Context(), worker, req.Input)
	if err != nil {
		s.writeSubmitError(w, worker, err)
		return
	}

	s.logger.Info("submission accepted via API", "submission_id", sub.ID, "worker", worker, "admitted", sub.Admitted)
	respondJSON(w, http.StatusAccepted, SubmitResponse{
		ID:       sub.ID,
		Worker:   sub.Worker,
		Admitted: sub.Admitted,
		Status:   string(sub.Status),
	})
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request, worker string, input json.RawMessage) {
	select {
	case s.syncSemaphore <- struct{}{}:
		defer func() { <-s.syncSemaphore }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent synchronous requests, please try again later or drop ?wait=true")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.MaxSyncTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.backend.Run(ctx, worker, input)
	if res == nil {
		s.writeSubmitError(w, worker, err)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		respondJSON(w, http.StatusAccepted, TimeoutResponse{
			ID:              res.ID,
			Status:          string(history.StatusRunning),
			TimeoutExceeded: true,
			Message:         "submission still running after the wait timeout",
		})
		return
	}
	if errors.Is(err, context.Canceled) {
		// Client went away.
		return
	}

	messages := res.Messages
	if messages == nil {
		messages = []any{}
	}
	resp := RunResponse{
		ID:         res.ID,
		Worker:     worker,
		Status:     supervisor.ResultOf(err),
		Messages:   messages,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if errors.Is(err, supervisor.ErrNotLaunched) {
		resp.Status = string(history.StatusDropped)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, worker string, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownWorker):
		s.writeError(w, http.StatusNotFound, "worker not found")
	case errors.Is(err, service.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.logger.Error("failed to submit", "worker", worker, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit")
	}
}

// handleListSubmissions handles GET /submissions?worker=&status=&limit=.
func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := history.ListFilter{
		Worker: q.Get("worker"),
		Status: history.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	subs, err := s.backend.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list submissions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}
	respondJSON(w, http.StatusOK, ListResponse{Submissions: subs})
}

// handleGetSubmission handles GET /submissions/{id}.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.backend.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		s.logger.Error("failed to retrieve submission", "submission_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve submission")
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read status", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(status.Service, status.Workers))
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
