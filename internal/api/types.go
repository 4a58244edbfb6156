package api

import (
	"encoding/json"

	"github.com/mattjoyce/overseer/internal/history"
)

// SubmitRequest is the optional JSON body for POST /submissions/{worker}.
type SubmitRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}

// SubmitResponse is returned when a submission is accepted.
type SubmitResponse struct {
	ID       string `json:"id"`
	Worker   string `json:"worker"`
	Admitted bool   `json:"admitted"`
	Status   string `json:"status"`
}

// RunResponse is returned by POST /submissions/{worker}?wait=true once the
// submission finishes.
type RunResponse struct {
	ID         string `json:"id"`
	Worker     string `json:"worker"`
	Status     string `json:"status"`
	Messages   []any  `json:"messages"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// TimeoutResponse is returned when a waited submission outlives the wait.
type TimeoutResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TimeoutExceeded bool   `json:"timeout_exceeded"`
	Message         string `json:"message"`
}

// ListResponse is returned by GET /submissions.
type ListResponse struct {
	Submissions []*history.Submission `json:"submissions"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	Workers       int    `json:"workers"`
}
