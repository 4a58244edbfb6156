package history

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
	StatusDropped   Status = "dropped"
)

// Terminal reports whether no further transitions are recorded for s.
func (s Status) Terminal() bool {
	switch s {
	case StatusQueued, StatusRunning:
		return false
	default:
		return true
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed,
		StatusTimedOut, StatusCancelled, StatusDropped:
		return true
	}
	return false
}

type Submission struct {
	ID          string          `json:"id"`
	Worker      string          `json:"worker"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	Input       json.RawMessage `json:"input,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Worker string
	Status Status
	Limit  int
}

var ErrNotFound = errors.New("submission not found")
