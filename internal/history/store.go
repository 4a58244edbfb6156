// Package history records submissions and their outcomes in SQLite so they
// can be inspected after the supervisor has forgotten them.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const submissionColumns = `id, worker, status, attempts, input, messages, last_error, created_at, started_at, completed_at`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a queued submission.
func (s *Store) Create(ctx context.Context, id, worker string, input json.RawMessage) (*Submission, error) {
	if id == "" {
		return nil, fmt.Errorf("submission id is empty")
	}
	if worker == "" {
		return nil, fmt.Errorf("worker is empty")
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, fmt.Errorf("input is not valid JSON")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions(id, worker, status, attempts, input, created_at)
VALUES(?, ?, ?, 0, ?, ?);
`, id, worker, StatusQueued, nullableJSON(input), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}

	return &Submission{
		ID:        id,
		Worker:    worker,
		Status:    StatusQueued,
		Input:     input,
		CreatedAt: now,
	}, nil
}

// MarkAttempt records that attempt number of a submission has started. The
// attempt count never goes backwards and started_at keeps the first attempt's
// time. Terminal submissions are left alone.
func (s *Store) MarkAttempt(ctx context.Context, id string, number int) error {
	_, err := s.transition(ctx, id, `
UPDATE submissions
SET status = ?, attempts = MAX(attempts, ?), started_at = COALESCE(started_at, ?)
WHERE id = ? AND status IN (?, ?);
`, StatusRunning, number, formatTime(time.Now().UTC()), id, StatusQueued, StatusRunning)
	return err
}

// MarkDropped records that no worker could be created for the submission.
func (s *Store) MarkDropped(ctx context.Context, id, reason string) error {
	_, err := s.transition(ctx, id, `
UPDATE submissions
SET status = ?, last_error = ?, completed_at = ?
WHERE id = ? AND status IN (?, ?);
`, StatusDropped, reason, formatTime(time.Now().UTC()), id, StatusQueued, StatusRunning)
	return err
}

// Complete records the terminal result of a submission. It reports false
// when the submission was already terminal.
func (s *Store) Complete(ctx context.Context, id string, status Status, messages json.RawMessage, lastError *string) (bool, error) {
	if !status.Terminal() || !status.Valid() {
		return false, fmt.Errorf("invalid terminal status: %q", status)
	}
	return s.transition(ctx, id, `
UPDATE submissions
SET status = ?, messages = ?, last_error = ?, completed_at = ?
WHERE id = ? AND status IN (?, ?);
`, status, nullableJSON(messages), lastError, formatTime(time.Now().UTC()), id, StatusQueued, StatusRunning)
}

// transition runs a status-guarded update. A guard miss on an existing row is
// not an error; a missing row is ErrNotFound.
func (s *Store) transition(ctx context.Context, id, query string, args ...any) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("submission id is empty")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM submissions WHERE id = ?;`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lookup submission: %w", err)
	}
	return false, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?;`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// List returns submissions newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Submission, error) {
	var (
		where []string
		args  []any
	)
	if f.Worker != "" {
		where = append(where, "worker = ?")
		args = append(args, f.Worker)
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, fmt.Errorf("unknown status: %q", f.Status)
		}
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]*Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return out, nil
}

// Counts returns the number of submissions per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count submissions: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// Prune deletes terminal submissions completed before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM submissions
WHERE completed_at IS NOT NULL AND completed_at < ? AND status NOT IN (?, ?);
`, formatTime(cutoff.UTC()), StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune submissions: %w", err)
	}
	return res.RowsAffected()
}

// RecoverInterrupted marks submissions left queued or running by a previous
// process as cancelled.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE submissions
SET status = ?, last_error = ?, completed_at = ?
WHERE status IN (?, ?);
`, StatusCancelled, "interrupted by restart", formatTime(time.Now().UTC()), StatusQueued, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover interrupted submissions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var (
		sub          Submission
		statusS      string
		input        sql.NullString
		messages     sql.NullString
		lastError    sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
	)
	if err := row.Scan(
		&sub.ID, &sub.Worker, &statusS, &sub.Attempts, &input, &messages, &lastError,
		&createdAtS, &startedAtS, &completedAtS,
	); err != nil {
		return nil, err
	}

	sub.Status = Status(statusS)
	if input.Valid {
		sub.Input = json.RawMessage(input.String)
	}
	if messages.Valid {
		sub.Messages = json.RawMessage(messages.String)
	}
	if lastError.Valid {
		sub.LastError = &lastError.String
	}
	if t, err := parseTime(createdAtS); err == nil {
		sub.CreatedAt = t
	}
	if startedAtS.Valid {
		if t, err := parseTime(startedAtS.String); err == nil {
			sub.StartedAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := parseTime(completedAtS.String); err == nil {
			sub.CompletedAt = &t
		}
	}
	return &sub, nil
}

// Timestamps are stored with a fixed-width layout so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
