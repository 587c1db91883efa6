package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	EventTypeComplete = "complete"
	EventTypeError    = "error"
)

const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusSent       = "sent"
	EventStatusFailed     = "failed"
	EventStatusSkipped    = "skipped"
)

const recoveredEventError = "event dispatcher restarted while event was processing"

// JobEvent is a published job outcome waiting in (or delivered from) the
// outbox.
type JobEvent struct {
	ID        int64  `db:"id" json:"id"`
	JobID     string `db:"job_id" json:"job_id"`
	SessionID string `db:"session_id" json:"session_id"`
	PromptID  string `db:"prompt_id" json:"prompt_id"`
	EventType string `db:"event_type" json:"event_type"`
	Body      string `db:"body" json:"body"`
	Status    string `db:"status" json:"status"`
	Attempts  int    `db:"attempts" json:"attempts"`
	LastError string `db:"last_error" json:"last_error,omitempty"`
	CreatedAt string `db:"created_at" json:"created_at"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

const eventColumns = `id, job_id, session_id, prompt_id, event_type, body, status, attempts, last_error, created_at, updated_at`

func (s *Store) EnqueueEvent(ctx context.Context, ev JobEvent) (int64, error) {
	if err := validateEventType(ev.EventType); err != nil {
		return 0, err
	}
	now := s.timestamp()
	res, err := s.Writer.ExecContext(ctx, `
INSERT INTO job_events(job_id, session_id, prompt_id, event_type, body, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, 'pending', ?, ?)`,
		ev.JobID, ev.SessionID, ev.PromptID, ev.EventType, ev.Body, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s event for job %s: %w", ev.EventType, ev.JobID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s event for job %s: %w", ev.EventType, ev.JobID, err)
	}
	return id, nil
}

// ListEvents returns events oldest first. Empty status matches all; jobID
// narrows to one job.
func (s *Store) ListEvents(ctx context.Context, jobID, status string, limit int) ([]JobEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM job_events WHERE 1=1`
	var args []any
	if jobID != "" {
		q += ` AND job_id = ?`
		args = append(args, jobID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []JobEvent
	if err := s.Reader.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	return out, nil
}

// ClaimNextEvent moves the oldest deliverable event to processing. Failed
// events become deliverable again after a delay that grows with attempts.
func (s *Store) ClaimNextEvent(ctx context.Context, maxAttempts int) (JobEvent, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	q := `
UPDATE job_events
SET status = 'processing', updated_at = ?
WHERE id = (
	SELECT id
	FROM job_events
	WHERE attempts < ?
	  AND (
		status = 'pending'
		OR (
			status = 'failed'
			AND unixepoch(updated_at) <= unixepoch(?) - CASE
				WHEN attempts <= 1 THEN 5
				WHEN attempts = 2 THEN 15
				WHEN attempts = 3 THEN 60
				ELSE 300
			END
		)
	  )
	ORDER BY created_at ASC, id ASC
	LIMIT 1
)
RETURNING ` + eventColumns

	now := s.timestamp()
	var ev JobEvent
	err := s.Writer.QueryRowxContext(ctx, q, now, maxAttempts, now).StructScan(&ev)
	if errors.Is(err, sql.ErrNoRows) {
		return JobEvent{}, false, nil
	}
	if err != nil {
		return JobEvent{}, false, fmt.Errorf("claim job event: %w", err)
	}
	return ev, true, nil
}

func (s *Store) MarkEventSent(ctx context.Context, id int64) error {
	if _, err := s.Writer.ExecContext(ctx, `
UPDATE job_events SET status = 'sent', last_error = '', updated_at = ? WHERE id = ?`,
		s.timestamp(), id); err != nil {
		return fmt.Errorf("mark job event %d sent: %w", id, err)
	}
	return nil
}

func (s *Store) MarkEventFailed(ctx context.Context, id int64, lastError string) error {
	if _, err := s.Writer.ExecContext(ctx, `
UPDATE job_events
SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE id = ?`, trimEventError(lastError), s.timestamp(), id); err != nil {
		return fmt.Errorf("mark job event %d failed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkEventSkipped(ctx context.Context, id int64, reason string) error {
	if _, err := s.Writer.ExecContext(ctx, `
UPDATE job_events SET status = 'skipped', last_error = ?, updated_at = ? WHERE id = ?`,
		trimEventError(reason), s.timestamp(), id); err != nil {
		return fmt.Errorf("mark job event %d skipped: %w", id, err)
	}
	return nil
}

func (s *Store) RecoverProcessingEvents(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE job_events
SET status = 'failed',
    attempts = attempts + 1,
    last_error = CASE WHEN last_error = '' THEN ? ELSE last_error END,
    updated_at = ?
WHERE status = 'processing'`, recoveredEventError, s.timestamp())
	if err != nil {
		return 0, fmt.Errorf("recover processing job events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SkipExhaustedEvents(ctx context.Context, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	res, err := s.Writer.ExecContext(ctx, `
UPDATE job_events
SET status = 'skipped',
    last_error = CASE WHEN last_error = '' THEN 'max attempts reached' ELSE last_error END,
    updated_at = ?
WHERE status = 'failed' AND attempts >= ?`, s.timestamp(), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("skip exhausted job events: %w", err)
	}
	return res.RowsAffected()
}

// CleanupEvents deletes delivered or skipped events last touched before the
// retention window.
func (s *Store) CleanupEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.Writer.ExecContext(ctx, `
DELETE FROM job_events
WHERE status IN ('sent', 'skipped')
  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup job events: %w", err)
	}
	return res.RowsAffected()
}

func validateEventType(eventType string) error {
	switch eventType {
	case EventTypeComplete, EventTypeError:
		return nil
	default:
		return fmt.Errorf("unsupported job event type %q", eventType)
	}
}

func trimEventError(msg string) string {
	return clipMessage(msg, 512)
}
