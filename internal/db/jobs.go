package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetention   = 30 * 24 * time.Hour

	retryBaseDelay = 2 * time.Second
	maxRetryShift  = 16
)

const jobIDPrefix = "aq-job-"

var (
	// ErrNotFound is returned when a referenced session or job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimable is returned by MarkProcessing when the job left pending
	// between ClaimNext and the transition (usually a cancellation).
	ErrNotClaimable = errors.New("job is not pending")
	// ErrNotProcessing is returned by completion/failure transitions when the
	// job is no longer processing.
	ErrNotProcessing = errors.New("job is not processing")
	ErrAmbiguousID   = errors.New("ambiguous job id")
)

// IsTerminalStatus reports whether a job status is final.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type Job struct {
	ID           string  `db:"id" json:"id"`
	SessionID    string  `db:"session_id" json:"session_id"`
	PromptID     string  `db:"prompt_id" json:"prompt_id"`
	Status       string  `db:"status" json:"status"`
	Payload      Payload `db:"payload" json:"payload"`
	Attempts     int     `db:"attempts" json:"attempts"`
	MaxAttempts  int     `db:"max_attempts" json:"max_attempts"`
	NextRetryAt  string  `db:"next_retry_at" json:"next_retry_at,omitempty"`
	Error        string  `db:"error" json:"error,omitempty"`
	Summary      string  `db:"summary" json:"summary,omitempty"`
	DurationMS   int64   `db:"duration_ms" json:"duration_ms"`
	Executor     string  `db:"executor" json:"executor,omitempty"`
	InputTokens  int     `db:"input_tokens" json:"input_tokens"`
	OutputTokens int     `db:"output_tokens" json:"output_tokens"`
	CreatedAt    string  `db:"created_at" json:"created_at"`
	UpdatedAt    string  `db:"updated_at" json:"updated_at"`
	StartedAt    string  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  string  `db:"completed_at" json:"completed_at,omitempty"`
}

const jobColumns = `id, session_id, prompt_id, status, payload, attempts, max_attempts,
       COALESCE(next_retry_at,'') AS next_retry_at, COALESCE(error,'') AS error,
       COALESCE(summary,'') AS summary, duration_ms, executor, input_tokens, output_tokens,
       created_at, updated_at,
       COALESCE(started_at,'') AS started_at, COALESCE(completed_at,'') AS completed_at`

// EnqueueJob inserts a pending job for the session. An empty working
// directory in the payload is filled from the session. maxAttempts <= 0 uses
// DefaultMaxAttempts. An empty promptID defaults to the job id.
func (s *Store) EnqueueJob(ctx context.Context, sessionID, promptID string, payload Payload, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	id := newJobID()
	if promptID == "" {
		promptID = id
	}

	tx, err := s.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var workDir string
	err = tx.GetContext(ctx, &workDir, `SELECT working_directory FROM sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if payload.WorkingDirectory == "" {
		payload.WorkingDirectory = workDir
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}

	now := s.timestamp()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs(id, session_id, prompt_id, status, payload, attempts, max_attempts, created_at, updated_at)
VALUES(?, ?, ?, 'pending', ?, 0, ?, ?, ?)`,
		id, sessionID, promptID, payload, maxAttempts, now, now); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext returns the oldest pending job that is eligible to run now, or
// nil if there is none. It does not change the job; MarkProcessing does.
// Callers must not poll concurrently.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	q := `SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'pending'
  AND attempts < max_attempts
  AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY created_at ASC, rowid ASC
LIMIT 1`
	var j Job
	err := s.Reader.GetContext(ctx, &j, q, s.timestamp())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &j, nil
}

// MarkProcessing moves a pending job to processing, bumps its attempt
// counter and marks its session as working, all in one transaction.
func (s *Store) MarkProcessing(ctx context.Context, jobID string) error {
	tx, err := s.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark processing %s: %w", jobID, err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	var sessionID string
	err = tx.QueryRowxContext(ctx, `
UPDATE jobs
SET status = 'processing', attempts = attempts + 1, started_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending' AND attempts < max_attempts
RETURNING session_id`, now, now, jobID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobStateError(ctx, tx, jobID, ErrNotClaimable)
	}
	if err != nil {
		return fmt.Errorf("mark job %s processing: %w", jobID, err)
	}
	if err := markSessionWorkingTx(ctx, tx, sessionID, jobID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark processing %s: %w", jobID, err)
	}
	return nil
}

// Completion carries the executor result recorded with a completed job.
type Completion struct {
	Summary      string
	DurationMS   int64
	Executor     string
	InputTokens  int
	OutputTokens int
}

// MarkCompleted finalizes a processing job and idles its session.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, c Completion) error {
	tx, err := s.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark completed %s: %w", jobID, err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	var sessionID string
	err = tx.QueryRowxContext(ctx, `
UPDATE jobs
SET status = 'completed', summary = ?, duration_ms = ?, executor = ?, input_tokens = ?, output_tokens = ?,
    completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing'
RETURNING session_id`, c.Summary, c.DurationMS, c.Executor, c.InputTokens, c.OutputTokens, now, now, jobID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return jobStateError(ctx, tx, jobID, ErrNotProcessing)
	}
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", jobID, err)
	}
	if err := markSessionIdleTx(ctx, tx, sessionID, jobID, StatusCompleted, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark completed %s: %w", jobID, err)
	}
	return nil
}

// FailResult describes what MarkFailed or ReleaseJob did with a job.
type FailResult struct {
	Status      string // StatusPending when requeued, StatusFailed when terminal.
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
}

// Terminal reports whether the job will not run again.
func (r FailResult) Terminal() bool { return r.Status == StatusFailed }

// RetryDelay is the backoff applied after the given number of attempts:
// 2^attempts * 2s.
func RetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxRetryShift {
		attempts = maxRetryShift
	}
	return retryBaseDelay * time.Duration(1<<attempts)
}

// MarkFailed records a failed execution. While attempts remain the job goes
// back to pending with an exponential next_retry_at; otherwise it becomes
// failed. The session is idled either way.
func (s *Store) MarkFailed(ctx context.Context, jobID, errMsg string) (FailResult, error) {
	return s.requeueOrFail(ctx, jobID, errMsg, true)
}

// ReleaseJob returns a processing job to pending without backoff. The
// attempt it consumed still counts; a job with no attempts left fails.
func (s *Store) ReleaseJob(ctx context.Context, jobID, reason string) (FailResult, error) {
	return s.requeueOrFail(ctx, jobID, reason, false)
}

func (s *Store) requeueOrFail(ctx context.Context, jobID, errMsg string, backoff bool) (FailResult, error) {
	tx, err := s.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return FailResult{}, fmt.Errorf("begin fail %s: %w", jobID, err)
	}
	defer tx.Rollback()

	var row struct {
		SessionID   string `db:"session_id"`
		Status      string `db:"status"`
		Attempts    int    `db:"attempts"`
		MaxAttempts int    `db:"max_attempts"`
	}
	err = tx.GetContext(ctx, &row, `SELECT session_id, status, attempts, max_attempts FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return FailResult{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return FailResult{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if row.Status != StatusProcessing {
		return FailResult{}, fmt.Errorf("job %s is %s: %w", jobID, row.Status, ErrNotProcessing)
	}

	now := s.now()
	stamp := formatTime(now)
	res := FailResult{Attempts: row.Attempts, MaxAttempts: row.MaxAttempts}
	errMsg = trimError(errMsg)

	if row.Attempts < row.MaxAttempts {
		res.Status = StatusPending
		var next any
		if backoff {
			res.NextRetryAt = now.Add(RetryDelay(row.Attempts))
			next = formatTime(res.NextRetryAt)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = 'pending', error = ?, next_retry_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing'`, errMsg, next, stamp, jobID)
	} else {
		res.Status = StatusFailed
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'processing'`, errMsg, stamp, stamp, jobID)
	}
	if err != nil {
		return FailResult{}, fmt.Errorf("mark job %s %s: %w", jobID, res.Status, err)
	}
	if err := markSessionIdleTx(ctx, tx, row.SessionID, jobID, res.Status, stamp); err != nil {
		return FailResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return FailResult{}, fmt.Errorf("commit fail %s: %w", jobID, err)
	}
	return res, nil
}

// CancelledJob identifies a job moved to cancelled by CancelForSession.
type CancelledJob struct {
	ID       string `db:"id" json:"id"`
	PromptID string `db:"prompt_id" json:"prompt_id"`
}

// CancelForSession cancels every pending or processing job of the session
// and idles the session. It returns the affected jobs so the caller can
// publish one completion per job. Cancelling a session with no active jobs
// is a no-op.
func (s *Store) CancelForSession(ctx context.Context, sessionID string) ([]CancelledJob, error) {
	tx, err := s.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cancel session %s: %w", sessionID, err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, sessionID); err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	now := s.timestamp()
	var cancelled []CancelledJob
	if err := tx.SelectContext(ctx, &cancelled, `
UPDATE jobs
SET status = 'cancelled', completed_at = ?, updated_at = ?
WHERE session_id = ? AND status IN ('pending', 'processing')
RETURNING id, prompt_id`, now, now, sessionID); err != nil {
		return nil, fmt.Errorf("cancel jobs for session %s: %w", sessionID, err)
	}
	if len(cancelled) == 0 {
		return nil, nil
	}
	if err := markSessionIdleTx(ctx, tx, sessionID, "", StatusCancelled, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cancel session %s: %w", sessionID, err)
	}
	return cancelled, nil
}

// HasActiveJob reports whether the session has a pending or processing job.
func (s *Store) HasActiveJob(ctx context.Context, sessionID string) (bool, error) {
	var active bool
	err := s.Reader.GetContext(ctx, &active,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE session_id = ? AND status IN ('pending', 'processing'))`, sessionID)
	if err != nil {
		return false, fmt.Errorf("check active job for session %s: %w", sessionID, err)
	}
	return active, nil
}

func (s *Store) JobStatus(ctx context.Context, jobID string) (string, error) {
	var status string
	err := s.Reader.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load job %s status: %w", jobID, err)
	}
	return status, nil
}

// Metrics counts jobs by status.
type Metrics struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func (s *Store) Metrics(ctx context.Context) (Metrics, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := s.Reader.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return Metrics{}, fmt.Errorf("job metrics: %w", err)
	}
	var m Metrics
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			m.Pending = r.Count
		case StatusProcessing:
			m.Processing = r.Count
		case StatusCompleted:
			m.Completed = r.Count
		case StatusFailed:
			m.Failed = r.Count
		case StatusCancelled:
			m.Cancelled = r.Count
		}
	}
	return m, nil
}

// Usage sums the token counts recorded by completed jobs of one executor.
type Usage struct {
	Executor     string `db:"executor" json:"executor"`
	Jobs         int    `db:"jobs" json:"jobs"`
	InputTokens  int    `db:"input_tokens" json:"input_tokens"`
	OutputTokens int    `db:"output_tokens" json:"output_tokens"`
}

func (s *Store) UsageByExecutor(ctx context.Context) ([]Usage, error) {
	var out []Usage
	if err := s.Reader.SelectContext(ctx, &out, `
SELECT executor, COUNT(*) AS jobs,
       COALESCE(SUM(input_tokens), 0) AS input_tokens,
       COALESCE(SUM(output_tokens), 0) AS output_tokens
FROM jobs
WHERE status = 'completed' AND executor != ''
GROUP BY executor
ORDER BY executor`); err != nil {
		return nil, fmt.Errorf("usage by executor: %w", err)
	}
	return out, nil
}

// Cleanup deletes completed and failed jobs that finished before the
// retention window.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(s.now().Add(-retention))
	res, err := s.Writer.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed')
  AND completed_at IS NOT NULL
  AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}

// RecoverOrphanedJobs resets jobs left processing by a previous process.
// Jobs with attempts left go back to pending immediately; exhausted jobs
// fail. Sessions still flagged as working without a processing job are
// idled. Only safe while no worker is running against the store.
func (s *Store) RecoverOrphanedJobs(ctx context.Context) (int64, error) {
	tx, err := s.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover jobs: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	var recovered []struct {
		ID        string `db:"id"`
		SessionID string `db:"session_id"`
		Status    string `db:"status"`
	}
	if err := tx.SelectContext(ctx, &recovered, `
UPDATE jobs
SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
    completed_at = CASE WHEN attempts < max_attempts THEN completed_at ELSE ? END,
    next_retry_at = NULL,
    error = ?,
    updated_at = ?
WHERE status = 'processing'
RETURNING id, session_id, status`, now, recoveredJobError, now); err != nil {
		return 0, fmt.Errorf("recover processing jobs: %w", err)
	}
	for _, r := range recovered {
		if err := markSessionIdleTx(ctx, tx, r.SessionID, r.ID, r.Status, now); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET is_working = 0, current_job_id = NULL, updated_at = ?
WHERE is_working = 1
  AND NOT EXISTS (
    SELECT 1 FROM jobs j WHERE j.id = sessions.current_job_id AND j.status = 'processing'
  )`, now); err != nil {
		return 0, fmt.Errorf("reconcile working sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover jobs: %w", err)
	}
	return int64(len(recovered)), nil
}

const recoveredJobError = "worker restarted while job was processing"

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	var j Job
	err := s.Reader.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j, nil
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	SessionID string
	Status    string
	Limit     int
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.Status != "" && f.Status != "all" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var out []Job
	if err := s.Reader.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ResolveJobID resolves a full id, a short hex prefix (1f3a) or a prefixed
// short form (aq-job-1f3a) to a single job id.
func (s *Store) ResolveJobID(ctx context.Context, prefix string) (string, error) {
	var id string
	err := s.Reader.GetContext(ctx, &id, `SELECT id FROM jobs WHERE id = ?`, prefix)
	if err == nil {
		return id, nil
	}

	like := prefix + "%"
	if !strings.HasPrefix(prefix, jobIDPrefix) {
		like = jobIDPrefix + prefix + "%"
	}
	var matches []string
	if err := s.Reader.SelectContext(ctx, &matches,
		`SELECT id FROM jobs WHERE id LIKE ? ORDER BY created_at DESC LIMIT 2`, like); err != nil {
		return "", fmt.Errorf("resolve job id %q: %w", prefix, err)
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matching %q: %w", prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("prefix %q matches %s and others: %w", prefix, matches[0], ErrAmbiguousID)
	}
}

// ShortID returns the first 8 hex chars of a job id.
func ShortID(id string) string {
	id = strings.TrimPrefix(id, jobIDPrefix)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func jobStateError(ctx context.Context, q sqlx.QueryerContext, jobID string, sentinel error) error {
	var status string
	err := sqlx.GetContext(ctx, q, &status, `SELECT status FROM jobs WHERE id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load job %s status: %w", jobID, err)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, sentinel)
}

const maxJobErrorBytes = 2048

func trimError(msg string) string {
	return clipMessage(msg, maxJobErrorBytes)
}

// clipMessage trims msg to at most limit bytes without splitting a UTF-8
// sequence. Blank messages become "unknown error".
func clipMessage(msg string, limit int) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if len(msg) <= limit {
		return msg
	}
	n := limit
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

func newJobID() string {
	return jobIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
