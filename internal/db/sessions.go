package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const sessionIDPrefix = "aq-sess-"

// Session is a conversation context that owns jobs. IsWorking,
// CurrentJobID and LastJobStatus are a projection of its most recently
// dispatched job and are only written alongside a job transition.
type Session struct {
	ID               string `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	WorkingDirectory string `db:"working_directory" json:"working_directory"`
	IsWorking        bool   `db:"is_working" json:"is_working"`
	CurrentJobID     string `db:"current_job_id" json:"current_job_id,omitempty"`
	LastJobStatus    string `db:"last_job_status" json:"last_job_status,omitempty"`
	CreatedAt        string `db:"created_at" json:"created_at"`
	UpdatedAt        string `db:"updated_at" json:"updated_at"`
}

const sessionColumns = `id, name, working_directory, is_working,
       COALESCE(current_job_id,'') AS current_job_id, last_job_status, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, name, workingDir string) (string, error) {
	workingDir = strings.TrimSpace(workingDir)
	if workingDir == "" {
		return "", fmt.Errorf("create session: working directory is required")
	}
	id := sessionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := s.timestamp()
	if _, err := s.Writer.ExecContext(ctx, `
INSERT INTO sessions(id, name, working_directory, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)`, id, strings.TrimSpace(name), workingDir, now, now); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.Reader.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := s.Reader.SelectContext(ctx, &out,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, rowid DESC`); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func markSessionWorkingTx(ctx context.Context, tx *sqlx.Tx, sessionID, jobID, now string) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET is_working = 1, current_job_id = ?, last_job_status = 'processing', updated_at = ?
WHERE id = ?`, jobID, now, sessionID); err != nil {
		return fmt.Errorf("mark session %s working: %w", sessionID, err)
	}
	return nil
}

// markSessionIdleTx clears the working state and records label. With a
// non-empty jobID the session is only touched if that job is its current one
// (or it has none), so a stale transition cannot idle a session that moved on.
func markSessionIdleTx(ctx context.Context, tx *sqlx.Tx, sessionID, jobID, label, now string) error {
	q := `
UPDATE sessions
SET is_working = 0, current_job_id = NULL, last_job_status = ?, updated_at = ?
WHERE id = ?`
	args := []any{label, now, sessionID}
	if jobID != "" {
		q += ` AND (current_job_id = ? OR current_job_id IS NULL)`
		args = append(args, jobID)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mark session %s idle: %w", sessionID, err)
	}
	return nil
}
