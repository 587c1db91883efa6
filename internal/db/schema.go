package db

import (
	"fmt"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER NOT NULL,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL DEFAULT '',
    working_directory TEXT NOT NULL,
    is_working        INTEGER NOT NULL DEFAULT 0 CHECK(is_working IN (0,1)),
    current_job_id    TEXT,
    last_job_status   TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    prompt_id     TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending','processing','completed','failed','cancelled')),
    payload       TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    max_attempts  INTEGER NOT NULL DEFAULT 3 CHECK(max_attempts > 0),
    next_retry_at TEXT,
    error         TEXT,
    summary       TEXT,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    executor      TEXT NOT NULL DEFAULT '',
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    started_at    TEXT,
    completed_at  TEXT,
    CHECK(attempts <= max_attempts)
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, next_retry_at, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_session_status ON jobs(session_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(status, completed_at);

CREATE TABLE IF NOT EXISTS job_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    session_id TEXT NOT NULL,
    prompt_id  TEXT NOT NULL,
    event_type TEXT NOT NULL CHECK(event_type IN ('complete','error')),
    body       TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','processing','sent','failed','skipped')),
    attempts   INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_events_status_created ON job_events(status, created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id);
`

func (s *Store) createSchema() error {
	if _, err := s.Writer.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var count int
	if err := s.Writer.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.Writer.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	return nil
}
