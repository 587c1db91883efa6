package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentq/internal/db"
	"agentq/internal/llm"
)

func TestEnqueuePromptUsesConfiguredAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, cfg := openCLITestStore(t)
	sessionID := createCLITestSession(t, store)

	job, err := enqueuePrompt(ctx, store, cfg, enqueueOptions{
		SessionID:    sessionID,
		PromptID:     "prompt-7",
		Prompt:       "  add a retry to the client\n",
		AllowedTools: []string{"Read", "Edit"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != db.StatusPending || job.MaxAttempts != cfg.Worker.MaxAttempts || job.PromptID != "prompt-7" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Payload.Prompt != "add a retry to the client" {
		t.Fatalf("expected trimmed prompt, got %q", job.Payload.Prompt)
	}
	if len(job.Payload.AllowedTools) != 2 {
		t.Fatalf("expected allowed tools to be stored, got %v", job.Payload.AllowedTools)
	}

	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if job.Payload.WorkingDirectory != sess.WorkingDirectory {
		t.Fatalf("expected session directory %q, got %q", sess.WorkingDirectory, job.Payload.WorkingDirectory)
	}
}

func TestEnqueuePromptExplicitAttemptsAndDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, cfg := openCLITestStore(t)
	sessionID := createCLITestSession(t, store)
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	sub := filepath.Join(sess.WorkingDirectory, "service")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want, err := filepath.EvalSymlinks(sub)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}

	job, err := enqueuePrompt(ctx, store, cfg, enqueueOptions{SessionID: sessionID, Prompt: "x", Dir: "service", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.MaxAttempts != 1 || job.Payload.WorkingDirectory != want {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.PromptID != job.ID {
		t.Fatalf("expected prompt id to default to job id, got %q", job.PromptID)
	}
}

func TestEnqueuePromptErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, cfg := openCLITestStore(t)
	sessionID := createCLITestSession(t, store)

	if _, err := enqueuePrompt(ctx, store, cfg, enqueueOptions{SessionID: sessionID, Prompt: " \n "}); err == nil {
		t.Fatalf("expected empty prompt error")
	}
	_, err := enqueuePrompt(ctx, store, cfg, enqueueOptions{SessionID: "aq-sess-missing", Prompt: "hi"})
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
	_, err = enqueuePrompt(ctx, store, cfg, enqueueOptions{SessionID: sessionID, Prompt: "hi", Dir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "outside") {
		t.Fatalf("expected directory outside the session to be rejected, got %v", err)
	}
}

func TestEnqueuePromptRejectsAllowedToolsForCodex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, cfg := openCLITestStore(t)
	cfg.Executor.Provider = "codex"
	sessionID := createCLITestSession(t, store)

	_, err := enqueuePrompt(ctx, store, cfg, enqueueOptions{SessionID: sessionID, Prompt: "hi", AllowedTools: []string{"Read"}})
	if !errors.Is(err, llm.ErrAllowedToolsUnsupported) {
		t.Fatalf("expected ErrAllowedToolsUnsupported, got %v", err)
	}
	m, err := store.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Pending != 0 {
		t.Fatalf("expected nothing queued, got %+v", m)
	}

	if _, err := enqueuePrompt(ctx, store, cfg, enqueueOptions{SessionID: sessionID, Prompt: "hi"}); err != nil {
		t.Fatalf("codex job without allow-list: %v", err)
	}
}
