package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"agentq/internal/config"
	"agentq/internal/db"
)

func openCLITestStore(t *testing.T) (*db.Store, *config.Config) {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{
		DBPath:  filepath.Join(tmp, "agentq.db"),
		PIDFile: filepath.Join(tmp, "agentq.pid"),
	}
	cfg.Worker.MaxAttempts = 4
	cfg.Worker.MaxConcurrent = 2
	cfg.Executor.Provider = "claude"
	cfg.Retention.Events = 0

	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, cfg
}

func createCLITestSession(t *testing.T, store *db.Store) string {
	t.Helper()
	id, err := store.CreateSession(context.Background(), "cli", t.TempDir())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

func enqueueCLITestJob(t *testing.T, store *db.Store, sessionID, prompt string) string {
	t.Helper()
	id, err := store.EnqueueJob(context.Background(), sessionID, "", db.Payload{Prompt: prompt}, 3)
	if err != nil {
		t.Fatalf("enqueue job: %v", err)
	}
	return id
}

func completeCLITestJob(t *testing.T, store *db.Store, jobID string, c db.Completion) {
	t.Helper()
	ctx := context.Background()
	if err := store.MarkProcessing(ctx, jobID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := store.MarkCompleted(ctx, jobID, c); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
}

// writeCLITestConfig writes a config file under a temp dir and points the
// global --config flag at it for the duration of the test.
func writeCLITestConfig(t *testing.T, asJSON bool) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "agentq.toml")
	body := fmt.Sprintf(`db_path = %q
pid_file = %q
log_file = %q

[executor]
transcripts_dir = %q
`, filepath.Join(tmp, "agentq.db"), filepath.Join(tmp, "agentq.pid"),
		filepath.Join(tmp, "agentq.log"), filepath.Join(tmp, "transcripts"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	useCLIFlags(t, path, asJSON)
	return path
}

func useCLIFlags(t *testing.T, path string, asJSON bool) {
	t.Helper()
	prevCfgPath := cfgPath
	prevJSON := jsonOut
	cfgPath = path
	jsonOut = asJSON
	t.Cleanup(func() {
		cfgPath = prevCfgPath
		jsonOut = prevJSON
	})
}

func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()
	prevStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	os.Stdout = w
	runErr := fn()
	if err := w.Close(); err != nil {
		t.Fatalf("close write pipe: %v", err)
	}
	os.Stdout = prevStdout

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close read pipe: %v", err)
	}
	if runErr != nil {
		t.Fatalf("run command: %v", runErr)
	}
	return string(out)
}
