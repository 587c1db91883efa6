package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateSessionStoresAbsoluteDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := openCLITestStore(t)
	dir := t.TempDir()

	sess, err := createSession(ctx, store, "api", dir)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "aq-sess-") {
		t.Fatalf("unexpected session id %q", sess.ID)
	}
	if sess.Name != "api" || sess.WorkingDirectory != dir {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.IsWorking {
		t.Fatalf("expected new session to be idle")
	}
}

func TestCreateSessionRejectsMissingOrFileDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := openCLITestStore(t)
	tmp := t.TempDir()

	if _, err := createSession(ctx, store, "", filepath.Join(tmp, "missing")); err == nil {
		t.Fatalf("expected error for missing directory")
	}

	file := filepath.Join(tmp, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := createSession(ctx, store, "", file)
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("expected not-a-directory error, got %v", err)
	}
}

func TestRunSessionListJSON(t *testing.T) {
	writeCLITestConfig(t, true)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id := createCLITestSession(t, store)
	store.Close()

	sessionListCmd.SetContext(context.Background())
	out := captureStdout(t, func() error {
		return runSessionList(sessionListCmd, nil)
	})
	if !strings.Contains(out, `"id": "`+id+`"`) {
		t.Fatalf("expected session %s in JSON output, got %s", id, out)
	}
}
