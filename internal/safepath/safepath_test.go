package safepath

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval temp dir: %v", err)
	}
	return dir
}

func TestWithinRootAcceptsRootAndChildren(t *testing.T) {
	t.Parallel()
	root := realTempDir(t)
	sub := filepath.Join(root, "pkg", "api")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for _, dir := range []string{root, sub, "pkg/api", "./pkg/../pkg"} {
		got, err := WithinRoot(root, dir)
		if err != nil {
			t.Fatalf("WithinRoot(%q): %v", dir, err)
		}
		if !strings.HasPrefix(got, root) {
			t.Fatalf("WithinRoot(%q) = %q, want under %q", dir, got, root)
		}
	}
}

func TestWithinRootRejectsEscapes(t *testing.T) {
	t.Parallel()
	base := realTempDir(t)
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	for _, d := range []string{root, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	for _, dir := range []string{"..", "../outside", outside, "link", filepath.Join(root, "link")} {
		if _, err := WithinRoot(root, dir); err == nil || !strings.Contains(err.Error(), "outside") {
			t.Fatalf("WithinRoot(%q): expected outside error, got %v", dir, err)
		}
	}
}

func TestWithinRootRejectsMissingAndFiles(t *testing.T) {
	t.Parallel()
	root := realTempDir(t)
	file := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := WithinRoot(root, "missing"); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if _, err := WithinRoot(root, "notes.txt"); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Fatalf("expected not-a-directory error, got %v", err)
	}
	if _, err := WithinRoot("", root); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := WithinRoot(root, " "); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
