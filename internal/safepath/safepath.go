package safepath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WithinRoot resolves dir against root and returns its real path. Relative
// dirs are taken from root. The result must be an existing directory equal
// to or below root once symlinks on both sides are followed, so a job cannot
// escape its session's tree through "..", an absolute path or a link.
func WithinRoot(root, dir string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", fmt.Errorf("root directory is required")
	}
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("directory is required")
	}

	rootReal, err := realDir(root)
	if err != nil {
		return "", fmt.Errorf("root %s: %w", root, err)
	}

	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dirReal, err := realDir(dir)
	if err != nil {
		return "", fmt.Errorf("directory %s: %w", dir, err)
	}

	if !contains(rootReal, dirReal) {
		return "", fmt.Errorf("directory %s is outside %s", dir, root)
	}
	return dirReal, nil
}

func realDir(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory")
	}
	return resolved, nil
}

func contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
