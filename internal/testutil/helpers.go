// Package testutil provides small test fixtures shared across the
// replication engine's packages: a scratch directory for bundle/store
// files, and an assertion that a path was cleaned up.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempBundlePath returns a temporary directory and a bundle file path
// inside it, suitable for Generate/Open round-trip tests. The directory
// is cleaned up automatically when the test completes.
func TempBundlePath(t *testing.T) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "test.bundle")
	return dir, path
}

// MustNotExist asserts that path does not exist, the way a transport's
// claimed-and-renamed-away inbox entry or the checkpoint executor's
// temp file should not.
func MustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to not exist", path)
	}
}
