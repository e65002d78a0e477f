package store

import (
	"path/filepath"
	"testing"
)

// newTestStore opens a fresh sqlite-backed store under the test's temp
// directory, migrated and ready.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
