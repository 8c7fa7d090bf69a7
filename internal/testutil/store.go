package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/workd/internal/store"
)

// NewStore opens a fresh SQLite store in a test temp dir and closes it
// when the test ends.
func NewStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "workd.db"), opts...)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
