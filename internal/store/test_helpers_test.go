package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/compose/internal/testutil"
)

// createTestStore creates a new store under a temp dir with a
// deterministic clock starting at 1001.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	base := []Option{WithClock(testutil.NewDeterministicClockAt(1000, 1).Next)}
	s, err := Open(path, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
