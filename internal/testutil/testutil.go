// Package testutil provides shared test helpers for state databases, sync
// directories and an in-memory remote.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/laguz/internal/state"
	"github.com/starford/laguz/internal/storage"
)

// TestStateDB creates a temporary state database that is automatically cleaned up.
func TestStateDB(t *testing.T) *state.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "laguz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	db, err := state.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary sync directory. The conflict folder is
// excluded from listings the way the daemon configures it.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFS(dir, storage.WithExclude("_conflicts"))
	if err != nil {
		t.Fatal(err)
	}
	return dir, fs
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
