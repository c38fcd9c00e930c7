package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/laguz/internal/models"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func startWatcher(t *testing.T) (string, *recordingSink) {
	t.Helper()
	fsys, store, dir := testVault(t)
	if err := os.MkdirAll(filepath.Join(dir, "_conflicts"), 0o755); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	w := NewLocalWatcher(fsys, store, "_conflicts", 50*time.Millisecond, sink, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
	return dir, sink
}

func find(sink *recordingSink, match func(models.ChangeEvent) bool) (models.ChangeEvent, bool) {
	for _, ev := range sink.snapshot() {
		if match(ev) {
			return ev, true
		}
	}
	return models.ChangeEvent{}, false
}

func TestWatcher_NewFileCreated(t *testing.T) {
	dir, sink := startWatcher(t)

	if err := os.WriteFile(filepath.Join(dir, "new.md"), []byte("# New\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		ev, ok := find(sink, func(ev models.ChangeEvent) bool { return ev.Path == "new.md" })
		return ok && ev.Kind == models.KindCreated && ev.EntityID != "" && ev.Side == models.SideLocal
	}, "created event not emitted")
}

func TestWatcher_BurstCollapses(t *testing.T) {
	dir, sink := startWatcher(t)
	p := filepath.Join(dir, "burst.md")

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(p, []byte("v"+string(rune('0'+i))+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool { return ev.Path == "burst.md" })
		return ok
	}, "no event for burst")

	// The identifier stamp itself causes at most one follow-up write event.
	time.Sleep(300 * time.Millisecond)
	n := 0
	for _, ev := range sink.snapshot() {
		if ev.Path == "burst.md" && ev.Kind == models.KindCreated {
			n++
		}
	}
	if n != 1 {
		t.Errorf("created events = %d, want 1", n)
	}
}

func TestWatcher_DeleteEmitsIdentifier(t *testing.T) {
	dir, sink := startWatcher(t)
	p := filepath.Join(dir, "doomed.md")
	if err := os.WriteFile(p, []byte("---\nsync_id: d-1\n---\n\nbye\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool { return ev.EntityID == "d-1" })
		return ok
	}, "create not seen")

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool {
			return ev.EntityID == "d-1" && ev.Kind == models.KindDeleted
		})
		return ok
	}, "delete not seen")
}

func TestWatcher_RenameKeepsIdentifier(t *testing.T) {
	dir, sink := startWatcher(t)
	if err := os.WriteFile(filepath.Join(dir, "old.md"), []byte("---\nsync_id: r-1\n---\n\nx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool { return ev.Path == "old.md" })
		return ok
	}, "create not seen")

	if err := os.Rename(filepath.Join(dir, "old.md"), filepath.Join(dir, "renamed.md")); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		ev, ok := find(sink, func(ev models.ChangeEvent) bool { return ev.Path == "renamed.md" })
		return ok && ev.EntityID == "r-1"
	}, "new path not reported with the same identifier")
}

func TestWatcher_NewDirectoryScanned(t *testing.T) {
	dir, sink := startWatcher(t)
	sub := filepath.Join(dir, "projects")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "deep.md"), []byte("deep\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool { return ev.Path == "projects/deep.md" })
		return ok
	}, "file in new directory not reported")
}

func TestWatcher_ConflictArtifactEvents(t *testing.T) {
	dir, sink := startWatcher(t)
	p := filepath.Join(dir, "_conflicts", "Plan.c-7.conflict.md")
	if err := os.WriteFile(p, []byte("---\nentity_id: c-7\n---\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool {
			return ev.EntityID == "c-7" && ev.Kind == models.KindModified
		})
		return ok
	}, "artifact edit not reported")

	if err := os.Remove(p); err != nil {
		t.Fatal(err)
	}
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		_, ok := find(sink, func(ev models.ChangeEvent) bool {
			return ev.EntityID == "c-7" && ev.Kind == models.KindDeleted
		})
		return ok
	}, "artifact deletion not reported")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir, sink := startWatcher(t)
	_ = os.WriteFile(filepath.Join(dir, "image.png"), []byte{1, 2, 3}, 0o644)
	_ = os.MkdirAll(filepath.Join(dir, ".obsidian"), 0o755)
	_ = os.WriteFile(filepath.Join(dir, ".obsidian", "workspace.md"), []byte("x"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "_conflicts", "notes.md"), []byte("x"), 0o644)

	time.Sleep(400 * time.Millisecond)
	if evs := sink.snapshot(); len(evs) != 0 {
		t.Errorf("unexpected events: %+v", evs)
	}
}
