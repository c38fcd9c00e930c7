package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/laguz/internal/convert"
	"github.com/starford/laguz/internal/local"
	"github.com/starford/laguz/internal/metrics"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/remote"
	"github.com/starford/laguz/internal/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	err    error
}

func (s *recordingSink) Submit(ev models.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) snapshot() []models.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChangeEvent(nil), s.events...)
}

type fakeLister struct {
	pages []remote.Page
	err   error
}

func (f *fakeLister) List(context.Context) ([]remote.Page, error) { return f.pages, f.err }

type fakeRecords []models.SyncRecord

func (f fakeRecords) List(state models.RecordState) ([]models.SyncRecord, error) {
	var out []models.SyncRecord
	for _, r := range f {
		if state == "" || r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testVault(t *testing.T) (*storage.FS, *local.Store, string) {
	t.Helper()
	dir := t.TempDir()
	fsys, err := storage.NewFS(dir, storage.WithExclude("_conflicts"))
	require.NoError(t, err)
	props, err := convert.NewPropertyTable("Name", convert.DefaultIDKey, convert.DefaultMappings())
	require.NoError(t, err)
	return fsys, local.New(fsys, convert.NewLocal(convert.DefaultIDKey, props), discard()), dir
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func kinds(evs []models.ChangeEvent) map[string]models.ChangeKind {
	out := make(map[string]models.ChangeKind, len(evs))
	for _, ev := range evs {
		out[ev.EntityID] = ev.Kind
	}
	return out
}

func TestArtifactEntity(t *testing.T) {
	tests := []struct {
		in     string
		id     string
		wantOK bool
	}{
		{"_conflicts/Plan.abc-123.conflict.md", "abc-123", true},
		{"_conflicts/v1.2 notes.p9.conflict.md", "p9", true},
		{"_conflicts/Plan.conflict.md", "", false},
		{"_conflicts/Plan..conflict.md", "", false},
		{"notes/Plan.md", "", false},
	}
	for _, tt := range tests {
		id, ok := ArtifactEntity(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.id, id, tt.in)
	}
}

func TestRemoteChanges(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	settled := t0.Add(time.Hour)
	recs := []models.SyncRecord{
		{EntityID: "same", RemoteID: "same", State: models.StateSynced, RemoteModifiedAt: t0, LastSyncedAt: settled},
		{EntityID: "recent", RemoteID: "recent", State: models.StateSynced, RemoteModifiedAt: t0, LastSyncedAt: t0.Add(20 * time.Second)},
		{EntityID: "checked", RemoteID: "checked", State: models.StateSynced, RemoteModifiedAt: t0, LastSyncedAt: t0.Add(20 * time.Second)},
		{EntityID: "edited", RemoteID: "edited", State: models.StateSynced, RemoteModifiedAt: t0},
		{EntityID: "gone", RemoteID: "gone", State: models.StateSynced, RemoteModifiedAt: t0},
		{EntityID: "dead", RemoteID: "dead", State: models.StateTombstoned},
		{EntityID: "back", RemoteID: "back", State: models.StateTombstoned},
		{EntityID: "retry", RemoteID: "retry", State: models.StateUnsynced, RemoteModifiedAt: t0},
		{EntityID: "local-only", State: models.StateUnsynced},
		{EntityID: "uuid-1", RemoteID: "pushed", State: models.StateSynced, RemoteModifiedAt: t0},
	}
	pages := []remote.Page{
		{ID: "same", LastEditedTime: t0},
		{ID: "recent", LastEditedTime: t0},
		{ID: "checked", LastEditedTime: t0},
		{ID: "edited", LastEditedTime: t1},
		{ID: "back", LastEditedTime: t1},
		{ID: "retry", LastEditedTime: t0},
		{ID: "fresh", LastEditedTime: t1},
		{ID: "pushed", LastEditedTime: t1},
	}

	rechecked := map[string]time.Time{"checked": t0.Add(5 * time.Minute)}
	got := RemoteChanges(pages, recs, rechecked, t1)
	assert.Equal(t, map[string]models.ChangeKind{
		"recent": models.KindModified,
		"edited": models.KindModified,
		"gone":   models.KindDeleted,
		"back":   models.KindCreated,
		"retry":  models.KindModified,
		"fresh":  models.KindCreated,
		"uuid-1": models.KindModified,
	}, kinds(got))
	for _, ev := range got {
		assert.Equal(t, models.SideRemote, ev.Side)
		assert.NotEmpty(t, ev.RemoteID)
	}
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].EntityID, got[i].EntityID)
	}
}

func TestLocalChanges(t *testing.T) {
	recs := []models.SyncRecord{
		{EntityID: "same", LocalPath: "same.md", LocalFingerprint: "f1", State: models.StateSynced},
		{EntityID: "edited", LocalPath: "edited.md", LocalFingerprint: "f1", State: models.StateSynced},
		{EntityID: "gone", LocalPath: "gone.md", LocalFingerprint: "f1", State: models.StateSynced},
		{EntityID: "broken", LocalPath: "broken.md", LocalFingerprint: "f1", State: models.StateSynced},
		{EntityID: "waiting", LocalPath: "waiting.md", LocalFingerprint: "f1", State: models.StatePendingConflict},
		{EntityID: "remote-only", RemoteID: "remote-only", State: models.StateUnsynced},
	}
	docs := []local.Doc{
		{ID: "same", Path: "same.md", Fingerprint: "f1"},
		{ID: "edited", Path: "edited.md", Fingerprint: "f2"},
		{ID: "", Path: "broken.md", Err: errors.New("bad yaml")},
		{ID: "waiting", Path: "waiting.md", Fingerprint: "f1"},
		{ID: "new", Path: "new.md", Fingerprint: "f9"},
	}

	got := LocalChanges(docs, recs, time.Now(), discard())
	assert.Equal(t, map[string]models.ChangeKind{
		"edited":  models.KindModified,
		"gone":    models.KindDeleted,
		"waiting": models.KindModified,
		"new":     models.KindCreated,
	}, kinds(got))
}

func TestPoll_FailureEmitsNothing(t *testing.T) {
	sink := &recordingSink{}
	m := metrics.New()
	recs := fakeRecords{{EntityID: "p1", RemoteID: "p1", State: models.StateSynced}}
	p := NewRemotePoller(&fakeLister{err: errors.New("503")}, recs, sink, time.Second, time.Minute, discard(), m)

	n, err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.snapshot(), "a failed listing must not look like deletions")
}

func TestPoll_EmitsChanges(t *testing.T) {
	sink := &recordingSink{}
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	recs := fakeRecords{{EntityID: "p1", RemoteID: "p1", State: models.StateSynced, RemoteModifiedAt: t0}}
	lister := &fakeLister{pages: []remote.Page{{ID: "p1", LastEditedTime: t0.Add(time.Second)}, {ID: "p2", LastEditedTime: t0}}}
	p := NewRemotePoller(lister, recs, sink, time.Second, time.Minute, discard(), nil)

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, map[string]models.ChangeKind{"p1": models.KindModified, "p2": models.KindCreated}, kinds(sink.snapshot()))
}

func TestPoll_RereadsPagesInsideSettleWindow(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	// synced in the same minute the page was last edited; a later edit in
	// that minute leaves last_edited_time unchanged
	recs := fakeRecords{{EntityID: "p1", RemoteID: "p1", State: models.StateSynced,
		RemoteModifiedAt: t0, LastSyncedAt: t0.Add(10 * time.Second), RemoteFingerprint: "before-edit"}}
	lister := &fakeLister{pages: []remote.Page{{ID: "p1", LastEditedTime: t0}}}
	sink := &recordingSink{}
	p := NewRemotePoller(lister, recs, sink, time.Second, time.Minute, discard(), nil)

	clock := t0.Add(30 * time.Second)
	p.now = func() time.Time { return clock }

	n, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock = t0.Add(3 * time.Minute)
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the previous re-read was still inside the window")

	clock = t0.Add(4 * time.Minute)
	n, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a re-read after the window settles the page")

	evs := sink.snapshot()
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, models.KindModified, ev.Kind)
		assert.Equal(t, "p1", ev.EntityID)
	}
}

func TestPoll_SinkClosed(t *testing.T) {
	sink := &recordingSink{err: errors.New("closed")}
	lister := &fakeLister{pages: []remote.Page{{ID: "p1"}}}
	p := NewRemotePoller(lister, fakeRecords{}, sink, time.Second, time.Minute, discard(), nil)

	_, err := p.Poll(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	sink := &recordingSink{}
	lister := &fakeLister{err: errors.New("down")}
	p := NewRemotePoller(lister, fakeRecords{}, sink, 10*time.Millisecond, 20*time.Millisecond, discard(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestReconcile(t *testing.T) {
	_, store, dir := testVault(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	writeFile(t, dir, "kept.md", "---\nsync_id: p-kept\n---\n\nsame\n")
	writeFile(t, dir, "offline.md", "hello\n")
	kept, err := store.ReadPath("kept.md")
	require.NoError(t, err)

	recs := fakeRecords{
		{EntityID: "p-kept", RemoteID: "p-kept", LocalPath: "kept.md", LocalFingerprint: kept.Fingerprint,
			RemoteModifiedAt: t0, LastSyncedAt: t0.Add(time.Hour), State: models.StateSynced},
		{EntityID: "p-removed", RemoteID: "p-removed", LocalPath: "removed.md", LocalFingerprint: "x",
			RemoteModifiedAt: t0, LastSyncedAt: t0.Add(time.Hour), State: models.StateSynced},
	}
	lister := &fakeLister{pages: []remote.Page{
		{ID: "p-kept", LastEditedTime: t0},
		{ID: "p-removed", LastEditedTime: t0},
		{ID: "p-new", LastEditedTime: t0},
	}}
	sink := &recordingSink{}

	n, err := Reconcile(context.Background(), lister, store, recs, sink, discard())
	require.NoError(t, err)

	evs := sink.snapshot()
	assert.Equal(t, n, len(evs))

	var sawOffline, sawRemoved, sawNew bool
	for _, ev := range evs {
		switch {
		case ev.Side == models.SideLocal && ev.Path == "offline.md":
			sawOffline = ev.Kind == models.KindCreated && ev.EntityID != ""
		case ev.EntityID == "p-removed":
			sawRemoved = ev.Side == models.SideLocal && ev.Kind == models.KindDeleted
		case ev.EntityID == "p-new":
			sawNew = ev.Side == models.SideRemote && ev.Kind == models.KindCreated
		case ev.EntityID == "p-kept":
			t.Errorf("unchanged entity produced an event: %+v", ev)
		}
	}
	assert.True(t, sawOffline, "file created while stopped")
	assert.True(t, sawRemoved, "file deleted while stopped")
	assert.True(t, sawNew, "page created while stopped")
}

func TestReconcile_RemoteDownStillComparesLocal(t *testing.T) {
	_, store, dir := testVault(t)
	writeFile(t, dir, "a.md", "a\n")
	recs := fakeRecords{{EntityID: "p1", RemoteID: "p1", State: models.StateSynced}}
	sink := &recordingSink{}

	_, err := Reconcile(context.Background(), &fakeLister{err: errors.New("down")}, store, recs, sink, discard())
	require.NoError(t, err)

	for _, ev := range sink.snapshot() {
		assert.Equal(t, models.SideLocal, ev.Side)
	}
	assert.Len(t, sink.snapshot(), 1)
}

// flakyLister fails its first n calls.
type flakyLister struct {
	mu    sync.Mutex
	n     int
	calls int
	pages []remote.Page
}

func (f *flakyLister) List(context.Context) ([]remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.n {
		return nil, errors.New("503 service unavailable")
	}
	return f.pages, nil
}

func TestRun_RecoversAfterFailedCycle(t *testing.T) {
	sink := &recordingSink{}
	lister := &flakyLister{n: 1, pages: []remote.Page{{ID: "p1", LastEditedTime: time.Now()}}}
	p := NewRemotePoller(lister, fakeRecords{}, sink, 10*time.Millisecond, 20*time.Millisecond, discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.events)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("no events after the failed cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	lister.mu.Lock()
	assert.GreaterOrEqual(t, lister.calls, 2)
	lister.mu.Unlock()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "p1", sink.events[0].EntityID)
	assert.Equal(t, models.KindCreated, sink.events[0].Kind)
}
