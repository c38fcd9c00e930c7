package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/remote"
	"github.com/starford/laguz/internal/resolver"
	"github.com/starford/laguz/internal/testutil"
)

func (h *harness) buildWith(api remote.API, shutdown time.Duration) *Orchestrator {
	cfg := Config{Policy: resolver.PolicyLatest, Workers: 4, ShutdownTimeout: shutdown, ConflictDir: "_conflicts"}
	return New(cfg, api, h.store, h.db, h.rconv, testutil.Logger())
}

// truncatingRemote fails its first content replacement after the old
// blocks are gone and before the new ones arrive.
type truncatingRemote struct {
	*testutil.Remote
	failed atomic.Bool
}

func (r *truncatingRemote) ReplaceChildren(ctx context.Context, id string, blocks []remote.Block) error {
	if r.failed.CompareAndSwap(false, true) {
		_ = r.Remote.ReplaceChildren(ctx, id, nil)
		return &apperr.TransientError{Op: "replace_children", Err: errors.New("connection reset")}
	}
	return r.Remote.ReplaceChildren(ctx, id, blocks)
}

func TestInterruptedPushIsResumed(t *testing.T) {
	h := newHarness(t, resolver.PolicyLatest)
	h.synced()
	h.editLocal("Plan.md", "hello", "my important local edit")
	orch := h.buildWith(&truncatingRemote{Remote: h.remote}, time.Second)
	ctx := context.Background()

	_, err := orch.handle(ctx, localEvent("p1", models.KindModified))
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.NotEmpty(t, h.record("p1").PushFingerprint)

	// The poller sees the half-written page as a remote edit.
	out, err := orch.handle(ctx, remoteEvent("p1", models.KindModified))
	require.NoError(t, err)
	assert.Equal(t, models.ActionPushed, out.Action)

	assert.Equal(t, "my important local edit", h.remoteBody("p1"))
	assert.Contains(t, h.readLocal("Plan.md"), "my important local edit")
	rec := h.record("p1")
	assert.Equal(t, models.StateSynced, rec.State)
	assert.Empty(t, rec.PushFingerprint)
}

// heldRemote stops inside Create after the page exists, until released.
type heldRemote struct {
	*testutil.Remote
	created chan string
	release chan struct{}
}

func (r *heldRemote) Create(ctx context.Context, props map[string]remote.PropertyValue, blocks []remote.Block) (remote.Page, error) {
	page, err := r.Remote.Create(ctx, props, blocks)
	if err == nil {
		r.created <- page.ID
		<-r.release
	}
	return page, err
}

func TestPolledPageWaitsForRunningCreate(t *testing.T) {
	h := newHarness(t, resolver.PolicyLatest)
	h.writeLocal("Ideas.md", "some ideas\n")
	docs, err := h.store.Scan()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	id := docs[0].ID

	held := &heldRemote{Remote: h.remote, created: make(chan string, 1), release: make(chan struct{})}
	orch := h.buildWith(held, time.Second)
	ctx := context.Background()

	pushed := make(chan error, 1)
	go func() {
		_, err := orch.handle(ctx, localEvent(id, models.KindCreated))
		pushed <- err
	}()
	pageID := <-held.created

	polled := make(chan error, 1)
	go func() { polled <- orch.process(ctx, remoteEvent(pageID, models.KindCreated)) }()
	select {
	case <-polled:
		close(held.release)
		t.Fatal("remote event handled while the create was still running")
	case <-time.After(100 * time.Millisecond):
	}
	close(held.release)
	require.NoError(t, <-pushed)
	require.NoError(t, <-polled)

	docs, err = h.store.Scan()
	require.NoError(t, err)
	assert.Len(t, docs, 1, "no second local file")
	_, err = h.db.Get(pageID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, pageID, h.record(id).RemoteID)

	orch.mu.Lock()
	queued := orch.queues[id]
	orch.mu.Unlock()
	require.Len(t, queued, 1, "event routed to the owning entity")
	assert.Equal(t, pageID, queued[0].RemoteID)
}

// lostCreate creates the page but reports a failure, like a timeout after
// the request reached the server.
type lostCreate struct {
	*testutil.Remote
}

func (r lostCreate) Create(ctx context.Context, props map[string]remote.PropertyValue, blocks []remote.Block) (remote.Page, error) {
	if _, err := r.Remote.Create(ctx, props, blocks); err != nil {
		return remote.Page{}, err
	}
	return remote.Page{}, &apperr.TransientError{Op: "create", Err: context.DeadlineExceeded}
}

func TestInterruptedCreateIsAdopted(t *testing.T) {
	h := newHarness(t, resolver.PolicyLatest)
	h.writeLocal("Ideas.md", "some ideas\n")
	docs, err := h.store.Scan()
	require.NoError(t, err)
	id := docs[0].ID
	ctx := context.Background()

	_, err = h.buildWith(lostCreate{Remote: h.remote}, time.Second).handle(ctx, localEvent(id, models.KindCreated))
	require.Error(t, err)
	rec := h.record(id)
	assert.Empty(t, rec.RemoteID)
	assert.NotEmpty(t, rec.PushFingerprint)

	require.NoError(t, h.orch.process(ctx, remoteEvent("page-1", models.KindCreated)))
	assert.Equal(t, "page-1", h.record(id).RemoteID)
	_, err = h.db.Get("page-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	out := h.handle(models.ChangeEvent{EntityID: id, Side: models.SideRemote, Kind: models.KindCreated, RemoteID: "page-1"})
	assert.Equal(t, models.ActionPushed, out.Action)
	assert.Equal(t, models.StateSynced, h.record(id).State)
	pages, err := h.remote.List(ctx)
	require.NoError(t, err)
	assert.Len(t, pages, 1)
	docs, err = h.store.Scan()
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

// blockingRemote never answers a read until the caller gives up.
type blockingRemote struct {
	*testutil.Remote
	entered chan struct{}
}

func (r *blockingRemote) Get(ctx context.Context, id string) (remote.Document, error) {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return remote.Document{}, ctx.Err()
}

func TestShutdownTimeoutCancelsInFlightApply(t *testing.T) {
	h := newHarness(t, resolver.PolicyLatest)
	h.synced()
	before := h.record("p1")
	h.editLocal("Plan.md", "hello", "edited during shutdown")

	blocking := &blockingRemote{Remote: h.remote, entered: make(chan struct{}, 1)}
	orch := h.buildWith(blocking, 50*time.Millisecond)
	require.NoError(t, orch.Submit(localEvent("p1", models.KindModified)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("apply never started")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not honour the shutdown timeout")
	}

	after := h.record("p1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.LocalFingerprint, after.LocalFingerprint)
	assert.Equal(t, before.RemoteFingerprint, after.RemoteFingerprint)
	assert.Empty(t, after.PushFingerprint)
	assert.Equal(t, "hello", h.remoteBody("p1"))
}
