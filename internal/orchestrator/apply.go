package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/ir"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/remote"
)

// pull writes the remote version to the local side. The record is updated
// only after the file write succeeded.
func (o *Orchestrator) pull(rec models.SyncRecord, r *version, action string) (models.Outcome, error) {
	doc, changed, err := o.local.Write(r.entity)
	if err != nil {
		o.metrics.Apply("to_local", "error")
		return models.Outcome{}, fmt.Errorf("orchestrator: write local %s: %w", rec.EntityID, err)
	}
	o.metrics.Apply("to_local", applyResult(changed))

	rec.RemoteID = r.remoteID
	rec.RemoteFingerprint = r.fp
	rec.RemoteModifiedAt = r.modAt
	rec.LocalPath = doc.Path
	rec.LocalFingerprint = doc.Fingerprint
	rec.LocalModifiedAt = doc.ModTime
	rec.State = models.StateSynced
	rec.LastSyncedAt = o.now().UTC()
	rec.PushFingerprint = ""
	artifact := rec.ConflictPath
	rec.ClearConflict()
	if err := o.put(rec); err != nil {
		return models.Outcome{}, err
	}
	o.removeArtifact(rec.EntityID, artifact)
	if !changed && action == models.ActionPulled {
		action = models.ActionNone
	}
	return o.outcome(rec, action, models.SideLocal), nil
}

// push writes the local version to the remote side, creating the page when
// r is nil, then re-reads it so the stored fingerprint and timestamp are
// the ones the poller will see.
func (o *Orchestrator) push(ctx context.Context, rec models.SyncRecord, l *version, r *version) (models.Outcome, error) {
	props, blocks := o.rconv.FromIR(l.entity)
	action := models.ActionPushed
	var id string

	// Until the push is confirmed the remote may hold a partial write that
	// would look like a remote edit. The intent makes the next attempt resume
	// the push instead of resolving a conflict against it.
	if rec.PushFingerprint != l.fp {
		rec.PushFingerprint = l.fp
		if rec.State == "" {
			rec.State = models.StateUnsynced
		}
		if err := o.put(rec); err != nil {
			return models.Outcome{}, err
		}
	}

	if r == nil {
		if err := o.create(ctx, &rec, l, props, blocks); err != nil {
			return models.Outcome{}, err
		}
		id = rec.RemoteID
		action = models.ActionCreated
	} else {
		id = r.remoteID
		if _, err := o.remote.UpdateProperties(ctx, id, props); err != nil {
			o.metrics.Apply("to_remote", "error")
			return models.Outcome{}, fmt.Errorf("orchestrator: update remote %s: %w", rec.EntityID, err)
		}
		if ir.ContentFingerprint(r.entity.Blocks) != ir.ContentFingerprint(l.entity.Blocks) {
			if err := o.remote.ReplaceChildren(ctx, id, blocks); err != nil {
				o.metrics.Apply("to_remote", "error")
				return models.Outcome{}, fmt.Errorf("orchestrator: replace remote content %s: %w", rec.EntityID, err)
			}
		}
	}
	o.metrics.Apply("to_remote", "ok")

	after, err := o.remote.Get(ctx, id)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("orchestrator: re-read remote %s: %w", rec.EntityID, err)
	}
	e, _ := o.rconv.ToIR(after)

	rec.RemoteID = id
	rec.RemoteFingerprint = ir.Fingerprint(e)
	rec.RemoteModifiedAt = after.Page.LastEditedTime
	rec.LocalPath = l.path
	rec.LocalFingerprint = l.fp
	rec.LocalModifiedAt = l.modAt
	rec.State = models.StateSynced
	rec.LastSyncedAt = o.now().UTC()
	rec.PushFingerprint = ""
	artifact := rec.ConflictPath
	rec.ClearConflict()
	if err := o.put(rec); err != nil {
		return models.Outcome{}, err
	}
	o.removeArtifact(rec.EntityID, artifact)
	return o.outcome(rec, action, models.SideRemote), nil
}

// create makes the page and stores its id before anything else can fail,
// so a retry updates it instead of creating a second one. Remote events for
// unknown pages wait until the id is stored; see owner.
func (o *Orchestrator) create(ctx context.Context, rec *models.SyncRecord, l *version, props map[string]remote.PropertyValue, blocks []remote.Block) error {
	done := make(chan struct{})
	o.mu.Lock()
	o.creates[rec.EntityID] = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.creates, rec.EntityID)
		o.mu.Unlock()
		close(done)
	}()

	page, err := o.remote.Create(ctx, props, blocks)
	if err != nil {
		o.metrics.Apply("to_remote", "error")
		return fmt.Errorf("orchestrator: create remote %s: %w", rec.EntityID, err)
	}
	rec.RemoteID = page.ID
	rec.LocalPath = l.path
	rec.State = models.StateUnsynced
	return o.put(*rec)
}

// owner returns the entity ev belongs to. A remote event for a page no
// record knows yet may come from a create that is still running, or from
// one interrupted before the page id was stored.
func (o *Orchestrator) owner(ctx context.Context, ev models.ChangeEvent) (string, error) {
	if ev.Side != models.SideRemote || ev.RemoteID == "" {
		return ev.EntityID, nil
	}
	if _, err := o.records.Get(ev.EntityID); !errors.Is(err, apperr.ErrNotFound) {
		return ev.EntityID, err
	}
	if err := o.awaitCreates(ctx); err != nil {
		return "", err
	}
	rec, err := o.records.GetByRemoteID(ev.RemoteID)
	if err == nil {
		return rec.EntityID, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", err
	}
	return o.adopt(ctx, ev)
}

func (o *Orchestrator) awaitCreates(ctx context.Context) error {
	o.mu.Lock()
	pending := make([]chan struct{}, 0, len(o.creates))
	for _, done := range o.creates {
		pending = append(pending, done)
	}
	o.mu.Unlock()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// adopt matches an unknown page against records whose create started but
// never stored a page id. A page holding exactly the content being pushed
// is taken to be that create's result and its id is stored on the record.
func (o *Orchestrator) adopt(ctx context.Context, ev models.ChangeEvent) (string, error) {
	recs, err := o.records.List("")
	if err != nil {
		return "", fmt.Errorf("orchestrator: list records: %w", err)
	}
	var creating []models.SyncRecord
	for _, r := range recs {
		if r.RemoteID == "" && r.PushFingerprint != "" {
			creating = append(creating, r)
		}
	}
	if len(creating) == 0 {
		return ev.EntityID, nil
	}

	doc, err := o.remote.Get(ctx, ev.RemoteID)
	if errors.Is(err, apperr.ErrNotFound) {
		return ev.EntityID, nil
	}
	if err != nil {
		return "", fmt.Errorf("orchestrator: fetch remote %s: %w", ev.RemoteID, err)
	}
	e, _ := o.rconv.ToIR(doc)
	fp := ir.Fingerprint(e)
	for _, rec := range creating {
		if rec.PushFingerprint != fp {
			continue
		}
		rec.RemoteID = doc.Page.ID
		if err := o.put(rec); err != nil {
			return "", err
		}
		o.logger.Info("orchestrator: adopted page from interrupted create",
			slog.String("entity_id", rec.EntityID),
			slog.String("remote_id", doc.Page.ID))
		return rec.EntityID, nil
	}
	return ev.EntityID, nil
}

// deleteRemote propagates a local deletion.
func (o *Orchestrator) deleteRemote(ctx context.Context, rec models.SyncRecord, r *version) (models.Outcome, error) {
	if err := o.remote.Archive(ctx, r.remoteID); err != nil {
		o.metrics.Apply("to_remote", "error")
		return models.Outcome{}, fmt.Errorf("orchestrator: archive remote %s: %w", rec.EntityID, err)
	}
	o.metrics.Apply("to_remote", "ok")
	return o.tombstone(rec, models.SideRemote)
}

// deleteLocal propagates a remote deletion.
func (o *Orchestrator) deleteLocal(rec models.SyncRecord) (models.Outcome, error) {
	if err := o.local.Delete(rec.EntityID); err != nil {
		o.metrics.Apply("to_local", "error")
		return models.Outcome{}, fmt.Errorf("orchestrator: delete local %s: %w", rec.EntityID, err)
	}
	o.metrics.Apply("to_local", "ok")
	return o.tombstone(rec, models.SideLocal)
}

// tombstone records that the entity is gone from both sides. The record is
// kept so a later reappearance is recognised.
func (o *Orchestrator) tombstone(rec models.SyncRecord, side models.Side) (models.Outcome, error) {
	rec.State = models.StateTombstoned
	rec.LastSyncedAt = o.now().UTC()
	rec.PushFingerprint = ""
	artifact := rec.ConflictPath
	rec.ClearConflict()
	if err := o.put(rec); err != nil {
		return models.Outcome{}, err
	}
	o.removeArtifact(rec.EntityID, artifact)
	return o.outcome(rec, models.ActionTombstoned, side), nil
}

// removeArtifact deletes a conflict file once its conflict is settled.
func (o *Orchestrator) removeArtifact(entityID, p string) {
	if p == "" {
		return
	}
	if err := o.fs.Delete(p); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		o.logger.Warn("orchestrator: conflict file not removed",
			slog.String("entity_id", entityID),
			slog.String("path", p),
			slog.String("error", err.Error()))
	}
}

func applyResult(changed bool) string {
	if changed {
		return "ok"
	}
	return "noop"
}
