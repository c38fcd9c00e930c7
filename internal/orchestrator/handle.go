package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/ir"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/resolver"
)

// version is one side's current copy of an entity.
type version struct {
	entity ir.Entity
	fp     string
	modAt  time.Time
	// remoteID is set for remote versions, path for local ones.
	remoteID string
	path     string
}

// handle re-derives the entity's current state on both sides and acts on
// it. The event only says which entity to look at; stale or duplicate
// events therefore converge to the same result.
func (o *Orchestrator) handle(ctx context.Context, ev models.ChangeEvent) (models.Outcome, error) {
	rec, known, err := o.record(ev)
	if err != nil {
		return models.Outcome{}, err
	}
	r, err := o.observeRemote(ctx, rec, !known)
	if err != nil {
		return models.Outcome{}, err
	}
	l, err := o.observeLocal(rec)
	if err != nil {
		return models.Outcome{}, err
	}

	if rec.PushFingerprint != "" && r != nil && l != nil {
		o.logger.Info("orchestrator: resuming interrupted push",
			slog.String("entity_id", rec.EntityID))
		return o.push(ctx, rec, l, r)
	}
	if rec.State == models.StatePendingConflict {
		return o.pending(ctx, rec, r, l)
	}
	return o.converge(ctx, rec, known, r, l)
}

// record loads the sync record for ev, or starts a new one.
func (o *Orchestrator) record(ev models.ChangeEvent) (models.SyncRecord, bool, error) {
	rec, err := o.records.Get(ev.EntityID)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return rec, false, err
	}
	if ev.RemoteID != "" {
		rec, err = o.records.GetByRemoteID(ev.RemoteID)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return rec, false, err
		}
	}
	rec = models.SyncRecord{EntityID: ev.EntityID, State: models.StateUnsynced}
	if ev.Side == models.SideRemote {
		rec.RemoteID = ev.RemoteID
		if rec.RemoteID == "" {
			rec.RemoteID = ev.EntityID
		}
	}
	return rec, false, nil
}

// observeRemote fetches the remote version. A missing or archived page is
// nil. For an entity seen for the first time on the local side, lookup asks
// the remote whether a page with the same id already exists, which is the
// case for files written from the remote before the state was lost.
func (o *Orchestrator) observeRemote(ctx context.Context, rec models.SyncRecord, lookup bool) (*version, error) {
	id := rec.RemoteID
	if id == "" {
		if !lookup {
			return nil, nil
		}
		id = rec.EntityID
	}
	doc, err := o.remote.Get(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fetch remote %s: %w", id, err)
	}
	if doc.Page.Gone() {
		return nil, nil
	}
	e, warnings := o.rconv.ToIR(doc)
	for _, w := range warnings {
		o.logger.Warn("orchestrator: remote content kept as unsupported",
			slog.String("entity_id", rec.EntityID),
			slog.String("remote_id", id),
			slog.String("error", w.Error()))
	}
	e.ID = rec.EntityID
	return &version{entity: e, fp: ir.Fingerprint(e), modAt: doc.Page.LastEditedTime, remoteID: doc.Page.ID}, nil
}

// observeLocal reads the local version. A missing file is nil; a file that
// fails to parse is an error so the entity is skipped, never deleted.
func (o *Orchestrator) observeLocal(rec models.SyncRecord) (*version, error) {
	load := o.local.Lookup
	if rec.LocalPath != "" {
		load = o.local.Load
	}
	doc, err := load(rec.EntityID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read local %s: %w", rec.EntityID, err)
	}
	return &version{entity: doc.Entity, fp: doc.Fingerprint, modAt: doc.ModTime, path: doc.Path}, nil
}

// converge moves an entity that is not waiting on a human towards both sides
// agreeing.
func (o *Orchestrator) converge(ctx context.Context, rec models.SyncRecord, known bool, r, l *version) (models.Outcome, error) {
	switch {
	case r == nil && l == nil:
		if !known || rec.State == models.StateTombstoned {
			return o.outcome(rec, models.ActionNone, ""), nil
		}
		return o.tombstone(rec, "")

	case l == nil:
		if rec.LocalFingerprint == "" || rec.State == models.StateTombstoned {
			return o.pull(rec, r, models.ActionCreated)
		}
		if r.fp != rec.RemoteFingerprint {
			o.logger.Info("orchestrator: remote edit outlives local deletion",
				slog.String("entity_id", rec.EntityID))
			return o.pull(rec, r, models.ActionCreated)
		}
		return o.deleteRemote(ctx, rec, r)

	case r == nil:
		if rec.RemoteID == "" || rec.State == models.StateTombstoned {
			return o.push(ctx, rec, l, nil)
		}
		if l.fp != rec.LocalFingerprint {
			o.logger.Info("orchestrator: local edit outlives remote deletion",
				slog.String("entity_id", rec.EntityID))
			return o.push(ctx, rec, l, nil)
		}
		return o.deleteLocal(rec)
	}

	switch resolver.Classify(rec, r.fp, l.fp) {
	case resolver.Unchanged, resolver.Converged:
		return o.agree(rec, r, l)
	case resolver.RemoteChanged:
		return o.pull(rec, r, models.ActionPulled)
	case resolver.LocalChanged:
		return o.push(ctx, rec, l, r)
	}
	return o.conflict(ctx, rec, r, l)
}

// conflict applies the configured policy to a true conflict.
func (o *Orchestrator) conflict(ctx context.Context, rec models.SyncRecord, r, l *version) (models.Outcome, error) {
	c := o.conflictCase(rec, r, l)
	d := o.resolver.Decide(c)
	policy := string(o.Policy())
	if d.Manual {
		o.metrics.Conflict(policy, "pending")
		return o.materialize(rec, c, r, l)
	}

	o.metrics.Conflict(policy, "resolved")
	o.logger.Info("orchestrator: conflict resolved by policy",
		slog.String("entity_id", rec.EntityID),
		slog.String("policy", policy),
		slog.String("side", string(d.Winner)))
	if d.Winner == models.SideLocal {
		return o.push(ctx, rec, l, r)
	}
	return o.pull(rec, r, models.ActionPulled)
}

func (o *Orchestrator) conflictCase(rec models.SyncRecord, r, l *version) resolver.Case {
	title := l.entity.Title
	if title == "" {
		title = r.entity.Title
	}
	return resolver.Case{
		EntityID:          rec.EntityID,
		Title:             title,
		Local:             l.entity,
		Remote:            r.entity,
		LocalFingerprint:  l.fp,
		RemoteFingerprint: r.fp,
		DetectedAt:        o.now().UTC(),
	}
}

// agree records that both sides hold the last agreed content. Nothing is
// written when the record already says so.
func (o *Orchestrator) agree(rec models.SyncRecord, r, l *version) (models.Outcome, error) {
	next := rec
	next.RemoteID = r.remoteID
	next.RemoteFingerprint = r.fp
	next.RemoteModifiedAt = r.modAt
	next.LocalPath = l.path
	next.LocalFingerprint = l.fp
	next.LocalModifiedAt = l.modAt
	next.State = models.StateSynced
	next.PushFingerprint = ""
	next.ClearConflict()
	if sameRecord(next, rec) {
		return o.outcome(rec, models.ActionNone, ""), nil
	}
	if rec.State != models.StateSynced {
		next.LastSyncedAt = o.now().UTC()
	}
	if err := o.put(next); err != nil {
		return models.Outcome{}, err
	}
	o.removeArtifact(rec.EntityID, rec.ConflictPath)
	return o.outcome(next, models.ActionNone, ""), nil
}

func sameRecord(a, b models.SyncRecord) bool {
	return a.State == b.State &&
		a.RemoteID == b.RemoteID &&
		a.RemoteFingerprint == b.RemoteFingerprint &&
		a.RemoteModifiedAt.Equal(b.RemoteModifiedAt) &&
		a.LocalPath == b.LocalPath &&
		a.LocalFingerprint == b.LocalFingerprint &&
		a.LocalModifiedAt.Equal(b.LocalModifiedAt) &&
		a.PushFingerprint == b.PushFingerprint
}

func (o *Orchestrator) put(rec models.SyncRecord) error {
	if err := o.records.Put(rec); err != nil {
		return fmt.Errorf("orchestrator: record %s: %w", rec.EntityID, err)
	}
	return nil
}

func (o *Orchestrator) outcome(rec models.SyncRecord, action string, side models.Side) models.Outcome {
	return models.Outcome{EntityID: rec.EntityID, Action: action, Side: side, State: rec.State}
}
