package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/resolver"
)

var (
	// ErrNotPending is returned when resolving an entity without a pending conflict.
	ErrNotPending = fmt.Errorf("no pending conflict: %w", apperr.ErrConflict)
	// ErrInvalidSide is returned for a resolution side other than local or remote.
	ErrInvalidSide = errors.New("side must be local or remote")
)

// materialize writes the conflict file and parks the entity until a human
// or a later one-sided change settles it. The stored fingerprints stay the
// last agreed ones.
func (o *Orchestrator) materialize(rec models.SyncRecord, c resolver.Case, r, l *version) (models.Outcome, error) {
	localText, err := o.fs.Read(l.path)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("orchestrator: conflict %s: %w", rec.EntityID, err)
	}
	remoteText, err := o.local.Render(r.entity)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("orchestrator: conflict %s: %w", rec.EntityID, err)
	}
	data, err := resolver.RenderArtifact(c, string(localText), string(remoteText))
	if err != nil {
		return models.Outcome{}, err
	}
	p := resolver.ArtifactPath(o.cfg.ConflictDir, c.Title, rec.EntityID)
	if _, err := o.fs.Write(p, data); err != nil {
		return models.Outcome{}, fmt.Errorf("orchestrator: conflict %s: %w", rec.EntityID, err)
	}

	previous := rec.ConflictPath
	rec.RemoteID = r.remoteID
	rec.RemoteModifiedAt = r.modAt
	rec.LocalPath = l.path
	rec.State = models.StatePendingConflict
	rec.ConflictPath = p
	rec.ConflictLocalFP = l.fp
	rec.ConflictRemoteFP = r.fp
	rec.ConflictDetectedAt = c.DetectedAt
	if err := o.put(rec); err != nil {
		return models.Outcome{}, err
	}
	if previous != p {
		o.removeArtifact(rec.EntityID, previous)
	}
	o.logger.Warn("orchestrator: conflict needs manual resolution",
		slog.String("entity_id", rec.EntityID),
		slog.String("path", p))
	return o.outcome(rec, models.ActionConflict, ""), nil
}

// pending re-evaluates an entity waiting on a conflict. Automated writes
// happen only once a decision exists: an explicit resolution, removal of
// the conflict file, or a further change on exactly one side.
func (o *Orchestrator) pending(ctx context.Context, rec models.SyncRecord, r, l *version) (models.Outcome, error) {
	if r == nil && l == nil {
		o.clearForced(rec.EntityID)
		return o.tombstone(rec, "")
	}

	side, err := o.decision(rec)
	if err != nil {
		return models.Outcome{}, err
	}
	switch {
	case r == nil:
		side = models.SideLocal
	case l == nil:
		side = models.SideRemote
	case side != "":
	case r.fp == l.fp:
		o.clearForced(rec.EntityID)
		return o.agree(rec, r, l)
	default:
		remoteMoved := r.fp != rec.ConflictRemoteFP
		localMoved := l.fp != rec.ConflictLocalFP
		switch {
		case remoteMoved && localMoved:
			return o.materialize(rec, o.conflictCase(rec, r, l), r, l)
		case remoteMoved:
			side = models.SideRemote
		case localMoved:
			side = models.SideLocal
		default:
			return o.waiting(rec, r)
		}
	}

	o.logger.Info("orchestrator: conflict settled",
		slog.String("entity_id", rec.EntityID),
		slog.String("side", string(side)))
	var out models.Outcome
	if side == models.SideLocal {
		out, err = o.push(ctx, rec, l, r)
	} else {
		out, err = o.pull(rec, r, models.ActionPulled)
	}
	if err != nil {
		return models.Outcome{}, err
	}
	o.clearForced(rec.EntityID)
	o.metrics.Conflict(string(resolver.PolicyManual), "resolved")
	out.Action = models.ActionResolved
	out.Side = side
	return out, nil
}

// decision returns the side a human chose, if any.
func (o *Orchestrator) decision(rec models.SyncRecord) (models.Side, error) {
	o.mu.Lock()
	side, ok := o.forced[rec.EntityID]
	o.mu.Unlock()
	if ok {
		return side, nil
	}
	if rec.ConflictPath == "" {
		return models.SideLocal, nil
	}

	data, err := o.fs.Read(rec.ConflictPath)
	if errors.Is(err, apperr.ErrNotFound) {
		// Removing the conflict file keeps the local version.
		return models.SideLocal, nil
	}
	if err != nil {
		return "", fmt.Errorf("orchestrator: read conflict %s: %w", rec.EntityID, err)
	}
	a, err := resolver.ParseArtifact(data)
	if err != nil {
		o.logger.Warn("orchestrator: conflict file unreadable, still waiting",
			slog.String("entity_id", rec.EntityID),
			slog.String("path", rec.ConflictPath),
			slog.String("error", err.Error()))
		return "", nil
	}
	if s, ok := a.Resolution.Side(); ok {
		return s, nil
	}
	if a.Resolution != resolver.ResolutionPending {
		o.logger.Warn("orchestrator: unknown resolution ignored",
			slog.String("entity_id", rec.EntityID),
			slog.String("resolution", string(a.Resolution)))
	}
	return "", nil
}

// waiting keeps the entity parked, remembering the remote timestamp so the
// poller does not report the same page again.
func (o *Orchestrator) waiting(rec models.SyncRecord, r *version) (models.Outcome, error) {
	if !rec.RemoteModifiedAt.Equal(r.modAt) {
		rec.RemoteModifiedAt = r.modAt
		if err := o.put(rec); err != nil {
			return models.Outcome{}, err
		}
	}
	return o.outcome(rec, models.ActionNone, ""), nil
}

func (o *Orchestrator) clearForced(id string) {
	o.mu.Lock()
	delete(o.forced, id)
	o.mu.Unlock()
}

// Resolve records a human decision for a pending conflict and queues the
// entity. The conflict file's resolution field is updated to match.
func (o *Orchestrator) Resolve(entityID string, side models.Side) error {
	if side != models.SideLocal && side != models.SideRemote {
		return fmt.Errorf("orchestrator: resolve: %w", ErrInvalidSide)
	}
	rec, err := o.records.Get(entityID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve: %w", err)
	}
	if rec.State != models.StatePendingConflict {
		return fmt.Errorf("orchestrator: resolve %s: %w", entityID, ErrNotPending)
	}

	o.mu.Lock()
	o.forced[entityID] = side
	o.mu.Unlock()

	if data, err := o.fs.Read(rec.ConflictPath); err == nil {
		out, err := resolver.SetResolution(data, side)
		if err == nil {
			_, err = o.fs.Write(rec.ConflictPath, out)
		}
		if err != nil {
			o.logger.Warn("orchestrator: conflict file not updated",
				slog.String("entity_id", entityID),
				slog.String("error", err.Error()))
		}
	}
	return o.Submit(models.ChangeEvent{
		EntityID:   entityID,
		Side:       side,
		Kind:       models.KindModified,
		RemoteID:   rec.RemoteID,
		ObservedAt: o.now(),
	})
}

// Conflicts returns the records waiting on a human.
func (o *Orchestrator) Conflicts() ([]models.SyncRecord, error) {
	recs, err := o.records.List(models.StatePendingConflict)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: conflicts: %w", err)
	}
	return recs, nil
}
