package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/laguz/internal/local"
	"github.com/starford/laguz/internal/models"
)

// Reconcile compares both current listings with the stored records and
// emits the events that would have fired while the process was down.
// A remote listing failure is logged and only the local side is compared.
func Reconcile(ctx context.Context, api Lister, store LocalIndex, records Records, sink Sink, logger *slog.Logger) (int, error) {
	recs, err := records.List("")
	if err != nil {
		return 0, fmt.Errorf("source: reconcile: %w", err)
	}
	for _, r := range recs {
		if r.State != models.StateTombstoned {
			store.Seed(r.EntityID, r.LocalPath)
		}
	}
	docs, err := store.Scan()
	if err != nil {
		return 0, fmt.Errorf("source: reconcile: %w", err)
	}
	now := time.Now()
	events := LocalChanges(docs, recs, now, logger)

	pages, err := api.List(ctx)
	if err != nil {
		logger.Warn("reconcile: remote listing failed, remote side deferred to the poller",
			slog.String("error", err.Error()))
	} else {
		events = append(events, RemoteChanges(pages, recs, nil, now)...)
	}
	sortEvents(events)

	n, err := submitAll(sink, events, logger)
	logger.Info("reconcile: done",
		slog.Int("records", len(recs)),
		slog.Int("files", len(docs)),
		slog.Int("events", n))
	return n, err
}

// LocalChanges compares a full scan with the stored records. Files that
// fail to parse are skipped, and their entities are not treated as deleted.
func LocalChanges(docs []local.Doc, recs []models.SyncRecord, now time.Time, logger *slog.Logger) []models.ChangeEvent {
	byID := make(map[string]models.SyncRecord, len(recs))
	for _, r := range recs {
		byID[r.EntityID] = r
	}
	present := make(map[string]bool, len(docs))
	broken := make(map[string]bool)

	var out []models.ChangeEvent
	for _, doc := range docs {
		if doc.Err != nil {
			logger.Warn("reconcile: unreadable file skipped",
				slog.String("path", doc.Path),
				slog.String("error", doc.Err.Error()))
			broken[doc.Path] = true
			if doc.ID != "" {
				present[doc.ID] = true
			}
			continue
		}
		present[doc.ID] = true
		ev := models.ChangeEvent{EntityID: doc.ID, Side: models.SideLocal, Path: doc.Path, ObservedAt: now}
		rec, ok := byID[doc.ID]
		switch {
		case !ok, rec.State == models.StateTombstoned:
			ev.Kind = models.KindCreated
		case rec.State == models.StateUnsynced, rec.State == models.StatePendingConflict,
			doc.Fingerprint != rec.LocalFingerprint:
			ev.Kind = models.KindModified
		default:
			continue
		}
		out = append(out, ev)
	}
	for _, r := range recs {
		if r.LocalPath == "" || r.State == models.StateTombstoned || present[r.EntityID] || broken[r.LocalPath] {
			continue
		}
		out = append(out, models.ChangeEvent{
			EntityID:   r.EntityID,
			Side:       models.SideLocal,
			Kind:       models.KindDeleted,
			Path:       r.LocalPath,
			ObservedAt: now,
		})
	}
	return out
}
