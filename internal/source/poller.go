package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/starford/laguz/internal/metrics"
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/remote"
)

// RemotePoller lists the remote collection on an interval and emits events
// for pages that appeared, changed or vanished since the stored records.
type RemotePoller struct {
	api        Lister
	records    Records
	sink       Sink
	interval   time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// rechecked holds when a page inside its settle window was last
	// handed to the sink for a re-read. Only Run's goroutine touches it.
	rechecked map[string]time.Time
}

// SettleWindow covers the minute resolution of remote last_edited_time plus
// clock skew. A page whose timestamp falls within it of the last sync may
// have been edited again without the timestamp moving, so it is re-read
// until a check after the window proves it settled.
const SettleWindow = 2 * time.Minute

// NewRemotePoller creates a poller. m may be nil.
func NewRemotePoller(api Lister, records Records, sink Sink, interval, maxBackoff time.Duration, logger *slog.Logger, m *metrics.Metrics) *RemotePoller {
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	return &RemotePoller{
		api:        api,
		records:    records,
		sink:       sink,
		interval:   interval,
		maxBackoff: maxBackoff,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		rechecked:  make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled. A failed cycle is retried with
// exponential backoff capped at the maximum interval; it never ends the loop.
func (p *RemotePoller) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(time.Second, p.maxBackoff)
	b.MaxInterval = p.maxBackoff
	b.Reset()

	p.logger.Info("poller: started", slog.Duration("interval", p.interval))
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller: stopped")
			return nil
		case <-timer.C:
		}

		n, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := b.NextBackOff()
			p.logger.Warn("poller: cycle failed",
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()))
			timer.Reset(wait)
			continue
		}
		b.Reset()
		if n > 0 {
			p.logger.Debug("poller: changes detected", slog.Int("events", n))
		}
		timer.Reset(p.interval)
	}
}

// Poll runs one cycle and returns the number of events emitted. The full
// listing is read before anything is compared, so a failed page fetch never
// looks like a deletion.
func (p *RemotePoller) Poll(ctx context.Context) (int, error) {
	start := time.Now()
	pages, err := p.api.List(ctx)
	p.metrics.ObservePoll(time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("source: poll: %w", err)
	}
	recs, err := p.records.List("")
	if err != nil {
		return 0, fmt.Errorf("source: poll: %w", err)
	}
	now := p.now()
	events := RemoteChanges(pages, recs, p.rechecked, now)
	p.trackRechecks(pages, recs, events, now)
	return submitAll(p.sink, events, p.logger)
}

func (p *RemotePoller) trackRechecks(pages []remote.Page, recs []models.SyncRecord, events []models.ChangeEvent, now time.Time) {
	synced := make(map[string]time.Time, len(recs))
	for _, r := range recs {
		if r.RemoteID != "" {
			synced[r.RemoteID] = r.LastSyncedAt
		}
	}
	next := make(map[string]time.Time)
	for _, page := range pages {
		if t, ok := p.rechecked[page.ID]; ok && synced[page.ID].Before(t) {
			next[page.ID] = t
		}
	}
	for _, ev := range events {
		if ev.Kind == models.KindModified {
			next[ev.RemoteID] = now
		}
	}
	p.rechecked = next
}

// RemoteChanges compares a complete listing with the stored records.
// last_edited_time only decides whether a page is worth re-reading; the
// handler compares fingerprints. rechecked may be nil.
func RemoteChanges(pages []remote.Page, recs []models.SyncRecord, rechecked map[string]time.Time, now time.Time) []models.ChangeEvent {
	byRemote := make(map[string]models.SyncRecord, len(recs))
	for _, r := range recs {
		if r.RemoteID != "" {
			byRemote[r.RemoteID] = r
		}
	}
	live := make(map[string]bool, len(pages))
	var out []models.ChangeEvent
	for _, page := range pages {
		live[page.ID] = true
		ev := models.ChangeEvent{EntityID: page.ID, Side: models.SideRemote, RemoteID: page.ID, ObservedAt: now}
		rec, ok := byRemote[page.ID]
		switch {
		case !ok:
			ev.Kind = models.KindCreated
		case rec.State == models.StateTombstoned:
			ev.EntityID = rec.EntityID
			ev.Kind = models.KindCreated
		case rec.State == models.StateUnsynced || !page.LastEditedTime.Equal(rec.RemoteModifiedAt),
			unsettled(page, rec, rechecked[page.ID]):
			ev.EntityID = rec.EntityID
			ev.Kind = models.KindModified
		default:
			continue
		}
		out = append(out, ev)
	}
	for _, r := range recs {
		if r.RemoteID == "" || r.State == models.StateTombstoned || live[r.RemoteID] {
			continue
		}
		out = append(out, models.ChangeEvent{
			EntityID:   r.EntityID,
			Side:       models.SideRemote,
			Kind:       models.KindDeleted,
			RemoteID:   r.RemoteID,
			ObservedAt: now,
		})
	}
	sortEvents(out)
	return out
}

// unsettled reports whether an edit could hide behind an unchanged
// timestamp: the last sync or re-read happened within SettleWindow of it.
func unsettled(page remote.Page, rec models.SyncRecord, rechecked time.Time) bool {
	seen := rec.LastSyncedAt
	if rechecked.After(seen) {
		seen = rechecked
	}
	if seen.IsZero() {
		return true
	}
	return page.LastEditedTime.Add(SettleWindow).After(seen)
}

func sortEvents(evs []models.ChangeEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].EntityID != evs[j].EntityID {
			return evs[i].EntityID < evs[j].EntityID
		}
		return evs[i].Side < evs[j].Side
	})
}

func submitAll(sink Sink, events []models.ChangeEvent, logger *slog.Logger) (int, error) {
	for i, ev := range events {
		if err := sink.Submit(ev); err != nil {
			logger.Warn("source: event dropped",
				slog.String("entity_id", ev.EntityID),
				slog.String("side", string(ev.Side)),
				slog.String("error", err.Error()))
			return i, fmt.Errorf("source: submit: %w", err)
		}
	}
	return len(events), nil
}
