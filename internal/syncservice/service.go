// Package syncservice answers status queries and takes conflict decisions
// for the HTTP and MCP surfaces.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/orchestrator"
	"github.com/starford/laguz/internal/resolver"
)

// ErrInvalidState is returned for a state filter that is not a record state.
var ErrInvalidState = errors.New("unknown record state")

// Records is the read side of the state store.
type Records interface {
	Get(entityID string) (models.SyncRecord, error)
	List(state models.RecordState) ([]models.SyncRecord, error)
	Counts() (map[models.RecordState]int, error)
}

// Engine is the part of the orchestrator the surfaces talk to.
type Engine interface {
	Policy() resolver.Policy
	Resolve(entityID string, side models.Side) error
	Halted() map[string]string
	Idle() bool
}

// Status summarises the engine.
type Status struct {
	Policy  string                     `json:"policy"`
	Idle    bool                       `json:"idle"`
	Total   int                        `json:"total"`
	Records map[models.RecordState]int `json:"records"`
	Halted  map[string]string          `json:"halted"`
}

// Conflict is a pending conflict as shown to a human.
type Conflict struct {
	EntityID     string    `json:"entity_id"`
	RemoteID     string    `json:"remote_id,omitempty"`
	LocalPath    string    `json:"local_path,omitempty"`
	ConflictPath string    `json:"conflict_path"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Service coordinates the state store and the orchestrator.
type Service struct {
	records Records
	engine  Engine
}

// NewService creates a new sync service.
func NewService(records Records, engine Engine) *Service {
	return &Service{records: records, engine: engine}
}

// Status returns record counts per state and the engine's condition.
func (s *Service) Status(_ context.Context) (*Status, error) {
	counts, err := s.records.Counts()
	if err != nil {
		return nil, fmt.Errorf("syncservice: status: %w", err)
	}
	st := &Status{
		Policy:  string(s.engine.Policy()),
		Idle:    s.engine.Idle(),
		Records: make(map[models.RecordState]int, 4),
		Halted:  s.engine.Halted(),
	}
	for _, state := range []models.RecordState{models.StateUnsynced, models.StateSynced, models.StatePendingConflict, models.StateTombstoned} {
		st.Records[state] = counts[state]
		st.Total += counts[state]
	}
	return st, nil
}

// ListRecords returns every record, or those in state when it is non-empty.
func (s *Service) ListRecords(_ context.Context, state string) ([]models.SyncRecord, error) {
	rs := models.RecordState(strings.TrimSpace(state))
	if rs != "" && !rs.Valid() {
		return nil, fmt.Errorf("syncservice: %q: %w", state, ErrInvalidState)
	}
	recs, err := s.records.List(rs)
	if err != nil {
		return nil, fmt.Errorf("syncservice: list records: %w", err)
	}
	if recs == nil {
		recs = []models.SyncRecord{}
	}
	return recs, nil
}

// GetRecord returns one record. A missing entity is apperr.ErrNotFound.
func (s *Service) GetRecord(_ context.Context, entityID string) (*models.SyncRecord, error) {
	rec, err := s.records.Get(entityID)
	if err != nil {
		return nil, fmt.Errorf("syncservice: get record: %w", err)
	}
	return &rec, nil
}

// ListConflicts returns pending conflicts, oldest first.
func (s *Service) ListConflicts(_ context.Context) ([]Conflict, error) {
	recs, err := s.records.List(models.StatePendingConflict)
	if err != nil {
		return nil, fmt.Errorf("syncservice: list conflicts: %w", err)
	}
	out := make([]Conflict, 0, len(recs))
	for _, r := range recs {
		out = append(out, Conflict{
			EntityID:     r.EntityID,
			RemoteID:     r.RemoteID,
			LocalPath:    r.LocalPath,
			ConflictPath: r.ConflictPath,
			DetectedAt:   r.ConflictDetectedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// Resolve settles a pending conflict in favour of side ("local" or "remote").
// The apply itself happens asynchronously.
func (s *Service) Resolve(_ context.Context, entityID, side string) error {
	sd := models.Side(strings.ToLower(strings.TrimSpace(side)))
	if sd != models.SideLocal && sd != models.SideRemote {
		return fmt.Errorf("syncservice: resolve: %w", orchestrator.ErrInvalidSide)
	}
	return s.engine.Resolve(entityID, sd)
}
