// Package models defines the domain types shared across the sync engine.
package models

import "time"

// Side identifies one of the two stores kept in sync.
type Side string

const (
	SideRemote Side = "remote"
	SideLocal  Side = "local"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideRemote {
		return SideLocal
	}
	return SideRemote
}

// ChangeKind is the kind of change a source observed.
type ChangeKind string

const (
	KindCreated  ChangeKind = "created"
	KindModified ChangeKind = "modified"
	KindDeleted  ChangeKind = "deleted"
)

// ChangeEvent is a hint that an entity may have changed on one side.
// Handlers re-derive current state, so duplicate or stale events are harmless.
type ChangeEvent struct {
	EntityID   string     `json:"entity_id"`
	Side       Side       `json:"side"`
	Kind       ChangeKind `json:"kind"`
	ObservedAt time.Time  `json:"observed_at"`
	// RemoteID is set by the remote poller for entities without a record yet.
	RemoteID string `json:"remote_id,omitempty"`
	// Path is the local path the watcher observed, relative to the sync root.
	Path string `json:"path,omitempty"`
}

// RecordState is the per-entity sync state.
type RecordState string

const (
	StateUnsynced        RecordState = "unsynced"
	StateSynced          RecordState = "synced"
	StatePendingConflict RecordState = "pending_conflict"
	StateTombstoned      RecordState = "tombstoned"
)

// Valid reports whether s is a known state.
func (s RecordState) Valid() bool {
	switch s {
	case StateUnsynced, StateSynced, StatePendingConflict, StateTombstoned:
		return true
	}
	return false
}

// SyncRecord is the persisted memory of the last agreed version of an entity.
type SyncRecord struct {
	EntityID          string      `json:"entity_id"`
	RemoteID          string      `json:"remote_id,omitempty"`
	LocalPath         string      `json:"local_path,omitempty"`
	RemoteFingerprint string      `json:"remote_fingerprint,omitempty"`
	LocalFingerprint  string      `json:"local_fingerprint,omitempty"`
	RemoteModifiedAt  time.Time   `json:"remote_modified_at"`
	LocalModifiedAt   time.Time   `json:"local_modified_at"`
	LastSyncedAt      time.Time   `json:"last_synced_at"`
	State             RecordState `json:"state"`

	// Set only while State is StatePendingConflict.
	ConflictPath       string    `json:"conflict_path,omitempty"`
	ConflictLocalFP    string    `json:"conflict_local_fingerprint,omitempty"`
	ConflictRemoteFP   string    `json:"conflict_remote_fingerprint,omitempty"`
	ConflictDetectedAt time.Time `json:"conflict_detected_at"`

	// PushFingerprint is the local fingerprint of a push that started but
	// has not been confirmed. The remote may hold a partial write until the
	// push is resumed.
	PushFingerprint string `json:"push_fingerprint,omitempty"`
}

// ClearConflict drops the pending conflict fields.
func (r *SyncRecord) ClearConflict() {
	r.ConflictPath = ""
	r.ConflictLocalFP = ""
	r.ConflictRemoteFP = ""
	r.ConflictDetectedAt = time.Time{}
}

// Outcome describes what the orchestrator did with one event.
type Outcome struct {
	EntityID string      `json:"entity_id"`
	Action   string      `json:"action"`
	Side     Side        `json:"side,omitempty"`
	State    RecordState `json:"state"`
	Err      string      `json:"error,omitempty"`
}

// Outcome actions.
const (
	ActionNone       = "none"
	ActionPushed     = "pushed"
	ActionPulled     = "pulled"
	ActionCreated    = "created"
	ActionDeleted    = "deleted"
	ActionTombstoned = "tombstoned"
	ActionConflict   = "conflict"
	ActionResolved   = "resolved"
	ActionError      = "error"
)
