// Package resolver classifies divergence between the two sides and decides
// which version wins a conflict.
package resolver

import (
	"time"

	"github.com/starford/laguz/internal/ir"
	"github.com/starford/laguz/internal/models"
)

// Policy selects how true conflicts are resolved.
type Policy string

const (
	PolicyRemoteWins Policy = "remote_wins"
	PolicyLocalWins  Policy = "local_wins"
	// PolicyLatest picks the side edited last. A tie goes to remote.
	PolicyLatest Policy = "latest_timestamp_wins"
	// PolicyManual writes a conflict artifact and waits for a human.
	PolicyManual Policy = "manual"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyRemoteWins, PolicyLocalWins, PolicyLatest, PolicyManual:
		return true
	}
	return false
}

// AllPolicies returns every supported policy.
func AllPolicies() []Policy {
	return []Policy{PolicyRemoteWins, PolicyLocalWins, PolicyLatest, PolicyManual}
}

func (p Policy) String() string { return string(p) }

// Class is the relation between the current fingerprints and the record.
type Class int

const (
	// Unchanged: neither side moved since the last sync.
	Unchanged Class = iota
	// RemoteChanged: only the remote side moved.
	RemoteChanged
	// LocalChanged: only the local side moved.
	LocalChanged
	// Converged: both sides moved to the same content.
	Converged
	// Conflict: both sides moved to different content.
	Conflict
)

func (c Class) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case RemoteChanged:
		return "remote_changed"
	case LocalChanged:
		return "local_changed"
	case Converged:
		return "converged"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Classify compares current fingerprints with those stored in rec.
func Classify(rec models.SyncRecord, remoteFP, localFP string) Class {
	remoteMoved := remoteFP != rec.RemoteFingerprint
	localMoved := localFP != rec.LocalFingerprint
	switch {
	case !remoteMoved && !localMoved:
		return Unchanged
	case remoteMoved && !localMoved:
		return RemoteChanged
	case localMoved && !remoteMoved:
		return LocalChanged
	case remoteFP == localFP:
		return Converged
	}
	return Conflict
}

// Case is a true conflict: both versions and what is known about them.
type Case struct {
	EntityID          string
	Title             string
	Local             ir.Entity
	Remote            ir.Entity
	LocalFingerprint  string
	RemoteFingerprint string
	DetectedAt        time.Time
}

// Decision is the outcome of resolving a Case.
type Decision struct {
	// Winner is the side whose version is propagated. Unset when Manual.
	Winner models.Side
	Manual bool
}

// Resolver applies one policy.
type Resolver struct {
	policy Policy
}

// New returns a resolver for policy. An unknown policy falls back to manual,
// which never overwrites either side.
func New(policy Policy) *Resolver {
	if !policy.IsValid() {
		policy = PolicyManual
	}
	return &Resolver{policy: policy}
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Decide picks a winner. The result depends only on the policy and c.
func (r *Resolver) Decide(c Case) Decision {
	switch r.policy {
	case PolicyRemoteWins:
		return Decision{Winner: models.SideRemote}
	case PolicyLocalWins:
		return Decision{Winner: models.SideLocal}
	case PolicyLatest:
		if c.Local.LocalModifiedAt.After(c.Remote.RemoteModifiedAt) {
			return Decision{Winner: models.SideLocal}
		}
		return Decision{Winner: models.SideRemote}
	}
	return Decision{Manual: true}
}
