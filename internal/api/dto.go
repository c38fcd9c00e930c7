package api

import (
	"github.com/starford/laguz/internal/models"
	"github.com/starford/laguz/internal/syncservice"
)

// Record is a sync record as returned by the API.
type Record = models.SyncRecord

// Conflict is a pending conflict as returned by the API.
type Conflict = syncservice.Conflict

// RecordListResponse wraps record listings.
type RecordListResponse struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
}

// ConflictListResponse wraps pending conflicts.
type ConflictListResponse struct {
	Conflicts []Conflict `json:"conflicts"`
	Total     int        `json:"total"`
}

// ResolveRequest is the body of POST /conflicts/{id}/resolve.
type ResolveRequest struct {
	Side string `json:"side" example:"local"`
}

// ResolveResponse acknowledges a queued resolution.
type ResolveResponse struct {
	EntityID string `json:"entity_id"`
	Side     string `json:"side"`
	Status   string `json:"status" example:"queued"`
}
