package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/orchestrator"
	"github.com/starford/laguz/internal/syncservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *syncservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *syncservice.Service) *Handler {
	return &Handler{svc: svc}
}

// Status handles GET /api/status.
//
//	@Summary		Engine status and record counts per state
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	syncservice.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		slog.Error("status failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListRecords handles GET /api/records.
//
//	@Summary		List sync records
//	@Tags			records
//	@Produce		json
//	@Param			state	query		string	false	"Filter by state"	Enums(unsynced, synced, pending_conflict, tombstoned)
//	@Success		200		{object}	RecordListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records [get]
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	recs, err := h.svc.ListRecords(r.Context(), state)
	if err != nil {
		if errors.Is(err, syncservice.ErrInvalidState) {
			writeJSON(w, http.StatusBadRequest, errorBody("unknown state"))
		} else {
			slog.Error("list records failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, RecordListResponse{Records: recs, Total: len(recs)})
}

// GetRecord handles GET /api/records/{id}.
//
//	@Summary		Get the sync record of one entity
//	@Tags			records
//	@Produce		json
//	@Param			id	path		string	true	"Entity id"
//	@Success		200	{object}	Record
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/records/{id} [get]
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.svc.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get record failed", slog.String("entity_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListConflicts handles GET /api/conflicts.
//
//	@Summary		List conflicts waiting for a decision
//	@Tags			conflicts
//	@Produce		json
//	@Success		200	{object}	ConflictListResponse
//	@Security		BearerAuth
//	@Router			/conflicts [get]
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	cs, err := h.svc.ListConflicts(r.Context())
	if err != nil {
		slog.Error("list conflicts failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, ConflictListResponse{Conflicts: cs, Total: len(cs)})
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve.
//
//	@Summary		Settle a pending conflict
//	@Tags			conflicts
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Entity id"
//	@Param			body	body		ResolveRequest	true	"Winning side"
//	@Success		202		{object}	ResolveResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/conflicts/{id}/resolve [post]
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	id := chi.URLParam(r, "id")
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	err := h.svc.Resolve(r.Context(), id, req.Side)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidSide):
			writeJSON(w, http.StatusBadRequest, errorBody("side must be local or remote"))
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		case errors.Is(err, apperr.ErrConflict):
			writeJSON(w, http.StatusConflict, errorBody("no pending conflict"))
		case errors.Is(err, apperr.ErrClosed):
			writeJSON(w, http.StatusServiceUnavailable, errorBody("shutting down"))
		default:
			slog.Error("resolve conflict failed", slog.String("entity_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusAccepted, ResolveResponse{
		EntityID: id,
		Side:     strings.ToLower(strings.TrimSpace(req.Side)),
		Status:   "queued",
	})
}
