package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/models"
)

const columns = `entity_id, remote_id, local_path, remote_fingerprint, local_fingerprint,
	remote_modified_at, local_modified_at, last_synced_at, state,
	conflict_path, conflict_local_fp, conflict_remote_fp, conflict_detected_at, push_fingerprint`

type scanner interface {
	Scan(dest ...any) error
}

// Get returns the record for entityID, or apperr.ErrNotFound.
func (db *DB) Get(entityID string) (models.SyncRecord, error) {
	row := db.conn.QueryRow(`SELECT `+columns+` FROM records WHERE entity_id = ?`, entityID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncRecord{}, fmt.Errorf("state: record %s: %w", entityID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.SyncRecord{}, persistence("get", err)
	}
	return rec, nil
}

// GetByRemoteID returns the record bound to a remote page, or apperr.ErrNotFound.
func (db *DB) GetByRemoteID(remoteID string) (models.SyncRecord, error) {
	row := db.conn.QueryRow(`SELECT `+columns+` FROM records WHERE remote_id = ? ORDER BY entity_id LIMIT 1`, remoteID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncRecord{}, fmt.Errorf("state: remote %s: %w", remoteID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.SyncRecord{}, persistence("get by remote id", err)
	}
	return rec, nil
}

// Put inserts or replaces a record.
func (db *DB) Put(r models.SyncRecord) error {
	if r.EntityID == "" {
		return &apperr.PersistenceError{Op: "put", Err: errors.New("empty entity id")}
	}
	if !r.State.Valid() {
		return &apperr.PersistenceError{Op: "put", Err: fmt.Errorf("invalid state %q", r.State)}
	}
	_, err := db.conn.Exec(`
		INSERT INTO records (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			remote_id            = excluded.remote_id,
			local_path           = excluded.local_path,
			remote_fingerprint   = excluded.remote_fingerprint,
			local_fingerprint    = excluded.local_fingerprint,
			remote_modified_at   = excluded.remote_modified_at,
			local_modified_at    = excluded.local_modified_at,
			last_synced_at       = excluded.last_synced_at,
			state                = excluded.state,
			conflict_path        = excluded.conflict_path,
			conflict_local_fp    = excluded.conflict_local_fp,
			conflict_remote_fp   = excluded.conflict_remote_fp,
			conflict_detected_at = excluded.conflict_detected_at,
			push_fingerprint     = excluded.push_fingerprint
	`, r.EntityID, r.RemoteID, r.LocalPath, r.RemoteFingerprint, r.LocalFingerprint,
		formatTime(r.RemoteModifiedAt), formatTime(r.LocalModifiedAt), formatTime(r.LastSyncedAt), string(r.State),
		r.ConflictPath, r.ConflictLocalFP, r.ConflictRemoteFP, formatTime(r.ConflictDetectedAt), r.PushFingerprint)
	if err != nil {
		return persistence("put", err)
	}
	return nil
}

// List returns all records, optionally filtered by state, ordered by id.
func (db *DB) List(state models.RecordState) ([]models.SyncRecord, error) {
	query := `SELECT ` + columns + ` FROM records`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	rows, err := db.conn.Query(query+` ORDER BY entity_id`, args...)
	if err != nil {
		return nil, persistence("list", err)
	}
	defer rows.Close()
	var out []models.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistence("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list", err)
	}
	return out, nil
}

// Counts returns the number of records per state.
func (db *DB) Counts() (map[models.RecordState]int, error) {
	rows, err := db.conn.Query(`SELECT state, count(*) FROM records GROUP BY state`)
	if err != nil {
		return nil, persistence("counts", err)
	}
	defer rows.Close()
	out := make(map[models.RecordState]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, persistence("counts", err)
		}
		out[models.RecordState(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("counts", err)
	}
	return out, nil
}

func scanRecord(s scanner) (models.SyncRecord, error) {
	var r models.SyncRecord
	var state, remoteAt, localAt, syncedAt, detectedAt string
	err := s.Scan(&r.EntityID, &r.RemoteID, &r.LocalPath, &r.RemoteFingerprint, &r.LocalFingerprint,
		&remoteAt, &localAt, &syncedAt, &state,
		&r.ConflictPath, &r.ConflictLocalFP, &r.ConflictRemoteFP, &detectedAt, &r.PushFingerprint)
	if err != nil {
		return r, err
	}
	r.State = models.RecordState(state)
	if r.RemoteModifiedAt, err = parseTime(remoteAt); err != nil {
		return r, err
	}
	if r.LocalModifiedAt, err = parseTime(localAt); err != nil {
		return r, err
	}
	if r.LastSyncedAt, err = parseTime(syncedAt); err != nil {
		return r, err
	}
	if r.ConflictDetectedAt, err = parseTime(detectedAt); err != nil {
		return r, err
	}
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}
