package state

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/models"
)

func testDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestSchemaCreation(t *testing.T) {
	db, _ := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM records`).Scan(&count); err != nil {
		t.Fatalf("records table missing: %v", err)
	}
	var version int
	if err := db.conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil || version != schemaVersion {
		t.Fatalf("user_version = %d, %v", version, err)
	}
}

func TestPutAndGet(t *testing.T) {
	db, _ := testDB(t)
	synced := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	rec := models.SyncRecord{
		EntityID:          "e1",
		RemoteID:          "page-1",
		LocalPath:         "notes/e1.md",
		RemoteFingerprint: "rfp",
		LocalFingerprint:  "lfp",
		RemoteModifiedAt:  synced.Add(-time.Minute),
		LastSyncedAt:      synced,
		State:             models.StateSynced,
	}
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get("e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RemoteID != "page-1" || got.LocalPath != "notes/e1.md" || got.State != models.StateSynced {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.LastSyncedAt.Equal(synced) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, synced)
	}
	if !got.LocalModifiedAt.IsZero() || !got.ConflictDetectedAt.IsZero() {
		t.Errorf("zero times not preserved: %+v", got)
	}

	byRemote, err := db.GetByRemoteID("page-1")
	if err != nil || byRemote.EntityID != "e1" {
		t.Fatalf("GetByRemoteID = %+v, %v", byRemote, err)
	}
}

func TestPutUpdatesConflictFields(t *testing.T) {
	db, _ := testDB(t)
	rec := models.SyncRecord{EntityID: "e1", State: models.StatePendingConflict, ConflictPath: "_conflicts/a.e1.conflict.md",
		ConflictLocalFP: "l", ConflictRemoteFP: "r", ConflictDetectedAt: time.Now()}
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.State = models.StateSynced
	rec.ClearConflict()
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get("e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConflictPath != "" || got.ConflictLocalFP != "" || !got.ConflictDetectedAt.IsZero() {
		t.Errorf("conflict fields not cleared: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	db, _ := testDB(t)
	if _, err := db.Get("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if _, err := db.GetByRemoteID("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByRemoteID = %v, want ErrNotFound", err)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	db, _ := testDB(t)
	if err := db.Put(models.SyncRecord{State: models.StateSynced}); !apperr.IsPersistence(err) {
		t.Errorf("empty id: %v", err)
	}
	if err := db.Put(models.SyncRecord{EntityID: "x", State: "weird"}); !apperr.IsPersistence(err) {
		t.Errorf("bad state: %v", err)
	}
}

func TestListAndCounts(t *testing.T) {
	db, _ := testDB(t)
	for id, st := range map[string]models.RecordState{
		"c": models.StateSynced,
		"a": models.StateSynced,
		"b": models.StatePendingConflict,
		"d": models.StateTombstoned,
	} {
		if err := db.Put(models.SyncRecord{EntityID: id, State: st}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	all, err := db.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.EntityID)
	}
	if strings.Join(ids, ",") != "a,b,c,d" {
		t.Errorf("ids = %v", ids)
	}

	synced, err := db.List(models.StateSynced)
	if err != nil || len(synced) != 2 {
		t.Fatalf("List(synced) = %d, %v", len(synced), err)
	}

	counts, err := db.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[models.StateSynced] != 2 || counts[models.StatePendingConflict] != 1 || counts[models.StateTombstoned] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	db, path := testDB(t)
	if err := db.Put(models.SyncRecord{EntityID: "e1", State: models.StateSynced, LocalFingerprint: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get("e1")
	if err != nil || got.LocalFingerprint != "x" {
		t.Fatalf("Get after reopen = %+v, %v", got, err)
	}
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("definitely not sqlite ", 200)), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path)
	if !errors.Is(err, apperr.ErrCorrupt) {
		t.Fatalf("Open = %v, want ErrCorrupt", err)
	}
	if !apperr.IsPersistence(err) {
		t.Errorf("expected a persistence error, got %T", err)
	}
}

func TestPushFingerprintRoundTrip(t *testing.T) {
	db, _ := testDB(t)
	rec := models.SyncRecord{EntityID: "e1", RemoteID: "page-1", State: models.StateSynced, PushFingerprint: "pending"}
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := db.Get("e1")
	if err != nil || got.PushFingerprint != "pending" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	rec.PushFingerprint = ""
	if err := db.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, _ := db.Get("e1"); got.PushFingerprint != "" {
		t.Errorf("PushFingerprint = %q after clear", got.PushFingerprint)
	}
}

func TestOpenMigratesVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		`CREATE TABLE records (
			entity_id            TEXT PRIMARY KEY,
			remote_id            TEXT NOT NULL DEFAULT '',
			local_path           TEXT NOT NULL DEFAULT '',
			remote_fingerprint   TEXT NOT NULL DEFAULT '',
			local_fingerprint    TEXT NOT NULL DEFAULT '',
			remote_modified_at   TEXT NOT NULL DEFAULT '',
			local_modified_at    TEXT NOT NULL DEFAULT '',
			last_synced_at       TEXT NOT NULL DEFAULT '',
			state                TEXT NOT NULL DEFAULT 'unsynced',
			conflict_path        TEXT NOT NULL DEFAULT '',
			conflict_local_fp    TEXT NOT NULL DEFAULT '',
			conflict_remote_fp   TEXT NOT NULL DEFAULT '',
			conflict_detected_at TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT INTO records (entity_id, remote_id, state) VALUES ('old', 'page-9', 'synced')`,
		`PRAGMA user_version = 1`,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	conn.Close()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	got, err := db.Get("old")
	if err != nil || got.RemoteID != "page-9" || got.PushFingerprint != "" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	got.PushFingerprint = "fp"
	if err := db.Put(got); err != nil {
		t.Fatalf("Put after migration: %v", err)
	}
	var version int
	if err := db.conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil || version != schemaVersion {
		t.Fatalf("user_version = %d, %v", version, err)
	}
}
