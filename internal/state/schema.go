// Package state is the SQLite-backed store of sync records.
package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/laguz/internal/apperr"
)

const schemaVersion = 2

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
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
	conflict_detected_at TEXT NOT NULL DEFAULT '',
	push_fingerprint     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_records_remote_id ON records(remote_id) WHERE remote_id != '';
CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);
`

// DB wraps a sql.DB with record operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database, verifies its integrity and
// applies the schema. A damaged file is reported as apperr.ErrCorrupt.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("state: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, persistence("ping", err)
	}
	if err := checkIntegrity(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, persistence("apply schema", err)
	}
	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		conn.Close()
		return nil, persistence("read version", err)
	}
	if version > schemaVersion {
		conn.Close()
		return nil, fmt.Errorf("state: schema version %d is newer than supported %d", version, schemaVersion)
	}
	if err := migrate(conn, version); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		conn.Close()
		return nil, persistence("write version", err)
	}
	return &DB{conn: conn}, nil
}

// migrations[i] upgrades a database at version i+1.
var migrations = []string{
	`ALTER TABLE records ADD COLUMN push_fingerprint TEXT NOT NULL DEFAULT ''`,
}

// migrate brings a database written by an older version up to date. A fresh
// database (version 0) already has the current schema.
func migrate(conn *sql.DB, version int) error {
	if version == 0 {
		return nil
	}
	for v := version; v < schemaVersion; v++ {
		if _, err := conn.Exec(migrations[v-1]); err != nil {
			return persistence(fmt.Sprintf("migrate to version %d", v+1), err)
		}
	}
	return nil
}

func checkIntegrity(conn *sql.DB) error {
	var result string
	if err := conn.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return persistence("integrity check", err)
	}
	if result != "ok" {
		return &apperr.PersistenceError{Op: "integrity check", Err: fmt.Errorf("%w: %s", apperr.ErrCorrupt, result)}
	}
	return nil
}

// Close checkpoints the write-ahead log and closes the connection.
func (db *DB) Close() error {
	_, _ = db.conn.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return db.conn.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping() error {
	if err := db.conn.Ping(); err != nil {
		return persistence("ping", err)
	}
	return nil
}

// persistence wraps err, marking damaged database files as corrupt.
func persistence(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		err = fmt.Errorf("%w: %v", apperr.ErrCorrupt, err)
	}
	return &apperr.PersistenceError{Op: op, Err: err}
}
