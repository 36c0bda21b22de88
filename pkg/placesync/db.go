package placesync

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DBTX is the subset of database/sql used by Queue and LocalStore.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS places (
	id             TEXT PRIMARY KEY,
	client_id      TEXT NOT NULL UNIQUE,
	server_id      TEXT UNIQUE,
	data           TEXT NOT NULL,
	sync_status    TEXT NOT NULL,
	server_version TEXT,
	deleted_at     TEXT,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_places_sync_status ON places(sync_status);

CREATE TABLE IF NOT EXISTS sync_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	action_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	server_id   TEXT,
	payload     TEXT,
	timestamp   TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_client_id ON sync_queue(client_id);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenDB opens (creating if needed) the local database at path and applies
// the schema. The pool is limited to one connection: a device has a single
// writer.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply local schema: %w", err)
	}
	return db, nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
