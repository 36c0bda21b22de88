package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/waypoint/internal/types"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the SQLite-backed place database.
type SQLiteStore struct {
	db          *sql.DB
	snapshotDir string
	now         func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithSnapshotDir sets the directory backups are written to.
// Defaults to a "backups" directory next to the database file.
func WithSnapshotDir(dir string) Option {
	return func(s *SQLiteStore) {
		s.snapshotDir = dir
	}
}

// WithClock overrides the store's clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		snapshotDir: filepath.Join(dir, "backups"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// dsn builds a connection string that applies the pragmas to every pooled
// connection, not just the first one.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(ON)",
		"synchronous(NORMAL)",
	} {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// GetStats returns aggregate store statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.StoreStats, error) {
	var stats types.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM places
	`).Scan(&stats.PlaceCount, &stats.DeletedCount)
	if err != nil {
		return nil, fmt.Errorf("count places: %w", err)
	}

	var lastBackup sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM backups`).Scan(&lastBackup); err != nil {
		return nil, fmt.Errorf("last backup: %w", err)
	}
	stats.LastBackup = parseNullTime(lastBackup)

	return &stats, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or by older tooling may use plain RFC 3339.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
