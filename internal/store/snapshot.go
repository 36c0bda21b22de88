package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// GenerateSnapshot writes a consistent copy of the database with VACUUM INTO
// and records it in the backups table. Returns the path of the new file.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.snapshotDir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	now := s.now()
	path := filepath.Join(s.snapshotDir, "waypoint-"+now.Format("20060102T150405.000000000Z")+".db")

	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (path, size_bytes, created_at) VALUES (?, ?, ?)
	`, path, info.Size(), formatTime(now)); err != nil {
		return "", fmt.Errorf("record snapshot: %w", err)
	}

	return path, nil
}

// PruneSnapshots removes all but the newest keep snapshots from disk and
// from the backups table. Returns the file names removed. keep <= 0 keeps
// everything.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path FROM backups ORDER BY id DESC LIMIT -1 OFFSET ?
	`, keep)
	if err != nil {
		return nil, fmt.Errorf("list old snapshots: %w", err)
	}
	type oldSnapshot struct {
		id   int64
		path string
	}
	var old []oldSnapshot
	for rows.Next() {
		var o oldSnapshot
		if err := rows.Scan(&o.id, &o.path); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan old snapshot: %w", err)
		}
		old = append(old, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(old))
	for _, o := range old {
		if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove snapshot %s: %w", o.path, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, o.id); err != nil {
			return removed, fmt.Errorf("forget snapshot %s: %w", o.path, err)
		}
		removed = append(removed, filepath.Base(o.path))
	}
	return removed, nil
}
