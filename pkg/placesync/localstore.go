package placesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const metaLastSyncedAt = "last_synced_at"

// LocalStore holds the device's copy of the user's places.
//
// A record is filed under its server id once one is known and under its
// client id before that; Get accepts either. Records whose status is
// pending are never overwritten by Merge.
type LocalStore struct {
	db  DBTX
	now func() time.Time
}

// NewLocalStore returns a local store backed by db.
func NewLocalStore(db DBTX) *LocalStore {
	return &LocalStore{db: db, now: time.Now}
}

// WithTx returns a store that runs its statements on tx.
func (s *LocalStore) WithTx(tx DBTX) *LocalStore {
	return &LocalStore{db: tx, now: s.now}
}

const selectLocal = `
	SELECT client_id, server_id, data, sync_status, server_version, deleted_at
	FROM places
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocalPlace(row rowScanner) (*LocalPlace, error) {
	var (
		clientID                 string
		serverID                 sql.NullString
		data, status             string
		serverVersion, deletedAt sql.NullString
	)
	if err := row.Scan(&clientID, &serverID, &data, &status, &serverVersion, &deletedAt); err != nil {
		return nil, err
	}

	lp := &LocalPlace{Status: SyncStatus(status)}
	if err := json.Unmarshal([]byte(data), &lp.Place); err != nil {
		return nil, fmt.Errorf("decode local place %s: %w", clientID, err)
	}
	lp.ID = serverID.String
	lp.ClientID = clientID
	lp.DeletedAt = nil
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		lp.DeletedAt = &t
	}
	if serverVersion.Valid {
		var sv Place
		if err := json.Unmarshal([]byte(serverVersion.String), &sv); err != nil {
			return nil, fmt.Errorf("decode server version of %s: %w", clientID, err)
		}
		lp.ServerVersion = &sv
	}
	return lp, nil
}

// Get returns the record filed under key, which may be a server id or a
// client id. Tombstoned records are returned with DeletedAt set.
func (s *LocalStore) Get(ctx context.Context, key string) (*LocalPlace, error) {
	row := s.db.QueryRowContext(ctx, selectLocal+`WHERE id = ? OR client_id = ? OR server_id = ? LIMIT 1`, key, key, key)
	lp, err := scanLocalPlace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get local place %s: %w", key, err)
	}
	return lp, nil
}

// Put inserts or replaces the record identified by lp.ClientID.
func (s *LocalStore) Put(ctx context.Context, lp *LocalPlace) error {
	if lp.ClientID == "" {
		return errors.New("put local place: client id is required")
	}
	if lp.Status == "" {
		lp.Status = StatusPending
	}

	data, err := json.Marshal(lp.Place)
	if err != nil {
		return fmt.Errorf("encode local place %s: %w", lp.ClientID, err)
	}
	var serverVersion sql.NullString
	if lp.ServerVersion != nil {
		sv, err := json.Marshal(lp.ServerVersion)
		if err != nil {
			return fmt.Errorf("encode server version of %s: %w", lp.ClientID, err)
		}
		serverVersion = sql.NullString{String: string(sv), Valid: true}
	}
	var deletedAt sql.NullString
	if lp.DeletedAt != nil {
		deletedAt = sql.NullString{String: formatTime(*lp.DeletedAt), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO places (id, client_id, server_id, data, sync_status, server_version, deleted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			id = excluded.id,
			server_id = excluded.server_id,
			data = excluded.data,
			sync_status = excluded.sync_status,
			server_version = excluded.server_version,
			deleted_at = excluded.deleted_at,
			updated_at = excluded.updated_at
	`, lp.Key(), lp.ClientID, nullString(lp.ID), string(data), string(lp.Status), serverVersion, deletedAt, formatTime(s.now())); err != nil {
		return fmt.Errorf("put local place %s: %w", lp.ClientID, err)
	}
	return nil
}

// Delete tombstones the record filed under key and marks it pending. The row
// stays until the server has acknowledged the delete.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE places SET deleted_at = ?, sync_status = ?, updated_at = ?
		WHERE id = ? OR client_id = ? OR server_id = ?
	`, now, string(StatusPending), now, key, key, key)
	if err != nil {
		return fmt.Errorf("delete local place %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDelete removes the record filed under key. Missing records are ignored.
func (s *LocalStore) HardDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM places WHERE id = ? OR client_id = ? OR server_id = ?`, key, key, key); err != nil {
		return fmt.Errorf("hard delete local place %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) list(ctx context.Context, where string, args ...any) ([]LocalPlace, error) {
	rows, err := s.db.QueryContext(ctx, selectLocal+where+` ORDER BY updated_at ASC, client_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list local places: %w", err)
	}
	defer rows.Close()

	out := []LocalPlace{}
	for rows.Next() {
		lp, err := scanLocalPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan local place: %w", err)
		}
		out = append(out, *lp)
	}
	return out, rows.Err()
}

// List returns every record that is not tombstoned.
func (s *LocalStore) List(ctx context.Context) ([]LocalPlace, error) {
	return s.list(ctx, `WHERE deleted_at IS NULL`)
}

// ListPending returns every record with status pending, tombstones included.
func (s *LocalStore) ListPending(ctx context.Context) ([]LocalPlace, error) {
	return s.list(ctx, `WHERE sync_status = ?`, string(StatusPending))
}

// ListConflicts returns every record with status conflict.
func (s *LocalStore) ListConflicts(ctx context.Context) ([]LocalPlace, error) {
	return s.list(ctx, `WHERE sync_status = ?`, string(StatusConflict))
}

// Merge folds a server snapshot into the store.
//
// A pending record is left alone: it carries a local edit the server has not
// seen. A conflict record keeps its local fields and status and only has its
// server copy refreshed. Anything else is replaced by the snapshot and
// marked synced. Reports whether the local fields were replaced.
func (s *LocalStore) Merge(ctx context.Context, snap Place) (bool, error) {
	if snap.ID == "" {
		return false, errors.New("merge: server snapshot has no id")
	}

	existing, err := s.findForMerge(ctx, snap)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if existing == nil {
		clientID := snap.ClientID
		if clientID == "" {
			clientID = snap.ID
		}
		snap.ClientID = clientID
		return true, s.Put(ctx, &LocalPlace{Place: snap, Status: StatusSynced})
	}

	switch existing.Status {
	case StatusPending:
		return false, nil
	case StatusConflict:
		existing.ServerVersion = &snap
		return false, s.Put(ctx, existing)
	}

	clientID := existing.ClientID
	snap.ClientID = clientID
	snap.DeletedAt = nil
	return true, s.Put(ctx, &LocalPlace{Place: snap, Status: StatusSynced})
}

func (s *LocalStore) findForMerge(ctx context.Context, snap Place) (*LocalPlace, error) {
	row := s.db.QueryRowContext(ctx, selectLocal+`WHERE server_id = ? LIMIT 1`, snap.ID)
	lp, err := scanLocalPlace(row)
	if err == nil {
		return lp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find local place %s: %w", snap.ID, err)
	}
	if snap.ClientID == "" {
		return nil, ErrNotFound
	}
	return s.Get(ctx, snap.ClientID)
}

// RekeyToServerID files the record created under clientID under the server
// id it was assigned. A stray record already filed under serverID is
// replaced.
func (s *LocalStore) RekeyToServerID(ctx context.Context, clientID, serverID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM places WHERE (id = ? OR server_id = ?) AND client_id <> ?
	`, serverID, serverID, clientID); err != nil {
		return fmt.Errorf("clear stale record %s: %w", serverID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE places SET id = ?, server_id = ?, updated_at = ? WHERE client_id = ?
	`, serverID, serverID, formatTime(s.now()), clientID)
	if err != nil {
		return fmt.Errorf("rekey %s to %s: %w", clientID, serverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *LocalStore) setStatus(ctx context.Context, key string, status SyncStatus, serverVersion sql.NullString) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE places SET sync_status = ?, server_version = ?, updated_at = ?
		WHERE id = ? OR client_id = ? OR server_id = ?
	`, string(status), serverVersion, formatTime(s.now()), key, key, key)
	if err != nil {
		return fmt.Errorf("set status of %s to %s: %w", key, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced marks the record filed under key as synced.
func (s *LocalStore) MarkSynced(ctx context.Context, key string) error {
	return s.setStatus(ctx, key, StatusSynced, sql.NullString{})
}

// MarkConflict marks the record filed under key as conflicting with the
// given authoritative server copy. Local fields are kept for the user to
// compare.
func (s *LocalStore) MarkConflict(ctx context.Context, key string, server Place) error {
	data, err := json.Marshal(server)
	if err != nil {
		return fmt.Errorf("encode server version of %s: %w", key, err)
	}
	return s.setStatus(ctx, key, StatusConflict, sql.NullString{String: string(data), Valid: true})
}

// ResolveConflict settles a conflict. With keepLocal the local fields stay
// and the record returns to pending so they can be re-sent; otherwise the
// server copy replaces the local fields and the record becomes synced.
// Returns the record after resolution.
func (s *LocalStore) ResolveConflict(ctx context.Context, key string, keepLocal bool) (*LocalPlace, error) {
	lp, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if lp.Status != StatusConflict {
		return nil, ErrNotInConflict
	}

	if keepLocal {
		lp.Status = StatusPending
		lp.ServerVersion = nil
	} else {
		server := lp.ServerVersion
		if server == nil {
			return nil, fmt.Errorf("resolve %s: conflict has no server copy", key)
		}
		clientID := lp.ClientID
		lp = &LocalPlace{Place: *server, Status: StatusSynced}
		lp.ClientID = clientID
	}

	if err := s.Put(ctx, lp); err != nil {
		return nil, err
	}
	return lp, nil
}

// PruneMissing removes synced records whose server id is not in serverIDs.
// They were deleted on the server or on another device. Pending and
// conflict records are kept. Returns the number of records removed.
func (s *LocalStore) PruneMissing(ctx context.Context, serverIDs []string) (int, error) {
	keep := make(map[string]struct{}, len(serverIDs))
	for _, id := range serverIDs {
		keep[id] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id FROM places WHERE sync_status = ? AND server_id IS NOT NULL
	`, string(StatusSynced))
	if err != nil {
		return 0, fmt.Errorf("list synced places: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan synced place: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM places WHERE server_id = ? AND sync_status = ?`, id, string(StatusSynced)); err != nil {
			return 0, fmt.Errorf("prune %s: %w", id, err)
		}
	}
	return len(stale), nil
}

// LastSyncedAt returns the server time of the last completed sync, or the
// zero time if the device has never synced.
func (s *LocalStore) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metaLastSyncedAt).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last synced at: %w", err)
	}
	return parseTime(v), nil
}

// SetLastSyncedAt records the server time of a completed sync.
func (s *LocalStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaLastSyncedAt, formatTime(t)); err != nil {
		return fmt.Errorf("write last synced at: %w", err)
	}
	return nil
}

// Counts returns the number of live, pending and conflicting records.
func (s *LocalStore) Counts(ctx context.Context) (live, pending, conflicts int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN sync_status = ? THEN 1 ELSE 0 END), 0)
		FROM places
	`, string(StatusPending), string(StatusConflict)).Scan(&live, &pending, &conflicts)
	if err != nil {
		err = fmt.Errorf("count local places: %w", err)
	}
	return live, pending, conflicts, err
}
