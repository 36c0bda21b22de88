package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/oklog/ulid/v2"
)

const placeColumns = `
	id, user_id, client_id, name, notes, latitude, longitude, address, city, country,
	planned_date, visited, visited_with_geo, visited_at, version,
	created_at, updated_at, modified_at, deleted_at`

// scanPlace scans a row selected with placeColumns.
func scanPlace(scanner interface{ Scan(...any) error }) (*types.Place, error) {
	var p types.Place
	var clientID, plannedDate, visitedAt, deletedAt sql.NullString
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt, modifiedAt string

	err := scanner.Scan(
		&p.ID,
		&p.UserID,
		&clientID,
		&p.Name,
		&p.Notes,
		&lat,
		&lng,
		&p.Address,
		&p.City,
		&p.Country,
		&plannedDate,
		&p.Visited,
		&p.VisitedWithGeo,
		&visitedAt,
		&p.Version,
		&createdAt,
		&updatedAt,
		&modifiedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	p.ClientID = clientID.String
	if lat.Valid {
		v := lat.Float64
		p.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		p.Longitude = &v
	}
	p.PlannedDate = parseNullTime(plannedDate)
	p.VisitedAt = parseNullTime(visitedAt)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.ModifiedAt = parseTime(modifiedAt)
	p.DeletedAt = parseNullTime(deletedAt)

	return &p, nil
}

func (s *SQLiteStore) queryPlaces(ctx context.Context, query string, args ...any) ([]types.Place, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query places: %w", err)
	}
	defer rows.Close()

	places := make([]types.Place, 0)
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan place: %w", err)
		}
		places = append(places, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return places, nil
}

func (s *SQLiteStore) queryPlace(ctx context.Context, query string, args ...any) (*types.Place, error) {
	p, err := scanPlace(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan place: %w", err)
	}
	return p, nil
}

// FindAll returns the user's live places, oldest first.
func (s *SQLiteStore) FindAll(ctx context.Context, userID string) ([]types.Place, error) {
	return s.queryPlaces(ctx, `
		SELECT `+placeColumns+`
		FROM places
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, userID)
}

// FindOne returns a live place by server id.
func (s *SQLiteStore) FindOne(ctx context.Context, userID, id string) (*types.Place, error) {
	return s.queryPlace(ctx, `
		SELECT `+placeColumns+`
		FROM places
		WHERE user_id = ? AND id = ? AND deleted_at IS NULL
	`, userID, id)
}

// FindByClientID returns the live place a device created with clientID.
func (s *SQLiteStore) FindByClientID(ctx context.Context, userID, clientID string) (*types.Place, error) {
	return s.queryPlace(ctx, `
		SELECT `+placeColumns+`
		FROM places
		WHERE user_id = ? AND client_id = ? AND deleted_at IS NULL
	`, userID, clientID)
}

// ChangesSince returns live places updated strictly after since, in
// ascending updated_at order.
func (s *SQLiteStore) ChangesSince(ctx context.Context, userID string, since time.Time) ([]types.Place, error) {
	return s.queryPlaces(ctx, `
		SELECT `+placeColumns+`
		FROM places
		WHERE user_id = ? AND deleted_at IS NULL AND updated_at > ?
		ORDER BY updated_at ASC, id ASC
	`, userID, formatTime(since))
}

// Create inserts a new place. ID, Version, CreatedAt and UpdatedAt are
// assigned here; a zero ModifiedAt defaults to the creation time.
// Returns ErrDuplicateClientID when a live place already uses the client id.
func (s *SQLiteStore) Create(ctx context.Context, p *types.Place) error {
	now := s.now()
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = now
	}

	var clientID any
	if p.ClientID != "" {
		clientID = p.ClientID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO places (`+placeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		p.ID,
		p.UserID,
		clientID,
		p.Name,
		p.Notes,
		p.Latitude,
		p.Longitude,
		p.Address,
		p.City,
		p.Country,
		nullTime(p.PlannedDate),
		p.Visited,
		p.VisitedWithGeo,
		nullTime(p.VisitedAt),
		p.Version,
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
		formatTime(p.ModifiedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClientID
		}
		return fmt.Errorf("insert place: %w", err)
	}
	return nil
}

// Update writes every editable field of p if the stored version still equals
// expectedVersion. On success p.Version and p.UpdatedAt reflect the new row.
// Returns ErrVersionConflict if the row changed underneath the caller, or
// ErrNotFound if it no longer exists.
func (s *SQLiteStore) Update(ctx context.Context, p *types.Place, expectedVersion int64) error {
	now := s.now()
	if p.ModifiedAt.IsZero() {
		p.ModifiedAt = now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE places SET
			name = ?, notes = ?, latitude = ?, longitude = ?,
			address = ?, city = ?, country = ?, planned_date = ?,
			visited = ?, visited_with_geo = ?, visited_at = ?,
			version = version + 1, updated_at = ?, modified_at = ?
		WHERE user_id = ? AND id = ? AND version = ? AND deleted_at IS NULL
	`,
		p.Name,
		p.Notes,
		p.Latitude,
		p.Longitude,
		p.Address,
		p.City,
		p.Country,
		nullTime(p.PlannedDate),
		p.Visited,
		p.VisitedWithGeo,
		nullTime(p.VisitedAt),
		formatTime(now),
		formatTime(p.ModifiedAt),
		p.UserID,
		p.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update place: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.FindOne(ctx, p.UserID, p.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	p.Version = expectedVersion + 1
	p.UpdatedAt = now
	return nil
}

// SoftDelete marks a live place deleted. Deleting a missing or already
// deleted place is a no-op and reports false.
func (s *SQLiteStore) SoftDelete(ctx context.Context, userID, id string) (bool, error) {
	now := formatTime(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE places
		SET deleted_at = ?, updated_at = ?, version = version + 1
		WHERE user_id = ? AND id = ? AND deleted_at IS NULL
	`, now, now, userID, id)
	if err != nil {
		return false, fmt.Errorf("soft delete place: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
