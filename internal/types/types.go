package types

import (
	"time"
)

// SyncStatus is the client-side replication state of a place.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusConflict SyncStatus = "conflict"
)

// Place is a "place to go" owned by a single user.
//
// ID is assigned by the server and never changes once issued. ClientID is
// generated offline by the device that created the place and is immutable.
// A place with DeletedAt set is soft-deleted and excluded from every read.
type Place struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"clientId,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	Name           string     `json:"name"`
	Notes          string     `json:"notes"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	Address        string     `json:"address"`
	City           string     `json:"city"`
	Country        string     `json:"country"`
	PlannedDate    *time.Time `json:"plannedDate,omitempty"`
	Visited        bool       `json:"visited"`
	VisitedWithGeo bool       `json:"visitedWithGeo"`
	VisitedAt      *time.Time `json:"visitedAt,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ModifiedAt     time.Time  `json:"modifiedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// PlacePatch carries the field values of a create or a partial update.
// Nil fields are left unchanged.
type PlacePatch struct {
	Name           *string    `json:"name,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	Address        *string    `json:"address,omitempty"`
	City           *string    `json:"city,omitempty"`
	Country        *string    `json:"country,omitempty"`
	PlannedDate    *time.Time `json:"plannedDate,omitempty"`
	Visited        *bool      `json:"visited,omitempty"`
	VisitedWithGeo *bool      `json:"visitedWithGeo,omitempty"`
	VisitedAt      *time.Time `json:"visitedAt,omitempty"`
}

// IsEmpty reports whether the patch sets no fields.
func (p PlacePatch) IsEmpty() bool {
	return p == PlacePatch{}
}

// Apply copies every non-nil field of the patch onto place.
func (p PlacePatch) Apply(place *Place) {
	if p.Name != nil {
		place.Name = *p.Name
	}
	if p.Notes != nil {
		place.Notes = *p.Notes
	}
	if p.Latitude != nil {
		v := *p.Latitude
		place.Latitude = &v
	}
	if p.Longitude != nil {
		v := *p.Longitude
		place.Longitude = &v
	}
	if p.Address != nil {
		place.Address = *p.Address
	}
	if p.City != nil {
		place.City = *p.City
	}
	if p.Country != nil {
		place.Country = *p.Country
	}
	if p.PlannedDate != nil {
		t := p.PlannedDate.UTC()
		place.PlannedDate = &t
	}
	if p.Visited != nil {
		place.Visited = *p.Visited
	}
	if p.VisitedWithGeo != nil {
		place.VisitedWithGeo = *p.VisitedWithGeo
	}
	if p.VisitedAt != nil {
		t := p.VisitedAt.UTC()
		place.VisitedAt = &t
	}
}

// PatchFromPlace returns a patch that sets every user-editable field of place.
func PatchFromPlace(place Place) PlacePatch {
	p := PlacePatch{
		Name:           &place.Name,
		Notes:          &place.Notes,
		Latitude:       place.Latitude,
		Longitude:      place.Longitude,
		Address:        &place.Address,
		City:           &place.City,
		Country:        &place.Country,
		PlannedDate:    place.PlannedDate,
		Visited:        &place.Visited,
		VisitedWithGeo: &place.VisitedWithGeo,
		VisitedAt:      place.VisitedAt,
	}
	return p
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	PlaceCount int64  `json:"place_count"`
}

// StoreStats holds aggregate store statistics.
type StoreStats struct {
	PlaceCount   int64      `json:"place_count"`
	DeletedCount int64      `json:"deleted_count"`
	LastBackup   *time.Time `json:"last_backup,omitempty"`
}
