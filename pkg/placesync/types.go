package placesync

import (
	"log/slog"
	"time"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/types"
)

// Aliases for the shared domain and wire types so callers only need this
// package.
type (
	Place      = types.Place
	PlacePatch = types.PlacePatch
	SyncStatus = types.SyncStatus
	Action     = wpsync.Action
	ActionType = wpsync.ActionType
	EntityType = wpsync.EntityType
)

const (
	StatusSynced   = types.StatusSynced
	StatusPending  = types.StatusPending
	StatusConflict = types.StatusConflict
)

// Config holds the placesync client configuration.
type Config struct {
	LocalPath      string        // Local database path
	ServerURL      string        // Sync server base URL
	Token          string        // Bearer token identifying the user
	SyncInterval   time.Duration // Background sync interval (default: 1 minute)
	RequestTimeout time.Duration // Timeout for ordinary calls (default: 10s)
	BulkTimeout    time.Duration // Timeout for the bulk sync call (default: 30s)
	MaxBatch       int           // Maximum actions per bulk request (default: 500)
	Logger         *slog.Logger  // Defaults to slog.Default()
}

// LocalPlace is a place as held on the device, with its replication state.
//
// Place.ID is empty until the server has assigned an identifier.
// Place.ClientID is always set and is the stable local handle.
// ServerVersion holds the authoritative server copy while Status is
// StatusConflict.
type LocalPlace struct {
	Place
	Status        SyncStatus
	ServerVersion *Place
}

// Key returns the identifier the local store files the record under.
func (lp *LocalPlace) Key() string {
	if lp.ID != "" {
		return lp.ID
	}
	return lp.ClientID
}

// QueuedAction is an Action waiting in the mutation queue.
type QueuedAction struct {
	Seq        int64
	Action     Action
	RetryCount int
	LastError  string
}

// SyncResult summarises one sync round.
type SyncResult struct {
	Coalesced bool // another round was already running; nothing was done
	Sent      int  // actions included in the bulk request
	Remaining int  // actions still queued afterwards
	Mapped    int
	Merged    int
	Conflicts int
	Rejected  []wpsync.RejectedAction
	Retrying  int // rejected actions kept queued because the failure was transient
	Pruned    int
	Delta     bool // the round ran a delta fetch instead of a bulk sync
	SyncedAt  time.Time
	Duration  time.Duration
}

// Stats holds local store statistics.
type Stats struct {
	PlaceCount    int
	PendingCount  int
	ConflictCount int
	QueueLength   int
	LastSyncedAt  *time.Time
}
