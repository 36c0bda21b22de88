package store

import (
	"context"
	"time"

	"github.com/hyperengineering/waypoint/internal/types"
)

// Store defines the interface contract for server-side place storage.
// Every read is scoped to one user and excludes soft-deleted rows.
type Store interface {
	FindAll(ctx context.Context, userID string) ([]types.Place, error)
	FindOne(ctx context.Context, userID, id string) (*types.Place, error)
	FindByClientID(ctx context.Context, userID, clientID string) (*types.Place, error)
	Create(ctx context.Context, place *types.Place) error
	Update(ctx context.Context, place *types.Place, expectedVersion int64) error
	SoftDelete(ctx context.Context, userID, id string) (bool, error)
	ChangesSince(ctx context.Context, userID string, since time.Time) ([]types.Place, error)
	GenerateSnapshot(ctx context.Context) (string, error)
	PruneSnapshots(ctx context.Context, keep int) ([]string, error)
	GetStats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}
