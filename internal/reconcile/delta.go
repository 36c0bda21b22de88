package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/waypoint/internal/types"
)

// DeltaStore is the store operation the delta fetcher needs.
type DeltaStore interface {
	ChangesSince(ctx context.Context, userID string, since time.Time) ([]types.Place, error)
}

// DeltaFetcher answers "what changed since my watermark" without touching
// the mutation queue path.
type DeltaFetcher struct {
	store DeltaStore
}

// NewDeltaFetcher creates a fetcher backed by store.
func NewDeltaFetcher(store DeltaStore) *DeltaFetcher {
	return &DeltaFetcher{store: store}
}

// ChangesSince returns the user's live places updated strictly after since,
// oldest change first. A zero since means the epoch.
func (f *DeltaFetcher) ChangesSince(ctx context.Context, userID string, since time.Time) ([]types.Place, error) {
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	places, err := f.store.ChangesSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("changes since: %w", err)
	}
	return places, nil
}
