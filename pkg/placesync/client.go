// Package placesync is the offline-first client library for the waypoint
// sync server.
//
// Every local change is written to the local store as pending and recorded
// in the mutation queue in the same transaction. A Syncer later sends the
// queue to the server in bulk and folds the server's answer back in without
// overwriting edits the server has not yet seen.
package placesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
	"github.com/hyperengineering/waypoint/internal/types"
	"github.com/hyperengineering/waypoint/internal/validation"
)

// Client is the placesync client for one user on one device.
type Client struct {
	config Config
	db     *sql.DB
	queue  *Queue
	local  *LocalStore
	syncer *Syncer
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
	trigger chan struct{}
}

// New creates a client that syncs with the HTTP server in config.
func New(ctx context.Context, config Config) (*Client, error) {
	config = withDefaults(config)
	remote := NewHTTPRemote(config.ServerURL, config.Token, config.RequestTimeout, config.BulkTimeout)
	return NewWithRemote(ctx, config, remote)
}

// NewWithRemote creates a client that syncs through the given remote.
func NewWithRemote(ctx context.Context, config Config, remote Remote) (*Client, error) {
	if config.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	config = withDefaults(config)

	db, err := OpenDB(ctx, config.LocalPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  config,
		db:      db,
		queue:   NewQueue(db),
		local:   NewLocalStore(db),
		logger:  config.Logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	c.syncer = NewSyncer(db, remote, &c.writeMu, config.MaxBatch, config.Logger)
	return c, nil
}

func withDefaults(config Config) Config {
	if config.SyncInterval == 0 {
		config.SyncInterval = time.Minute
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.BulkTimeout == 0 {
		config.BulkTimeout = 30 * time.Second
	}
	if config.MaxBatch == 0 {
		config.MaxBatch = 500
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// Close releases the local database. Queued actions stay on disk for the
// next session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// write runs fn in a local transaction with the write lock held.
func (c *Client) write(ctx context.Context, fn func(q *Queue, l *LocalStore) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return withTx(ctx, c.db, func(tx DBTX) error {
		return fn(c.queue.WithTx(tx), c.local.WithTx(tx))
	})
}

func validatePatch(patch PlacePatch, isCreate bool) error {
	if errs := validation.ValidatePlacePatch(patch, isCreate); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CreatePlace records a new place locally and queues it for the server.
// The returned record has a fresh client id and no server id yet.
func (c *Client) CreatePlace(ctx context.Context, patch PlacePatch) (*LocalPlace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := validatePatch(patch, true); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode create payload: %w", err)
	}

	now := c.now().UTC()
	lp := &LocalPlace{Status: StatusPending}
	lp.ClientID = uuid.NewString()
	lp.CreatedAt = now
	lp.ModifiedAt = now
	patch.Apply(&lp.Place)

	err = c.write(ctx, func(q *Queue, l *LocalStore) error {
		if err := l.Put(ctx, lp); err != nil {
			return err
		}
		_, err := q.Enqueue(ctx, Action{
			ActionType: wpsync.ActionCreate,
			EntityType: wpsync.EntityPlace,
			ClientID:   lp.ClientID,
			Payload:    payload,
			Timestamp:  now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.Trigger()
	return lp, nil
}

// UpdatePlace applies a partial edit to a local place and queues it.
// Editing a place in conflict discards the server copy: the edit is sent
// with a fresh timestamp.
func (c *Client) UpdatePlace(ctx context.Context, key string, patch PlacePatch) (*LocalPlace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if err := validatePatch(patch, false); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode update payload: %w", err)
	}

	var out *LocalPlace
	err = c.write(ctx, func(q *Queue, l *LocalStore) error {
		lp, err := l.Get(ctx, key)
		if err != nil {
			return err
		}
		if lp.DeletedAt != nil {
			return ErrNotFound
		}
		if patch.IsEmpty() {
			out = lp
			return nil
		}

		now := c.now().UTC()
		patch.Apply(&lp.Place)
		lp.ModifiedAt = now
		lp.Status = StatusPending
		lp.ServerVersion = nil
		if err := l.Put(ctx, lp); err != nil {
			return err
		}
		if _, err := q.Enqueue(ctx, Action{
			ActionType: wpsync.ActionUpdate,
			EntityType: wpsync.EntityPlace,
			ClientID:   lp.ClientID,
			ServerID:   lp.ID,
			Payload:    payload,
			Timestamp:  now,
		}); err != nil {
			return err
		}
		out = lp
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Trigger()
	return out, nil
}

// DeletePlace tombstones a local place and queues the delete. For a place
// the server has not yet mapped, earlier queued actions are dropped first;
// the delete is still queued so a create already in flight is undone.
// Deleting an already deleted place is a no-op.
func (c *Client) DeletePlace(ctx context.Context, key string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}

	deleted := false
	err := c.write(ctx, func(q *Queue, l *LocalStore) error {
		lp, err := l.Get(ctx, key)
		if err != nil {
			return err
		}
		if lp.DeletedAt != nil {
			return nil
		}

		if lp.ID == "" {
			if _, err := q.RemoveForEntity(ctx, lp.ClientID); err != nil {
				return err
			}
		}
		if err := l.Delete(ctx, lp.ClientID); err != nil {
			return err
		}
		if _, err := q.Enqueue(ctx, Action{
			ActionType: wpsync.ActionDelete,
			EntityType: wpsync.EntityPlace,
			ClientID:   lp.ClientID,
			ServerID:   lp.ID,
			Timestamp:  c.now().UTC(),
		}); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return err
	}

	if deleted {
		c.Trigger()
	}
	return nil
}

// GetPlace returns a live local place by server id or client id.
func (c *Client) GetPlace(ctx context.Context, key string) (*LocalPlace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	lp, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if lp.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return lp, nil
}

// ListPlaces returns every live local place.
func (c *Client) ListPlaces(ctx context.Context) ([]LocalPlace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.local.List(ctx)
}

// ListConflicts returns the places whose last edit lost to a newer server
// copy.
func (c *Client) ListConflicts(ctx context.Context) ([]LocalPlace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.local.ListConflicts(ctx)
}

// ResolveConflict settles a conflict. keepLocal re-queues the local fields
// as a full update stamped now; otherwise the server copy is accepted.
func (c *Client) ResolveConflict(ctx context.Context, key string, keepLocal bool) (*LocalPlace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	var out *LocalPlace
	err := c.write(ctx, func(q *Queue, l *LocalStore) error {
		lp, err := l.ResolveConflict(ctx, key, keepLocal)
		if err != nil {
			return err
		}
		out = lp
		if !keepLocal {
			return nil
		}

		payload, err := json.Marshal(types.PatchFromPlace(lp.Place))
		if err != nil {
			return fmt.Errorf("encode update payload: %w", err)
		}
		_, err = q.Enqueue(ctx, Action{
			ActionType: wpsync.ActionUpdate,
			EntityType: wpsync.EntityPlace,
			ClientID:   lp.ClientID,
			ServerID:   lp.ID,
			Payload:    payload,
			Timestamp:  c.now().UTC(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if keepLocal {
		c.Trigger()
	}
	return out, nil
}

// Sync runs one sync round now.
func (c *Client) Sync(ctx context.Context) (*SyncResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.syncer.Sync(ctx)
}

// Refresh runs a full sync round, merging the complete server list.
func (c *Client) Refresh(ctx context.Context) (*SyncResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.syncer.Refresh(ctx)
}

// Trigger asks the background loop to sync soon. Triggers made while one is
// already pending are merged.
func (c *Client) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on every trigger and on the configured interval until ctx is
// cancelled. Failed rounds are logged and retried on the next tick or
// trigger.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("sync loop started",
		"component", "placesync",
		"interval", c.config.SyncInterval.String(),
	)

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync loop stopped",
				"component", "placesync",
				"reason", "context_cancelled",
			)
			return nil
		case <-ticker.C:
		case <-c.trigger:
		}

		result, err := c.Sync(ctx)
		switch {
		case errors.Is(err, ErrClosed):
			return err
		case err != nil:
			// Already logged by the syncer; the queue is intact.
			continue
		case result.Remaining > result.Retrying:
			// More unsent actions than the server just failed on.
			c.Trigger()
		}
	}
}

// Stats returns local store statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	live, pending, conflicts, err := c.local.Counts(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := c.queue.Len(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		PlaceCount:    live,
		PendingCount:  pending,
		ConflictCount: conflicts,
		QueueLength:   queued,
	}
	last, err := c.local.LastSyncedAt(ctx)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		stats.LastSyncedAt = &last
	}
	return stats, nil
}
