package placesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	wpsync "github.com/hyperengineering/waypoint/internal/sync"
)

// Syncer runs sync rounds between the local database and a Remote.
// At most one round runs at a time; Sync calls made while a round is
// active return immediately with Coalesced set.
type Syncer struct {
	db       *sql.DB
	queue    *Queue
	local    *LocalStore
	remote   Remote
	writeMu  *sync.Mutex
	maxBatch int
	logger   *slog.Logger

	running atomic.Bool
}

// NewSyncer creates a syncer. writeMu serialises local writes with the
// other writers of db and may be nil when the syncer is the only writer.
func NewSyncer(db *sql.DB, remote Remote, writeMu *sync.Mutex, maxBatch int, logger *slog.Logger) *Syncer {
	if writeMu == nil {
		writeMu = &sync.Mutex{}
	}
	if maxBatch <= 0 {
		maxBatch = wpsync.MaxBulkActions
	}
	if maxBatch > wpsync.MaxBulkActions {
		maxBatch = wpsync.MaxBulkActions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		db:       db,
		queue:    NewQueue(db),
		local:    NewLocalStore(db),
		remote:   remote,
		writeMu:  writeMu,
		maxBatch: maxBatch,
		logger:   logger,
	}
}

// Sync runs one round. When actions are queued the oldest batch is sent as
// a bulk sync; otherwise changes since the last sync are fetched.
//
// On a transport or server failure the queued actions stay in place with
// their retry counters bumped, and the error is returned.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	return s.round(ctx, false)
}

// Refresh runs a bulk sync even when nothing is queued, so the full server
// list is merged and records deleted elsewhere are pruned.
func (s *Syncer) Refresh(ctx context.Context) (*SyncResult, error) {
	return s.round(ctx, true)
}

func (s *Syncer) round(ctx context.Context, full bool) (*SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sync already running",
			"component", "placesync",
			"action", "sync_coalesced",
		)
		return &SyncResult{Coalesced: true}, nil
	}
	defer s.running.Store(false)

	start := time.Now()
	queued, err := s.queue.Drain(ctx)
	if err != nil {
		return nil, err
	}

	var result *SyncResult
	if len(queued) == 0 && !full {
		result, err = s.pullDelta(ctx)
	} else {
		result, err = s.pushBatch(ctx, queued)
	}
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	s.logger.Info("sync completed",
		"component", "placesync",
		"action", "sync_complete",
		"delta", result.Delta,
		"sent", result.Sent,
		"remaining", result.Remaining,
		"mapped", result.Mapped,
		"merged", result.Merged,
		"conflicts", result.Conflicts,
		"rejected", len(result.Rejected),
		"retrying", result.Retrying,
		"pruned", result.Pruned,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (s *Syncer) pushBatch(ctx context.Context, queued []QueuedAction) (*SyncResult, error) {
	batch := queued
	if len(batch) > s.maxBatch {
		batch = batch[:s.maxBatch]
	}

	actions := make([]wpsync.Action, len(batch))
	for i, qa := range batch {
		actions[i] = qa.Action
	}
	body := &wpsync.BulkSyncRequest{Actions: actions}
	last, err := s.local.LastSyncedAt(ctx)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() {
		body.LastSyncedAt = &last
	}

	resp, err := s.remote.BulkSync(ctx, body)
	if err == nil && !resp.Success {
		err = errors.New("bulk sync: server reported failure")
	}
	if err != nil {
		s.recordFailure(ctx, batch, err)
		return nil, err
	}

	result := &SyncResult{
		Sent:     len(batch),
		Rejected: resp.Rejected,
		SyncedAt: resp.SyncedAt,
	}
	for _, r := range resp.Rejected {
		s.logger.Warn("action rejected by server",
			"component", "placesync",
			"action", "action_rejected",
			"client_id", r.ClientID,
			"action_type", r.ActionType,
			"entity_type", r.EntityType,
			"code", r.Code,
			"message", r.Message,
		)
	}

	// The round already has the server's answer; finish recording it even if
	// the caller gives up.
	ctx = context.WithoutCancel(ctx)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = withTx(ctx, s.db, func(tx DBTX) error {
		return s.applyResponse(ctx, s.queue.WithTx(tx), s.local.WithTx(tx), batch, resp, result)
	})
	if err != nil {
		return nil, fmt.Errorf("apply sync response: %w", err)
	}

	if result.Remaining, err = s.queue.Len(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// applyResponse records a successful bulk response. Order matters: ids are
// mapped before anything looks records up by server id, and statuses are
// settled before the merge so acknowledged records take the server copy.
func (s *Syncer) applyResponse(ctx context.Context, q *Queue, l *LocalStore, batch []QueuedAction, resp *wpsync.BulkSyncResponse, result *SyncResult) error {
	for _, m := range resp.IDMappings {
		if err := l.RekeyToServerID(ctx, m.ClientID, m.ServerID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := q.AssignServerID(ctx, m.ClientID, m.ServerID); err != nil {
			return err
		}
		result.Mapped++
	}

	// Actions for an entity the server failed on internally stay queued so
	// the whole entity is resent in order next round.
	retry := make(map[string]wpsync.RejectedAction)
	for _, r := range resp.Rejected {
		if r.Retryable() {
			retry[r.ClientID] = r
		}
	}

	seqs := make([]int64, 0, len(batch))
	for _, qa := range batch {
		r, ok := retry[qa.Action.ClientID]
		if !ok {
			seqs = append(seqs, qa.Seq)
			continue
		}
		if err := q.IncrementRetry(ctx, qa.Seq, fmt.Errorf("%s: %s", r.Code, r.Message)); err != nil {
			return err
		}
		result.Retrying++
	}
	if err := q.Ack(ctx, seqs); err != nil {
		return err
	}

	for _, c := range resp.Conflicts {
		// A later queued edit supersedes the one that lost.
		n, err := q.CountForEntity(ctx, c.ClientID)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := l.MarkConflict(ctx, c.ClientID, c.ServerVersion); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		result.Conflicts++
	}

	if err := s.settle(ctx, q, l, batch); err != nil {
		return err
	}

	serverIDs := make([]string, 0, len(resp.UpdatedPlaces))
	for _, p := range resp.UpdatedPlaces {
		merged, err := l.Merge(ctx, p)
		if err != nil {
			return err
		}
		if merged {
			result.Merged++
		}
		serverIDs = append(serverIDs, p.ID)
	}

	pruned, err := l.PruneMissing(ctx, serverIDs)
	if err != nil {
		return err
	}
	result.Pruned = pruned

	return l.SetLastSyncedAt(ctx, resp.SyncedAt)
}

// settle updates the status of every entity in the batch that has nothing
// left in the queue. Pending records become synced, acknowledged tombstones
// are removed, and records the server refused to create are dropped.
func (s *Syncer) settle(ctx context.Context, q *Queue, l *LocalStore, batch []QueuedAction) error {
	seen := make(map[string]struct{}, len(batch))
	for _, qa := range batch {
		clientID := qa.Action.ClientID
		if _, ok := seen[clientID]; ok {
			continue
		}
		seen[clientID] = struct{}{}

		n, err := q.CountForEntity(ctx, clientID)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}

		lp, err := l.Get(ctx, clientID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if lp.Status != StatusPending {
			continue
		}

		switch {
		case lp.DeletedAt != nil:
			err = l.HardDelete(ctx, clientID)
		case lp.ID == "":
			s.logger.Warn("dropping place the server did not create",
				"component", "placesync",
				"action", "drop_unmapped",
				"client_id", clientID,
			)
			err = l.HardDelete(ctx, clientID)
		default:
			err = l.MarkSynced(ctx, clientID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) recordFailure(ctx context.Context, batch []QueuedAction, cause error) {
	s.logger.Warn("sync failed",
		"component", "placesync",
		"action", "sync_failed",
		"actions", len(batch),
		"error", cause,
	)

	ctx = context.WithoutCancel(ctx)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := withTx(ctx, s.db, func(tx DBTX) error {
		q := s.queue.WithTx(tx)
		for _, qa := range batch {
			if err := q.IncrementRetry(ctx, qa.Seq, cause); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record sync failure",
			"component", "placesync",
			"action", "retry_record_failed",
			"error", err,
		)
	}
}

func (s *Syncer) pullDelta(ctx context.Context) (*SyncResult, error) {
	since, err := s.local.LastSyncedAt(ctx)
	if err != nil {
		return nil, err
	}

	places, err := s.remote.ChangesSince(ctx, since)
	if err != nil {
		s.logger.Warn("delta fetch failed",
			"component", "placesync",
			"action", "delta_failed",
			"since", since,
			"error", err,
		)
		return nil, err
	}

	result := &SyncResult{Delta: true, SyncedAt: since}
	for _, p := range places {
		if p.UpdatedAt.After(result.SyncedAt) {
			result.SyncedAt = p.UpdatedAt
		}
	}

	ctx = context.WithoutCancel(ctx)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = withTx(ctx, s.db, func(tx DBTX) error {
		l := s.local.WithTx(tx)
		for _, p := range places {
			merged, err := l.Merge(ctx, p)
			if err != nil {
				return err
			}
			if merged {
				result.Merged++
			}
		}
		if result.SyncedAt.After(since) {
			return l.SetLastSyncedAt(ctx, result.SyncedAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply delta: %w", err)
	}
	return result, nil
}
