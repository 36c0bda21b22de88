// Package worker runs periodic background jobs for the sync server.
package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/waypoint/internal/snapshot"
)

// BackupStore defines the store operations needed by the backup worker.
type BackupStore interface {
	GenerateSnapshot(ctx context.Context) (string, error)
	PruneSnapshots(ctx context.Context, keep int) ([]string, error)
}

// BackupWorker takes periodic database backups, ships them to the
// configured uploader and retains the newest keep of them.
type BackupWorker struct {
	store    BackupStore
	uploader snapshot.Uploader
	interval time.Duration
	keep     int
}

// NewBackupWorker creates a worker with the given store, uploader, interval
// and retention count. A nil uploader keeps backups local; keep <= 0 never
// prunes.
func NewBackupWorker(store BackupStore, uploader snapshot.Uploader, interval time.Duration, keep int) *BackupWorker {
	if uploader == nil {
		uploader = &snapshot.NoopUploader{}
	}
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
		keep:     keep,
	}
}

// Run starts the worker loop. Takes a backup immediately on start, then on
// each interval, until ctx is cancelled. A backup in progress when ctx is
// cancelled runs to completion.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce takes a single backup and uploads it. Failures are logged and
// returned. Returns the backup name on success.
func (w *BackupWorker) RunOnce(ctx context.Context) (string, error) {
	start := time.Now()
	slog.Info("backup started",
		"component", "worker",
		"action", "backup_start",
	)

	path, err := w.store.GenerateSnapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("backup generation failed",
				"component", "worker",
				"action", "backup_failed",
				"error", err,
			)
		}
		return "", err
	}

	name := filepath.Base(path)
	// Upload is a tail step of an already-started backup.
	if err := w.uploader.Upload(context.WithoutCancel(ctx), name, path); err != nil {
		slog.Warn("backup upload failed",
			"component", "worker",
			"action", "upload_failed",
			"backup", name,
			"error", err,
		)
		return "", err
	}

	slog.Info("backup completed",
		"component", "worker",
		"action", "backup_complete",
		"backup", name,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.prune(context.WithoutCancel(ctx))
	return name, nil
}

// prune drops backups beyond the retention count. Failures are logged only:
// the new backup is already safe.
func (w *BackupWorker) prune(ctx context.Context) {
	if w.keep <= 0 {
		return
	}

	removed, err := w.store.PruneSnapshots(ctx, w.keep)
	for _, name := range removed {
		if rerr := w.uploader.Remove(ctx, name); rerr != nil {
			slog.Warn("backup removal failed",
				"component", "worker",
				"action", "prune_remove_failed",
				"backup", name,
				"error", rerr,
			)
		}
	}
	if err != nil {
		slog.Warn("backup prune failed",
			"component", "worker",
			"action", "prune_failed",
			"error", err,
		)
		return
	}
	if len(removed) > 0 {
		slog.Info("old backups pruned",
			"component", "worker",
			"action", "backup_prune",
			"removed", len(removed),
			"keep", w.keep,
		)
	}
}
