package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyperengineering/waypoint/internal/api"
	"github.com/hyperengineering/waypoint/internal/config"
	"github.com/hyperengineering/waypoint/internal/reconcile"
	"github.com/hyperengineering/waypoint/internal/snapshot"
	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.Log, os.Stdout))
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return serve(ctx, cfg, ln)
}

// serve runs the HTTP server and the backup worker on ln until ctx is
// cancelled or the server fails, then shuts both down.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	var opts []store.Option
	if cfg.Backup.Dir != "" {
		opts = append(opts, store.WithSnapshotDir(cfg.Backup.Dir))
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}()
	slog.Info("store initialized", "path", cfg.Database.Path)

	if cfg.Auth.JWTSecret == "" {
		slog.Warn("jwt secret not set, authenticated requests will be rejected")
	}

	processor := reconcile.NewProcessor(db)
	delta := reconcile.NewDeltaFetcher(db)
	handler := api.NewHandler(db, processor, delta, []byte(cfg.Auth.JWTSecret), Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var backups *worker.BackupWorker
	if interval := time.Duration(cfg.Backup.Interval); interval > 0 {
		uploader, err := snapshot.NewUploader(cfg.Backup)
		if err != nil {
			ln.Close()
			return err
		}
		backups = worker.NewBackupWorker(db, uploader, interval, cfg.Backup.Keep)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server starting", "address", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	if backups != nil {
		g.Go(func() error {
			backups.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeout))
		defer cancel()

		// Drains in-flight requests.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		slog.Error("server stopped with error", "error", err)
	}
	slog.Info("shutdown complete")
	return err
}
