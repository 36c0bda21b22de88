package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/waypoint/internal/config"
	"github.com/hyperengineering/waypoint/internal/snapshot"
	"github.com/hyperengineering/waypoint/internal/store"
	"github.com/hyperengineering/waypoint/internal/worker"
	"github.com/spf13/cobra"
)

var backupJSONOutput bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a single database backup",
	Long: `Take a consistent copy of the server database and, when a backup
bucket is configured, upload it and print a presigned download URL.`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().BoolVar(&backupJSONOutput, "json", false, "Output in JSON format")
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts []store.Option
	if cfg.Backup.Dir != "" {
		opts = append(opts, store.WithSnapshotDir(cfg.Backup.Dir))
	}
	db, err := store.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		return err
	}
	defer db.Close()

	uploader, err := snapshot.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}

	name, err := worker.NewBackupWorker(db, uploader, 0, cfg.Backup.Keep).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}

	url, expires, err := uploader.PresignedURL(ctx, name)
	if err != nil && !errors.Is(err, snapshot.ErrNotConfigured) {
		return fmt.Errorf("presign backup: %w", err)
	}
	uploaded := err == nil

	if backupJSONOutput {
		out := map[string]any{
			"name":     name,
			"uploaded": uploaded,
		}
		if uploaded {
			out["url"] = url
			out["expires_at"] = expires.UTC().Format(time.RFC3339)
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backup %s written.\n", name)
	if uploaded {
		fmt.Fprintf(cmd.OutOrStdout(), "Download (expires %s):\n%s\n", expires.UTC().Format(time.RFC3339), url)
	}
	return nil
}
