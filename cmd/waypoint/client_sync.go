package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	resolveKeepLocal bool
	syncFull         bool
)

var clientConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List places that conflict with the server",
	Args:  cobra.NoArgs,
	RunE:  runClientConflicts,
}

var clientResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a conflict by accepting the server copy (the default) or, with
--keep-local, by keeping this device's fields and sending them again.`,
	Args: cobra.ExactArgs(1),
	RunE: runClientResolve,
}

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync with the server now",
	Long: `Send queued changes to the server and fold in its answer.

With --full the complete server list is fetched as well, which also removes
places deleted on other devices.`,
	Args: cobra.NoArgs,
	RunE: runClientSync,
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync status",
	Args:  cobra.NoArgs,
	RunE:  runClientStatus,
}

func init() {
	clientResolveCmd.Flags().BoolVar(&resolveKeepLocal, "keep-local", false,
		"Keep this device's version instead of the server's")
	clientSyncCmd.Flags().BoolVar(&syncFull, "full", false,
		"Fetch the full server list and drop places deleted elsewhere")
}

func runClientConflicts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	conflicts, err := c.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"conflicts": toOutputs(conflicts),
			"total":     len(conflicts),
		})
	}

	if len(conflicts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tLOCAL NAME\tSERVER NAME\tSERVER MODIFIED")
	for _, lp := range conflicts {
		serverName, serverModified := "-", "-"
		if lp.ServerVersion != nil {
			serverName = lp.ServerVersion.Name
			serverModified = lp.ServerVersion.ModifiedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", lp.Key(), lp.Name, serverName, serverModified)
	}
	w.Flush()
	return nil
}

func runClientResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	lp, err := c.ResolveConflict(ctx, args[0], resolveKeepLocal)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", args[0], err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), toOutput(*lp))
	}
	if resolveKeepLocal {
		fmt.Fprintf(cmd.OutOrStdout(), "Kept local version of %s, queued for sync.\n", lp.Key())
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Accepted server version of %s.\n", lp.Key())
	}
	return nil
}

func runClientSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	sync := c.Sync
	if syncFull {
		sync = c.Refresh
	}
	result, err := sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"sent":        result.Sent,
			"remaining":   result.Remaining,
			"mapped":      result.Mapped,
			"merged":      result.Merged,
			"conflicts":   result.Conflicts,
			"rejected":    result.Rejected,
			"retrying":    result.Retrying,
			"pruned":      result.Pruned,
			"delta":       result.Delta,
			"synced_at":   result.SyncedAt,
			"duration_ms": result.Duration.Milliseconds(),
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Sent:\t%d\n", result.Sent)
	fmt.Fprintf(w, "Remaining:\t%d\n", result.Remaining)
	fmt.Fprintf(w, "Merged:\t%d\n", result.Merged)
	fmt.Fprintf(w, "Conflicts:\t%d\n", result.Conflicts)
	fmt.Fprintf(w, "Rejected:\t%d\n", len(result.Rejected))
	if result.Retrying > 0 {
		fmt.Fprintf(w, "Retrying:\t%d\n", result.Retrying)
	}
	if syncFull {
		fmt.Fprintf(w, "Pruned:\t%d\n", result.Pruned)
	}
	fmt.Fprintf(w, "Synced at:\t%s\n", result.SyncedAt.Format(time.RFC3339))
	w.Flush()

	for _, r := range result.Rejected {
		if r.Retryable() {
			fmt.Fprintf(cmd.ErrOrStderr(), "server failed on %s %s, will retry: %s\n", r.ActionType, r.ClientID, r.Message)
			continue
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "rejected %s %s: %s\n", r.ActionType, r.ClientID, r.Message)
	}
	return nil
}

func runClientStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"places":         stats.PlaceCount,
			"pending":        stats.PendingCount,
			"conflicts":      stats.ConflictCount,
			"queue_length":   stats.QueueLength,
			"last_synced_at": stats.LastSyncedAt,
		})
	}

	last := "never"
	if stats.LastSyncedAt != nil {
		last = stats.LastSyncedAt.Format(time.RFC3339)
	}
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Places:\t%d\n", stats.PlaceCount)
	fmt.Fprintf(w, "Pending:\t%d\n", stats.PendingCount)
	fmt.Fprintf(w, "Conflicts:\t%d\n", stats.ConflictCount)
	fmt.Fprintf(w, "Queued actions:\t%d\n", stats.QueueLength)
	fmt.Fprintf(w, "Last synced:\t%s\n", last)
	w.Flush()
	return nil
}
