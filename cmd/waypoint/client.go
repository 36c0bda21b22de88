package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/waypoint/internal/config"
	"github.com/hyperengineering/waypoint/pkg/placesync"
	"github.com/spf13/cobra"
)

var (
	clientServerOverride string
	clientDBOverride     string
	clientJSONOutput     bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Work with places on this device",
	Long: `Create, edit and list places in the local database and sync them with
the server. Edits are queued locally and only reach the server on "sync".`,
}

func init() {
	clientCmd.PersistentFlags().StringVar(&clientServerOverride, "server", "",
		"Server URL (overrides config and WAYPOINT_SERVER_URL)")
	clientCmd.PersistentFlags().StringVar(&clientDBOverride, "db", "",
		"Local database path (overrides config and WAYPOINT_CLIENT_DB_PATH)")
	clientCmd.PersistentFlags().BoolVar(&clientJSONOutput, "json", false,
		"Output in JSON format")

	clientCmd.AddCommand(clientAddCmd)
	clientCmd.AddCommand(clientEditCmd)
	clientCmd.AddCommand(clientRmCmd)
	clientCmd.AddCommand(clientLsCmd)
	clientCmd.AddCommand(clientConflictsCmd)
	clientCmd.AddCommand(clientResolveCmd)
	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientStatusCmd)
}

// openClient loads the client config, applies flag overrides and opens the
// local database. Logs go to stderr so they never mix with command output.
func openClient(ctx context.Context, cmd *cobra.Command) (*placesync.Client, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if clientServerOverride != "" {
		cfg.Client.ServerURL = clientServerOverride
	}
	if clientDBOverride != "" {
		cfg.Client.DBPath = clientDBOverride
	}

	return placesync.New(ctx, placesync.Config{
		LocalPath:      cfg.Client.DBPath,
		ServerURL:      cfg.Client.ServerURL,
		Token:          cfg.Client.Token,
		SyncInterval:   time.Duration(cfg.Client.SyncInterval),
		RequestTimeout: time.Duration(cfg.Client.RequestTimeout),
		BulkTimeout:    time.Duration(cfg.Client.BulkTimeout),
		MaxBatch:       cfg.Client.MaxBatch,
		Logger:         newLogger(cfg.Log, cmd.ErrOrStderr()),
	})
}

// placeOutput is the JSON shape of a local place.
type placeOutput struct {
	placesync.Place
	SyncStatus    placesync.SyncStatus `json:"syncStatus"`
	ServerVersion *placesync.Place     `json:"serverVersion,omitempty"`
}

func toOutput(lp placesync.LocalPlace) placeOutput {
	return placeOutput{Place: lp.Place, SyncStatus: lp.Status, ServerVersion: lp.ServerVersion}
}

func toOutputs(places []placesync.LocalPlace) []placeOutput {
	out := make([]placeOutput, len(places))
	for i, lp := range places {
		out[i] = toOutput(lp)
	}
	return out
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter creates a tabwriter for aligned column output.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printPlaces(w io.Writer, places []placesync.LocalPlace) {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "ID\tNAME\tCITY\tVISITED\tSTATUS")
	for _, lp := range places {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			lp.Key(),
			lp.Name,
			dash(lp.City),
			yesNo(lp.Visited),
			lp.Status,
		)
	}
	tw.Flush()
}

func printPlace(w io.Writer, lp *placesync.LocalPlace) {
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "ID:\t%s\n", lp.Key())
	fmt.Fprintf(tw, "Client ID:\t%s\n", lp.ClientID)
	fmt.Fprintf(tw, "Name:\t%s\n", lp.Name)
	fmt.Fprintf(tw, "City:\t%s\n", dash(lp.City))
	fmt.Fprintf(tw, "Country:\t%s\n", dash(lp.Country))
	if lp.Latitude != nil && lp.Longitude != nil {
		fmt.Fprintf(tw, "Location:\t%.6f, %.6f\n", *lp.Latitude, *lp.Longitude)
	}
	if lp.PlannedDate != nil {
		fmt.Fprintf(tw, "Planned:\t%s\n", lp.PlannedDate.Format("2006-01-02"))
	}
	fmt.Fprintf(tw, "Visited:\t%s\n", yesNo(lp.Visited))
	fmt.Fprintf(tw, "Status:\t%s\n", lp.Status)
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
