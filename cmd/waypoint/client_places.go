package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/waypoint/pkg/placesync"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	placeNotes   string
	placeAddress string
	placeCity    string
	placeCountry string
	placeName    string
	placeLat     float64
	placeLng     float64
	placePlanned string
	placeVisited bool
)

var clientAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a place",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientAdd,
}

var clientEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a place",
	Long:  "Edit a place by server id or client id. Only the flags given are changed.",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientEdit,
}

var clientRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a place",
	Args:  cobra.ExactArgs(1),
	RunE:  runClientRm,
}

var clientLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List places on this device",
	Args:  cobra.NoArgs,
	RunE:  runClientLs,
}

func init() {
	for _, cmd := range []*cobra.Command{clientAddCmd, clientEditCmd} {
		f := cmd.Flags()
		f.StringVar(&placeNotes, "notes", "", "Free-form notes")
		f.StringVar(&placeAddress, "address", "", "Street address")
		f.StringVar(&placeCity, "city", "", "City")
		f.StringVar(&placeCountry, "country", "", "Country")
		f.Float64Var(&placeLat, "lat", 0, "Latitude")
		f.Float64Var(&placeLng, "lng", 0, "Longitude")
		f.StringVar(&placePlanned, "planned", "", "Planned date (YYYY-MM-DD or RFC 3339)")
		f.BoolVar(&placeVisited, "visited", false, "Mark the place as visited")
	}
	clientEditCmd.Flags().StringVar(&placeName, "name", "", "New name")
}

// patchFromFlags builds a patch from the flags the user actually set.
func patchFromFlags(flags *pflag.FlagSet) (placesync.PlacePatch, error) {
	var p placesync.PlacePatch
	if flags.Changed("name") {
		p.Name = &placeName
	}
	if flags.Changed("notes") {
		p.Notes = &placeNotes
	}
	if flags.Changed("address") {
		p.Address = &placeAddress
	}
	if flags.Changed("city") {
		p.City = &placeCity
	}
	if flags.Changed("country") {
		p.Country = &placeCountry
	}
	if flags.Changed("lat") {
		p.Latitude = &placeLat
	}
	if flags.Changed("lng") {
		p.Longitude = &placeLng
	}
	if flags.Changed("planned") {
		t, err := parseDate(placePlanned)
		if err != nil {
			return p, err
		}
		p.PlannedDate = &t
	}
	if flags.Changed("visited") {
		p.Visited = &placeVisited
		if placeVisited {
			now := time.Now().UTC()
			p.VisitedAt = &now
		}
	}
	return p, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}

func runClientAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	patch, err := patchFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	name := args[0]
	patch.Name = &name

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	lp, err := c.CreatePlace(ctx, patch)
	if err != nil {
		return fmt.Errorf("add place: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), toOutput(*lp))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %q (%s), queued for sync.\n", lp.Name, lp.ClientID)
	return nil
}

func runClientEdit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	patch, err := patchFromFlags(cmd.Flags())
	if err != nil {
		return err
	}
	if patch.IsEmpty() {
		return errors.New("nothing to change: pass at least one field flag")
	}

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	lp, err := c.UpdatePlace(ctx, args[0], patch)
	if err != nil {
		return fmt.Errorf("edit place %s: %w", args[0], err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), toOutput(*lp))
	}
	printPlace(cmd.OutOrStdout(), lp)
	return nil
}

func runClientRm(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.DeletePlace(ctx, args[0]); err != nil {
		return fmt.Errorf("delete place %s: %w", args[0], err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0]})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s, queued for sync.\n", args[0])
	return nil
}

func runClientLs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	c, err := openClient(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	places, err := c.ListPlaces(ctx)
	if err != nil {
		return fmt.Errorf("list places: %w", err)
	}

	if clientJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"places": toOutputs(places),
			"total":  len(places),
		})
	}

	if len(places) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No places yet.")
		return nil
	}
	printPlaces(cmd.OutOrStdout(), places)
	return nil
}
