package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/db"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/storage/sqlite"
)

var tleCmd = &cobra.Command{
	Use:   "tle",
	Short: "Manage the orbit prior used to initialise the filter",
}

var tleSetCmd = &cobra.Command{
	Use:   "set <line1> <line2>",
	Short: "Store a two-line element set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tle := l4dynamics.TLE{Line1: args[0], Line2: args[1]}
		return withTLEs(func(store *sqlite.TLEStore) error {
			if err := store.Set(cmd.Context(), tle); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "TLE stored; it seeds the filter from the next run")
			return nil
		})
	},
}

var tleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the newest TLE and the position it predicts now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTLEs(func(store *sqlite.TLEStore) error {
			tle, stored, err := store.Latest(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, tle.Line1)
			fmt.Fprintln(w, tle.Line2)
			fmt.Fprintf(w, "stored %s\n", stored.UTC().Format(time.RFC3339))
			now := time.Now().UTC()
			prior, err := l4dynamics.TLEPrior(tle, now, 0, 0)
			if err != nil {
				fmt.Fprintf(w, "cannot propagate to %s: %v\n", now.Format(time.RFC3339), err)
				return nil
			}
			p := prior.Position
			fmt.Fprintf(w, "position at %s: [%.1f %.1f %.1f] km, altitude %.1f km\n",
				now.Format(time.RFC3339), p[0]/1e3, p[1]/1e3, p[2]/1e3, (p.Norm()-l4dynamics.EarthRadius)/1e3)
			return nil
		})
	},
}

func init() {
	tleCmd.AddCommand(tleSetCmd, tleShowCmd)
}

func withTLEs(fn func(*sqlite.TLEStore) error) error {
	database, err := db.NewDB(rootFlags.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(sqlite.NewTLEStore(database.DB))
}
