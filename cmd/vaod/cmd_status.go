package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/httputil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/observability"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/serialmux"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/pipeline"
)

var statusFlags struct {
	admin   string
	timeout time.Duration
}

// statusClient is replaced in tests.
var statusClient httputil.HTTPClient = http.DefaultClient

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running vaod over its admin HTTP endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), statusFlags.timeout)
		defer cancel()
		base := statusFlags.admin
		if !strings.Contains(base, "://") {
			base = "http://" + base
		}
		base = strings.TrimSuffix(base, "/")

		var st pipeline.Status
		if err := httputil.GetJSON(ctx, statusClient, base+"/debug/vaod-status", &st); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "cycles:      %d\n", st.Cycles)
		fmt.Fprintf(w, "restarts:    %d\n", st.Restarts)
		fmt.Fprintf(w, "epoch:       %d\n", st.Epoch)
		fmt.Fprintf(w, "calibrating: %v\n", st.Calibrating)
		if !st.LastCycle.IsZero() {
			fmt.Fprintf(w, "last cycle:  %s (%s ago)\n", st.LastCycle.UTC().Format(time.RFC3339),
				time.Since(st.LastCycle).Round(time.Millisecond))
		}

		var health observability.HealthSummary
		err := httputil.GetJSON(ctx, statusClient, base+"/debug/vaod-health?last=1", &health)
		switch {
		case err != nil && !errors.Is(err, httputil.ErrStatus):
			return err
		case err != nil || len(health.Records) == 0:
			fmt.Fprintln(w, "health:      no cycles yet")
		default:
			rec := health.Records[len(health.Records)-1]
			fmt.Fprintf(w, "mode:        %s\n", rec.Mode)
			fmt.Fprintf(w, "features:    %d (applied %d, rejected %d)\n", rec.Features, rec.Applied, rec.Rejected)
			if rec.AttitudeSigma >= 0 {
				fmt.Fprintf(w, "att 1σ:      %.4f deg\n", rec.AttitudeSigma*180/math.Pi)
			}
			if rec.PositionSigma >= 0 {
				fmt.Fprintf(w, "pos 1σ:      %.1f m\n", rec.PositionSigma)
			}
			if rec.Skipped != "" {
				fmt.Fprintf(w, "skipped:     %s\n", rec.Skipped)
			}
		}

		var bus serialmux.LinkStats
		err = httputil.GetJSON(ctx, statusClient, base+"/debug/bus-stats", &bus)
		switch {
		case errors.Is(err, httputil.ErrStatus):
			fmt.Fprintln(w, "bus:         disabled")
		case err != nil:
			return err
		default:
			fmt.Fprintf(w, "bus:         sent %d, received %d, retries %d, malformed %d\n",
				bus.MessagesSent, bus.MessagesReceived, bus.Retries, bus.Malformed)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.admin, "admin", "localhost:8080", "Admin HTTP address of the running vaod")
	statusCmd.Flags().DurationVar(&statusFlags.timeout, "timeout", 5*time.Second, "Request timeout")
}
