package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

var replayFlags struct {
	cameraConfig string
	cameraID     string
	catalog      string
	period       time.Duration
	epoch        string
}

var replayCmd = &cobra.Command{
	Use:   "replay <dir>",
	Short: "Run the estimator over a directory of recorded frames",
	Long: `replay feeds the images in <dir>, in name order, through the pipeline
as if they were captured --period apart. Health, faults and estimates are
stored under a new run in the database; a summary is printed at the end.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		epoch := l4dynamics.Epoch{UTC: time.Now().UTC()}
		if replayFlags.epoch != "" {
			t, err := time.Parse(time.RFC3339, replayFlags.epoch)
			if err != nil {
				return fmt.Errorf("--epoch: %w", err)
			}
			epoch.UTC = t.UTC()
		}
		driver, err := l1frames.NewReplayDriver(args[0], l1frames.ReplayOptions{
			CameraID: replayFlags.cameraID,
			Period:   replayFlags.period,
		})
		if err != nil {
			return err
		}

		log := newLogger()
		st, err := buildStack(ctx, log, stackOptions{
			source:       "replay:" + args[0],
			driver:       driver,
			cameraID:     replayFlags.cameraID,
			catalogPath:  replayFlags.catalog,
			cameraConfig: replayFlags.cameraConfig,
			epoch:        epoch,
		})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.runPipeline(ctx); err != nil {
			return err
		}
		sum, err := st.summary(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sum)
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayFlags.cameraConfig, "camera-config", "config/camera.yaml", "Camera YAML imported when the database has no calibration")
	f.StringVar(&replayFlags.cameraID, "camera", "", "Camera the frames came from (default: first calibrated camera)")
	f.StringVar(&replayFlags.catalog, "catalog", "config/stars.csv", "Star catalog CSV")
	f.DurationVar(&replayFlags.period, "period", 100*time.Millisecond, "Spacing between frames")
	f.StringVar(&replayFlags.epoch, "epoch", "", "UTC of the first frame, RFC3339 (default: now)")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
