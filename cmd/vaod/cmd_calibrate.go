package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/db"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/storage/sqlite"
)

var calibrateFlags struct {
	showYAML bool
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Import and inspect camera calibrations",
}

var calibrateImportCmd = &cobra.Command{
	Use:   "import <camera.yaml>",
	Short: "Store a camera YAML as the new active calibration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		tuning, err := loadTuning()
		if err != nil {
			return err
		}
		return withCalibrations(func(store *sqlite.CalibrationStore) error {
			calib, err := store.Import(cmd.Context(), data, l3measurements.NoiseModelFromTuning(tuning), "file:"+args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported calibration %d (%d camera(s)) and made it active\n",
				calib.Version, len(calib.Cameras))
			return nil
		})
	},
}

var calibrateShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Print a calibration, the active one by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCalibrations(func(store *sqlite.CalibrationStore) error {
			var (
				rec *sqlite.CalibrationRecord
				err error
			)
			if len(args) == 1 {
				v, perr := strconv.ParseUint(args[0], 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				rec, err = store.Get(cmd.Context(), v)
			} else {
				rec, err = store.Active(cmd.Context())
			}
			if err != nil {
				return err
			}
			if calibrateFlags.showYAML {
				_, err := cmd.OutOrStdout().Write(rec.CameraYAML)
				return err
			}
			calib, err := rec.Calibration()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), calibrationView(rec, calib))
		})
	},
}

var calibrateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored calibrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCalibrations(func(store *sqlite.CalibrationStore) error {
			recs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tACTIVE\tCREATED\tSOURCE")
			for _, r := range recs {
				active := ""
				if r.Active {
					active = "*"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Version, active,
					time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339), r.Source)
			}
			return tw.Flush()
		})
	},
}

var calibrateActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Make a stored calibration the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withCalibrations(func(store *sqlite.CalibrationStore) error {
			if err := store.Activate(cmd.Context(), v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Calibration %d is active\n", v)
			return nil
		})
	},
}

func init() {
	calibrateShowCmd.Flags().BoolVar(&calibrateFlags.showYAML, "yaml", false, "Print the stored camera YAML")
	calibrateCmd.AddCommand(calibrateImportCmd, calibrateShowCmd, calibrateListCmd, calibrateActivateCmd)
}

func withCalibrations(fn func(*sqlite.CalibrationStore) error) error {
	database, err := db.NewDB(rootFlags.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(sqlite.NewCalibrationStore(database.DB))
}

type cameraView struct {
	ID         string  `json:"id"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	HalfFOVDeg float64 `json:"half_fov_deg"`
}

type calibrationJSON struct {
	Version uint64                    `json:"version"`
	Active  bool                      `json:"active"`
	Created string                    `json:"created"`
	Source  string                    `json:"source"`
	Noise   l3measurements.NoiseModel `json:"noise"`
	Cameras []cameraView              `json:"cameras"`
}

func calibrationView(rec *sqlite.CalibrationRecord, calib *l3measurements.Calibration) calibrationJSON {
	out := calibrationJSON{
		Version: rec.Version,
		Active:  rec.Active,
		Created: time.Unix(0, rec.CreatedAt).UTC().Format(time.RFC3339),
		Source:  rec.Source,
		Noise:   rec.Noise,
	}
	for _, id := range calib.CameraIDs() {
		cam := calib.Cameras[id]
		out.Cameras = append(out.Cameras, cameraView{
			ID:         id,
			Width:      cam.Width,
			Height:     cam.Height,
			HalfFOVDeg: cam.HalfFOV() * 180 / math.Pi,
		})
	}
	return out
}
