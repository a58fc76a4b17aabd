package main

import (
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/sim"
)

var simulateFlags struct {
	frames      int
	period      time.Duration
	pace        bool
	stars       int
	seed        uint64
	altitude    float64
	inclination float64
	elevation   float64
	gyro        bool
}

// simCamera is a small camera so simulated frames render quickly.
var simCamera = l1frames.CameraSpec{
	ID:             "sim0",
	Width:          320,
	Height:         240,
	Intrinsics:     l1frames.Intrinsics{Fx: 300, Fy: 300, Cx: 159.5, Cy: 119.5},
	Distortion:     l1frames.Distortion{K1: -0.02},
	BodyFromCamera: [4]float64{1, 0, 0, 0},
}

// simulateResult adds the truth comparison to the run summary.
type simulateResult struct {
	runSummary
	AttitudeErrorDeg float64 `json:"attitude_error_deg"`
	PositionErrorM   float64 `json:"position_error_m"`
}

// simulation is a rendered scene and everything the stack needs to run
// over it.
type simulation struct {
	scene   *sim.Scene
	calib   *l3measurements.Calibration
	catalog *l3measurements.Catalog
}

func newSimulation(tuning *config.TuningConfig) (*simulation, error) {
	cam, err := l3measurements.NewCameraModel(simCamera)
	if err != nil {
		return nil, err
	}
	calib, err := l3measurements.NewCalibration(&l1frames.CameraConfig{Cameras: []l1frames.CameraSpec{simCamera}},
		l3measurements.NoiseModelFromTuning(tuning), 0)
	if err != nil {
		return nil, err
	}
	catalog, err := sim.SyntheticCatalog(simulateFlags.stars, simulateFlags.seed)
	if err != nil {
		return nil, err
	}
	orbit := sim.CircularOrbit(simulateFlags.altitude*1e3, simulateFlags.inclination*math.Pi/180)
	scene, err := sim.NewScene(sim.SceneConfig{
		Start:   int64(time.Hour),
		Period:  simulateFlags.period,
		Initial: sim.HorizonPointing(orbit, cam, simulateFlags.elevation*math.Pi/180),
		Seed:    simulateFlags.seed,
	}, l4dynamics.New(l4dynamics.ConfigFromTuning(tuning)), cam, catalog)
	if err != nil {
		return nil, err
	}
	return &simulation{scene: scene, calib: calib, catalog: catalog}, nil
}

// stackOptions runs the stack over the scene; frames 0 renders forever.
func (s *simulation) stackOptions(tuning *config.TuningConfig, frames int, pace bool) stackOptions {
	opts := stackOptions{
		source:   "simulate",
		driver:   sim.NewDriver(s.scene, sim.DriverOptions{Frames: frames, Pace: pace}),
		cameraID: simCamera.ID,
		calib:    s.calib,
		catalog:  s.catalog,
		noTLE:    true,
	}
	if simulateFlags.gyro {
		opts.inertial = sim.NewGyro(s.scene, tuning.GetGyroSigma(), vaod.Vec3{}, simulateFlags.seed+1)
	}
	return opts
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the estimator over a rendered orbit with known truth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log := newLogger()
		tuning, err := loadTuning()
		if err != nil {
			return err
		}
		simu, err := newSimulation(tuning)
		if err != nil {
			return err
		}
		st, err := buildStack(ctx, log, simu.stackOptions(tuning, simulateFlags.frames, simulateFlags.pace))
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
		res := simulateResult{runSummary: sum, AttitudeErrorDeg: -1, PositionErrorM: -1}
		if est, ok := st.pub.Latest(); ok && est.Valid {
			truth := simu.scene.Truth().State
			res.AttitudeErrorDeg = est.Attitude.AngleTo(truth.Attitude) * 180 / math.Pi
			res.PositionErrorM = est.Position.Sub(truth.Position).Norm()
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simulateFlags.frames, "frames", 200, "Frames to render")
	f.DurationVar(&simulateFlags.period, "period", 500*time.Millisecond, "Simulated frame interval")
	f.BoolVar(&simulateFlags.pace, "pace", false, "Deliver frames in real time")
	f.IntVar(&simulateFlags.stars, "stars", 400, "Synthetic catalog size")
	f.Uint64Var(&simulateFlags.seed, "seed", 7, "Random seed for the catalog and noise")
	f.Float64Var(&simulateFlags.altitude, "altitude-km", 500, "Circular orbit altitude")
	f.Float64Var(&simulateFlags.inclination, "inclination-deg", 51.6, "Orbit inclination")
	f.Float64Var(&simulateFlags.elevation, "elevation-deg", 8, "Boresight elevation above the limb")
	f.BoolVar(&simulateFlags.gyro, "gyro", false, "Feed simulated gyro rates to the filter")
}
