package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/db"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/logging"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/observability"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/serialmux"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/pipeline"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/storage/sqlite"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/version"
)

// newLogger builds the structured logger from flags and environment and
// routes the monitoring streams into it.
func newLogger() logging.Logger {
	level := rootFlags.logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	format := rootFlags.logFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	log := logging.New(logging.Config{Level: level, Format: format})
	monitoring.SetLogger(logging.Printf(log))
	monitoring.SetOpsLogger(logging.InfoPrintf(log))
	if rootFlags.trace {
		monitoring.SetTraceLogger(logging.Printf(log))
	}
	return log
}

func loadTuning() (*config.TuningConfig, error) {
	if rootFlags.tuningPath == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(rootFlags.tuningPath)
}

// stackOptions selects what a pipeline run reads from.
type stackOptions struct {
	source   string // run label stored with the run row
	driver   l1frames.Driver
	inertial l1frames.InertialSource
	cameraID string

	// Calibration and catalog override the database and --catalog.
	calib   *l3measurements.Calibration
	catalog *l3measurements.Catalog

	catalogPath  string
	cameraConfig string // imported when the database has no calibration
	epoch        l4dynamics.Epoch
	noTLE        bool // simulated orbits are not described by the stored TLE

	clock timeutil.Clock
}

// stack is one wired pipeline run plus its storage and diagnostics.
type stack struct {
	log    logging.Logger
	tuning *config.TuningConfig

	database *db.DB
	calibs   *sqlite.CalibrationStore
	runs     *sqlite.RunStore
	run      *sqlite.Run
	health   *sqlite.HealthLog
	states   *sqlite.StateLog

	ring    *pipeline.HealthRing
	metrics *observability.Collector
	pub     *l6publish.Publisher
	source  *l1frames.DriverSource
	filter  *l5estimation.Filter
	sup     *pipeline.Supervisor

	calib *l3measurements.Calibration
	bus   *serialmux.Handler // set before run for live sessions
}

func buildStack(ctx context.Context, log logging.Logger, opts stackOptions) (_ *stack, err error) {
	tuning, err := loadTuning()
	if err != nil {
		return nil, err
	}
	database, err := db.NewDB(rootFlags.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err != nil {
			database.Close()
		}
	}()

	st := &stack{
		log:      log,
		tuning:   tuning,
		database: database,
		calibs:   sqlite.NewCalibrationStore(database.DB),
		runs:     sqlite.NewRunStore(database.DB),
		ring:     pipeline.NewHealthRing(tuning.GetHealthRingSize()),
		pub:      l6publish.NewPublisher(),
	}

	st.calib = opts.calib
	if st.calib == nil {
		if st.calib, err = st.activeCalibration(ctx, opts.cameraConfig); err != nil {
			return nil, err
		}
	}
	cameraID := opts.cameraID
	if cameraID == "" {
		ids := st.calib.CameraIDs()
		cameraID = ids[0]
	}
	if _, err := st.calib.Camera(cameraID); err != nil {
		return nil, err
	}

	catalog := opts.catalog
	if catalog == nil {
		if catalog, err = l3measurements.LoadCatalog(opts.catalogPath, 2*st.calib.MaxHalfFOV()); err != nil {
			return nil, fmt.Errorf("load star catalog: %w", err)
		}
	}
	model, err := l3measurements.NewModel(l3measurements.ConfigFromTuning(tuning), catalog, st.calib)
	if err != nil {
		return nil, err
	}

	prop := l4dynamics.New(l4dynamics.ConfigFromTuning(tuning))
	st.filter = l5estimation.New(l5estimation.ConfigFromTuning(tuning), prop)
	if !opts.noTLE {
		if err := st.installTLEPrior(ctx, opts.epoch); err != nil {
			return nil, err
		}
	}

	if st.metrics, err = observability.NewCollector(nil); err != nil {
		return nil, err
	}

	params, err := json.Marshal(tuning)
	if err != nil {
		return nil, err
	}
	calibVersion := st.calib.Version
	st.run = &sqlite.Run{Source: opts.source, ParamsJSON: params}
	if calibVersion > 0 {
		st.run.CalibrationVersion = &calibVersion
	}
	if err := st.runs.Start(ctx, st.run); err != nil {
		return nil, err
	}
	st.health = sqlite.NewHealthLog(database.DB, st.run.RunID)
	st.states = sqlite.NewStateLog(database.DB, st.run.RunID)

	clock := opts.clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	st.source = l1frames.NewDriverSource(opts.driver, l1frames.SourceConfigFromTuning(tuning), clock)

	busFaults := pipeline.FaultSinkFunc(func(ctx context.Context, sig vaod.FaultSignal) error {
		if st.bus == nil {
			return nil
		}
		return st.bus.RecordFault(ctx, sig)
	})
	st.sup, err = pipeline.NewSupervisor(pipeline.ConfigFromTuning(tuning, cameraID), pipeline.Runtime{
		Source:     st.source,
		Inertial:   opts.inertial,
		Extractor:  l2features.NewExtractor(l2features.ExtractorConfigFromTuning(tuning), l2features.DefaultAccelerator(), clock),
		Model:      model,
		Filter:     st.filter,
		Propagator: prop,
		Publisher:  st.pub,
		Health:     []pipeline.HealthSink{st.ring, st.metrics, st.health},
		Faults:     []pipeline.FaultSink{st.health, st.metrics, busFaults},
		Clock:      clock,
		Logger:     log.With(logging.String("run_id", st.run.RunID)),
	})
	if err != nil {
		st.runs.Finish(ctx, st.run.RunID, err)
		return nil, err
	}
	log.Info(ctx, "pipeline ready",
		logging.String("run_id", st.run.RunID),
		logging.String("source", opts.source),
		logging.String("camera", cameraID),
		logging.Uint64("calibration", calibVersion),
		logging.Int("catalog_stars", catalog.Len()),
		logging.String("version", version.String()))
	return st, nil
}

// activeCalibration loads the active calibration, importing cameraConfig
// first when the database has none.
func (st *stack) activeCalibration(ctx context.Context, cameraConfig string) (*l3measurements.Calibration, error) {
	rec, err := st.calibs.Active(ctx)
	if err == nil {
		return rec.Calibration()
	}
	if !errors.Is(err, sqlite.ErrNoCalibration) {
		return nil, err
	}
	if cameraConfig == "" {
		return nil, fmt.Errorf("%w: run 'vaod calibrate import <camera.yaml>'", err)
	}
	data, err := os.ReadFile(cameraConfig)
	if err != nil {
		return nil, err
	}
	calib, err := st.calibs.Import(ctx, data, l3measurements.NoiseModelFromTuning(st.tuning), "file:"+cameraConfig)
	if err != nil {
		return nil, err
	}
	monitoring.Opsf("[vaod] imported %s as calibration %d", cameraConfig, calib.Version)
	return calib, nil
}

// installTLEPrior seeds INIT and LOST from the newest uploaded TLE.
func (st *stack) installTLEPrior(ctx context.Context, epoch l4dynamics.Epoch) error {
	tle, uploaded, err := sqlite.NewTLEStore(st.database.DB).Latest(ctx)
	if errors.Is(err, sqlite.ErrNoTLE) {
		return nil
	}
	if err != nil {
		return err
	}
	if epoch.UTC.IsZero() {
		epoch.UTC = time.Now().UTC()
	}
	posSigma, velSigma := st.tuning.GetInitPositionSigma(), st.tuning.GetInitVelocitySigma()
	st.filter.SetOrbitPrior(func(ts int64) (l4dynamics.OrbitPrior, bool) {
		prior, err := l4dynamics.TLEPrior(tle, epoch.UTCAt(ts), posSigma, velSigma)
		if err != nil {
			monitoring.Diagf("[vaod] TLE prior at %d: %v", ts, err)
			return l4dynamics.OrbitPrior{}, false
		}
		return prior, true
	})
	monitoring.Opsf("[vaod] orbit prior from TLE uploaded %s", uploaded.UTC().Format(time.RFC3339))
	return nil
}

// calibrationDecoder stores bus calibration updates before they are
// applied.
func (st *stack) calibrationDecoder(ctx context.Context) serialmux.CalibrationDecoder {
	noise := st.calib.Noise
	return func(payload []byte) (*l3measurements.Calibration, error) {
		return st.calibs.Import(ctx, payload, noise, "bus")
	}
}

// runPipeline drives the supervisor and the state log until the frame
// stream ends or ctx is done, then closes the run row.
func (st *stack) runPipeline(ctx context.Context, extra ...func(context.Context) error) error {
	ctx = logging.ContextWithRunID(ctx, st.run.RunID)
	g, gctx := errgroup.WithContext(ctx)
	pipeCtx, stopAll := context.WithCancel(gctx)
	defer stopAll()

	g.Go(func() error {
		defer stopAll()
		return st.sup.Run(pipeCtx)
	})
	g.Go(func() error { return st.states.Follow(pipeCtx, st.pub) })
	for _, fn := range extra {
		g.Go(func() error { return fn(pipeCtx) })
	}
	runErr := g.Wait()

	if err := st.runs.Finish(context.WithoutCancel(ctx), st.run.RunID, runErr); err != nil {
		st.log.Warn(ctx, "finish run", logging.Err(err))
	}
	return runErr
}

func (st *stack) Close() error {
	st.source.Close()
	st.pub.Close()
	return st.database.Close()
}

// runSummary is printed at the end of replay and simulate.
type runSummary struct {
	RunID    string     `json:"run_id"`
	Cycles   int        `json:"cycles"`
	Skipped  int        `json:"skipped"`
	Faults   int        `json:"faults"`
	Mode     string     `json:"final_mode"`
	Valid    bool       `json:"valid"`
	Attitude [4]float64 `json:"attitude_wxyz"`
	Position [3]float64 `json:"position_eci_m"`
}

func (st *stack) summary(ctx context.Context) (runSummary, error) {
	recs, err := st.health.Health(ctx, st.run.RunID)
	if err != nil {
		return runSummary{}, err
	}
	faults, err := st.health.Faults(ctx, st.run.RunID)
	if err != nil {
		return runSummary{}, err
	}
	s := runSummary{RunID: st.run.RunID, Cycles: len(recs), Faults: len(faults), Mode: vaod.ModeInit.String()}
	for _, r := range recs {
		if r.Skipped != "" {
			s.Skipped++
		}
	}
	if est, ok := st.pub.Latest(); ok {
		s.Mode = est.Mode.String()
		s.Valid = est.Valid
		q := est.Attitude
		s.Attitude = [4]float64{q.W, q.X, q.Y, q.Z}
		s.Position = [3]float64(est.Position)
	}
	return s, nil
}
