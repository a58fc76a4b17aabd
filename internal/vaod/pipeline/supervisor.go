package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/logging"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
)

var (
	ErrStalled           = errors.New("pipeline stalled")
	ErrRestartsExhausted = errors.New("restart budget exhausted")

	// errDrained ends a run after the capture path hit the end of the
	// frame stream and the filter path consumed the last cycle.
	errDrained = errors.New("frame stream drained")
)

const commandQueue = 8

// Status is a point-in-time view of the supervisor.
type Status struct {
	Epoch       uint64
	Cycles      uint64
	Restarts    int
	Calibrating bool
	LastCycle   time.Time
}

// Supervisor owns a pipeline run. Run drives it; Submit and ResolveState
// may be called from other goroutines.
type Supervisor struct {
	cfg Config
	rt  Runtime

	cmds        chan Command
	epoch       atomic.Uint64
	calibrating atomic.Bool
	cycles      atomic.Uint64
	restarts    atomic.Int32
	lastCycle   atomic.Int64 // clock time of the last completed cycle, ns
	lastPublish atomic.Int64 // clock time of the last Publish, ns

	// filter path only
	timeoutRun int
}

// NewSupervisor validates rt and fills its optional fields.
func NewSupervisor(cfg Config, rt Runtime) (*Supervisor, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}
	if cfg.StallLimit <= 0 || cfg.CycleDeadline <= 0 || cfg.FrameTimeout <= 0 {
		return nil, fmt.Errorf("stall limit, cycle deadline and frame timeout must be positive")
	}
	if cfg.StageTimeoutsToDegrade < 1 {
		cfg.StageTimeoutsToDegrade = 1
	}
	return &Supervisor{cfg: cfg, rt: rt, cmds: make(chan Command, commandQueue)}, nil
}

// Status returns current counters.
func (s *Supervisor) Status() Status {
	return Status{
		Epoch:       s.epoch.Load(),
		Cycles:      s.cycles.Load(),
		Restarts:    int(s.restarts.Load()),
		Calibrating: s.calibrating.Load(),
		LastCycle:   time.Unix(0, s.lastCycle.Load()),
	}
}

// Run drives the pipeline until ctx is done or the frame stream ends. A
// stall or hardware fault signals a safe-mode fault, resets the filter and
// restarts after RestartBackoff; after MaxRestarts it returns an error
// wrapping ErrRestartsExhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.rt.Logger.With(logging.String("camera", s.cfg.CameraID))
	log.Info(ctx, "pipeline starting",
		logging.Duration("cycle_deadline", s.cfg.CycleDeadline),
		logging.Duration("stall_limit", s.cfg.StallLimit))
	for {
		err := s.runOnce(ctx)
		if err == nil || errors.Is(err, errDrained) || ctx.Err() != nil {
			log.Info(ctx, "pipeline stopped", logging.Uint64("cycles", s.cycles.Load()))
			return nil
		}

		kind, ok := vaod.KindOf(err)
		if !ok {
			kind = vaod.FaultHardware
		}
		stage := "pipeline"
		var f *vaod.Fault
		if errors.As(err, &f) {
			stage = f.Stage
		}
		s.signal(ctx, kind, stage, err)

		n := int(s.restarts.Add(1))
		if n > s.cfg.MaxRestarts {
			log.Error(ctx, "restart budget exhausted", logging.Int("restarts", n-1), logging.Err(err))
			return fmt.Errorf("%w after %d restarts: %w", ErrRestartsExhausted, n-1, err)
		}
		s.rt.Filter.Reset("pipeline restart")
		s.timeoutRun = 0
		log.Warn(ctx, "pipeline restarting", logging.Int("restart", n), logging.Err(err))
		monitoring.Opsf("[pipeline] restart %d/%d after %v", n, s.cfg.MaxRestarts, err)

		select {
		case <-ctx.Done():
			return nil
		case <-s.rt.Clock.After(s.cfg.RestartBackoff):
		}
	}
}

func (s *Supervisor) runOnce(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)
	work := make(chan cycle, 1)
	s.lastCycle.Store(s.rt.Clock.Now().UnixNano())

	g.Go(func() error { return s.capturePath(ctx, work) })
	g.Go(func() error { return s.filterPath(ctx, work) })
	g.Go(func() error { return s.watchdog(ctx) })
	return g.Wait()
}

// watchdog fails the run when no cycle completes within StallLimit.
func (s *Supervisor) watchdog(ctx context.Context) error {
	period := max(s.cfg.StallLimit/4, time.Millisecond)
	ticker := s.rt.Clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			idle := s.rt.Clock.Since(time.Unix(0, s.lastCycle.Load()))
			if idle > s.cfg.StallLimit {
				return vaod.NewFault(vaod.FaultPipelineStall, "watchdog",
					fmt.Errorf("%w: no cycle completed in %v", ErrStalled, idle.Round(time.Millisecond)))
			}
		}
	}
}

// Submit queues cmd for the filter path, aborts the in-flight cycle and
// waits until the command is applied. It blocks while no run is active.
func (s *Supervisor) Submit(ctx context.Context, cmd Command) error {
	if err := cmd.validate(); err != nil {
		return err
	}
	cmd.done = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	default:
		return ErrCommandQueueFull
	}
	s.epoch.Add(1)
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) apply(cmd Command) {
	reason := cmd.Reason
	if reason == "" {
		reason = "commanded " + cmd.Kind.String()
	}
	var err error
	switch cmd.Kind {
	case CmdReinit:
		s.rt.Filter.Reset(reason)
		s.timeoutRun = 0
	case CmdEnterCalibration:
		s.calibrating.Store(true)
	case CmdExitCalibration:
		s.calibrating.Store(false)
	case CmdUpdateCalibration:
		err = s.rt.Model.SetCalibration(cmd.Calibration)
	case CmdSetDetectionMode:
		err = s.rt.Extractor.SetMode(cmd.Mode)
	}
	if err != nil {
		monitoring.Opsf("[pipeline] command %s failed: %v", cmd.Kind, err)
	} else {
		monitoring.Opsf("[pipeline] command %s applied at epoch %d", cmd.Kind, s.epoch.Load())
	}
	cmd.done <- err
}

// ResolveState propagates the latest published estimate to ts without
// touching the filter. Like a command it aborts the in-flight cycle.
func (s *Supervisor) ResolveState(ts int64) (vaod.StateEstimate, error) {
	s.epoch.Add(1)
	est, ok := s.rt.Publisher.Latest()
	if !ok {
		return vaod.StateEstimate{}, l5estimation.ErrNoState
	}
	return l5estimation.PredictEstimate(s.rt.Propagator, est, ts)
}

// ResolveNow propagates the latest estimate by the clock time elapsed since
// it was published.
func (s *Supervisor) ResolveNow() (vaod.StateEstimate, error) {
	est, ok := s.rt.Publisher.Latest()
	if !ok {
		return vaod.StateEstimate{}, l5estimation.ErrNoState
	}
	elapsed := s.rt.Clock.Since(time.Unix(0, s.lastPublish.Load()))
	return s.ResolveState(est.Timestamp + max(elapsed, 0).Nanoseconds())
}

func (s *Supervisor) signal(ctx context.Context, kind vaod.FaultKind, stage string, err error) {
	sig := vaod.FaultSignal{
		ID:        uuid.NewString(),
		Timestamp: s.rt.Clock.Now().UnixNano(),
		Kind:      kind,
		Stage:     stage,
		Message:   err.Error(),
		SafeMode:  kind.SafeMode(),
	}
	s.rt.Publisher.PublishFault(sig)
	for _, sink := range s.rt.Faults {
		if err := sink.RecordFault(ctx, sig); err != nil {
			monitoring.Diagf("[pipeline] fault sink: %v", err)
		}
	}
}

func (s *Supervisor) recordHealth(ctx context.Context, rec vaod.HealthRecord) {
	for _, sink := range s.rt.Health {
		if err := sink.RecordHealth(ctx, rec); err != nil {
			monitoring.Diagf("[pipeline] health sink: %v", err)
		}
	}
}

// aborted reports whether a command arrived since epoch was sampled.
func (s *Supervisor) aborted(epoch uint64) bool { return s.epoch.Load() != epoch }
