package l5estimation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

var (
	ErrOutOfOrder        = errors.New("batch timestamp not after last applied")
	ErrInvalidTransition = errors.New("mode transition not allowed")
	ErrNoState           = errors.New("filter holds no state")
)

const stage = "filter"

// Transition records a mode change.
type Transition struct {
	From      vaod.FilterMode
	To        vaod.FilterMode
	Timestamp int64
	Reason    string
}

// Result summarises one Update.
type Result struct {
	Estimate    vaod.StateEstimate
	Applied     int
	Rejected    int
	ResidualRMS float64
	Good        bool // the cycle counted toward promotion or recovery
	Transitions []Transition
}

// DebugCollector receives per-measurement gating decisions (optional).
type DebugCollector interface {
	IsEnabled() bool
	RecordInnovation(label string, kind vaod.MeasurementKind, nis, gate float64, accepted bool)
}

// Filter is the error-state EKF. It is not safe for concurrent use; the
// pipeline's filter goroutine owns it and readers use published snapshots.
type Filter struct {
	cfg  Config
	prop *l4dynamics.Propagator

	mode  vaod.FilterMode
	state l4dynamics.State
	cov   *mat.SymDense

	lastTs   int64
	haveTs   bool
	sequence uint64

	goodRun    int
	badRun     int
	degradedAt int64

	init  initializer
	prior PriorFunc
	gates [4]float64 // chi-squared quantile by measurement dimension

	transitions []Transition

	DebugCollector DebugCollector
}

// New returns a filter in INIT.
func New(cfg Config, prop *l4dynamics.Propagator) *Filter {
	if prop == nil {
		prop = l4dynamics.New(l4dynamics.DefaultConfig())
	}
	f := &Filter{cfg: cfg, prop: prop}
	for d := 1; d < len(f.gates); d++ {
		f.gates[d] = distuv.ChiSquared{K: float64(d)}.Quantile(cfg.ChiSquareProbability)
	}
	f.clear()
	return f
}

func (f *Filter) clear() {
	f.mode = vaod.ModeInit
	f.state = l4dynamics.State{Attitude: vaod.IdentityQuaternion()}
	f.cov = mat.NewSymDense(vaod.StateDim, nil)
	f.goodRun, f.badRun = 0, 0
	f.init.reset()
}

// Config returns the filter configuration.
func (f *Filter) Config() Config { return f.cfg }

// Mode returns the current mode.
func (f *Filter) Mode() vaod.FilterMode { return f.mode }

// Gate returns the NIS acceptance threshold for a measurement dimension.
func (f *Filter) Gate(dim int) float64 {
	if dim < 1 || dim >= len(f.gates) {
		return distuv.ChiSquared{K: float64(dim)}.Quantile(f.cfg.ChiSquareProbability)
	}
	return f.gates[dim]
}

// SetOrbitPrior installs an orbit seed used by INIT and LOST.
func (f *Filter) SetOrbitPrior(p PriorFunc) { f.prior = p }

// Estimate returns a snapshot of the current estimate.
func (f *Filter) Estimate() vaod.StateEstimate {
	return vaod.StateEstimate{
		Timestamp:       f.lastTs,
		Sequence:        f.sequence,
		Attitude:        f.state.Attitude,
		AngularVelocity: f.state.AngularVelocity,
		Position:        f.state.Position,
		Velocity:        f.state.Velocity,
		Covariance:      vaod.CovarianceFromSym(f.cov),
		Mode:            f.mode,
		Valid:           f.mode.Valid(),
		Authoritative:   f.mode.Authoritative(),
	}
}

// Seed installs a known state (for example a persisted estimate) and moves
// INIT to ACQUIRING. A zero covariance is replaced by the initial sigmas.
func (f *Filter) Seed(est vaod.StateEstimate) error {
	if f.mode != vaod.ModeInit {
		return fmt.Errorf("seed in %s: %w", f.mode, ErrInvalidTransition)
	}
	s := l4dynamics.State{
		Attitude:        est.Attitude.Normalize(),
		AngularVelocity: est.AngularVelocity,
		Position:        est.Position,
		Velocity:        est.Velocity,
	}
	if !s.IsFinite() || s.Position.Norm() <= l4dynamics.EarthRadius {
		return fmt.Errorf("seed state: %w", l4dynamics.ErrNonFinite)
	}
	f.state = s
	if est.Covariance.Trace() > 0 {
		f.cov = est.Covariance.Sym()
	} else {
		f.cov = f.initialCovariance(orbitBlock(nil, f.cfg.InitPositionSigma, f.cfg.InitVelocitySigma))
	}
	f.lastTs, f.haveTs = est.Timestamp, true
	f.transitions = f.transitions[:0]
	f.transition(vaod.ModeAcquiring, est.Timestamp, "seeded")
	return nil
}

// ForceMode applies an externally commanded transition. Forcing INIT
// discards the state.
func (f *Filter) ForceMode(to vaod.FilterMode, reason string) error {
	if to == f.mode {
		return nil
	}
	if !vaod.CanTransition(f.mode, to) {
		return fmt.Errorf("%s -> %s: %w", f.mode, to, ErrInvalidTransition)
	}
	f.transitions = f.transitions[:0]
	f.transition(to, f.lastTs, reason)
	if to == vaod.ModeInit {
		f.clear()
	}
	return nil
}

// Reset forces a re-initialisation.
func (f *Filter) Reset(reason string) {
	if f.mode == vaod.ModeInit {
		f.clear()
		return
	}
	_ = f.ForceMode(vaod.ModeInit, reason)
}

// PredictTo propagates the current estimate to ts without changing the
// filter.
func (f *Filter) PredictTo(ts int64) (vaod.StateEstimate, error) {
	return PredictEstimate(f.prop, f.Estimate(), ts)
}

// PredictEstimate propagates a published estimate to ts. Mode and flags are
// carried over unchanged.
func PredictEstimate(prop *l4dynamics.Propagator, est vaod.StateEstimate, ts int64) (vaod.StateEstimate, error) {
	if !est.Mode.HasState() {
		return est, ErrNoState
	}
	if ts < est.Timestamp {
		return est, fmt.Errorf("predict to %d before %d: %w", ts, est.Timestamp, ErrOutOfOrder)
	}
	s := l4dynamics.State{
		Attitude:        est.Attitude,
		AngularVelocity: est.AngularVelocity,
		Position:        est.Position,
		Velocity:        est.Velocity,
	}
	pred, err := prop.Propagate(s, float64(ts-est.Timestamp)/1e9)
	if err != nil {
		return est, err
	}
	out := est
	out.Timestamp = ts
	out.Attitude = pred.State.Attitude
	out.AngularVelocity = pred.State.AngularVelocity
	out.Position = pred.State.Position
	out.Velocity = pred.State.Velocity
	out.Covariance = vaod.CovarianceFromSym(propagateCovariance(est.Covariance.Sym(), pred))
	return out, nil
}

// Update runs one filter cycle on a measurement batch. A batch that is not
// strictly newer than the last applied one returns ErrOutOfOrder and is
// dropped. A divergence returns a *vaod.Fault with the filter already in
// LOST; the Result is valid in that case.
func (f *Filter) Update(batch vaod.MeasurementBatch) (Result, error) {
	ts := batch.FrameTimestamp
	if f.haveTs && ts <= f.lastTs {
		monitoring.Diagf("[l5estimation] drop batch ts=%d, last=%d", ts, f.lastTs)
		return Result{Estimate: f.Estimate()}, fmt.Errorf("batch %d after %d: %w", ts, f.lastTs, ErrOutOfOrder)
	}
	f.transitions = f.transitions[:0]

	var res Result
	var err error
	switch f.mode {
	case vaod.ModeInit:
		f.updateInit(batch)
	case vaod.ModeLost:
		f.updateLost(batch)
	default:
		err = f.updateTracking(batch, &res)
	}

	f.lastTs, f.haveTs = ts, true
	f.sequence++
	res.Estimate = f.Estimate()
	res.Transitions = append([]Transition(nil), f.transitions...)
	return res, err
}

func (f *Filter) updateInit(batch vaod.MeasurementBatch) {
	var fallback *vaod.Vec3
	prior, havePrior := f.priorAt(batch.FrameTimestamp)
	if havePrior {
		fallback = &prior.Position
	}
	fx, err := solveFix(batch, f.cfg, fallback)
	if err != nil {
		monitoring.Tracef("[l5estimation] init batch ts=%d: %v", batch.FrameTimestamp, err)
		f.init.reset()
		return
	}

	if havePrior {
		s := l4dynamics.State{Attitude: fx.attitude, Position: fx.position, Velocity: prior.Velocity}
		if fx.hasRate {
			s.AngularVelocity = fx.rate
		}
		// The prior's sigma applies only when it also supplied the position.
		orbit := orbitBlock(fx.posCov,
			math.Max(f.cfg.InitPositionSigma, prior.PositionSigma),
			math.Max(f.cfg.InitVelocitySigma, prior.VelocitySigma))
		f.acquire(s, orbit, batch.FrameTimestamp, "initialised from TLE prior")
		return
	}

	// Velocity needs at least two fixes without a prior, and more when
	// their position uncertainty leaves the velocity poorly determined.
	need := max(f.cfg.InitBatches, 2)
	f.init.add(fx, max(f.cfg.InitMaxFixes, need))
	if len(f.init.fixes) < need {
		return
	}
	fit, err := fitOrbit(f.init.fixes, f.prop.Gravity, f.cfg.InitPositionSigma)
	if err != nil {
		monitoring.Tracef("[l5estimation] init fit ts=%d: %v", batch.FrameTimestamp, err)
		f.init.reset()
		return
	}
	if sig := fit.velocitySigma(); sig > f.cfg.InitMaxVelocitySigma {
		monitoring.Tracef("[l5estimation] init ts=%d: %d fixes give velocity σ %.0f m/s", batch.FrameTimestamp, len(f.init.fixes), sig)
		return
	}
	first, last := f.init.fixes[0], f.init.fixes[len(f.init.fixes)-1]
	s := l4dynamics.State{Attitude: last.attitude, Position: fit.position, Velocity: fit.velocity}
	if last.hasRate {
		s.AngularVelocity = last.rate
	} else {
		s.AngularVelocity = rateFromFixes(first, last)
	}
	f.acquire(s, fit.cov, batch.FrameTimestamp, fmt.Sprintf("initialised from %d fixes", len(f.init.fixes)))
}

// updateLost dead-reckons the last state and attempts a single-batch
// re-initialisation using the dead-reckoned velocity.
func (f *Filter) updateLost(batch vaod.MeasurementBatch) {
	ts := batch.FrameTimestamp
	if pred, err := f.prop.Propagate(f.state, f.dt(ts)); err == nil {
		f.state = pred.State
		f.cov = propagateCovariance(f.cov, pred)
	}

	pos, vel := f.state.Position, f.state.Velocity
	if prior, ok := f.priorAt(ts); ok {
		pos, vel = prior.Position, prior.Velocity
	}
	fallback := &pos
	fx, err := solveFix(batch, f.cfg, nil)
	if errors.Is(err, ErrInsufficientLimb) {
		fx, err = solveFix(batch, f.cfg, fallback)
	}
	if err != nil {
		monitoring.Tracef("[l5estimation] re-init ts=%d: %v", ts, err)
		return
	}
	s := l4dynamics.State{
		Attitude:        fx.attitude,
		AngularVelocity: f.state.AngularVelocity,
		Position:        fx.position,
		Velocity:        vel,
	}
	if fx.hasRate {
		s.AngularVelocity = fx.rate
	}
	f.acquire(s, orbitBlock(fx.posCov, f.cfg.InitPositionSigma, f.cfg.InitVelocitySigma), ts, "re-initialised")
}

// acquire seeds the state with orbit as its 6×6 position/velocity
// covariance and enters ACQUIRING.
func (f *Filter) acquire(s l4dynamics.State, orbit *mat.SymDense, ts int64, reason string) {
	f.state = s
	f.cov = f.initialCovariance(orbit)
	f.init.reset()
	f.transition(vaod.ModeAcquiring, ts, reason)
}

func (f *Filter) updateTracking(batch vaod.MeasurementBatch, res *Result) error {
	ts := batch.FrameTimestamp
	pred, err := f.prop.Propagate(f.state, f.dt(ts))
	if err != nil {
		f.transition(vaod.ModeLost, ts, "prediction failed: "+err.Error())
		if errors.Is(err, l4dynamics.ErrNonFinite) {
			return vaod.NewFault(vaod.FaultFilterDivergence, stage, err)
		}
		return nil
	}
	f.state = pred.State
	f.cov = propagateCovariance(f.cov, pred)

	if !batch.Skipped {
		res.Applied, res.Rejected, res.ResidualRMS = f.correct(batch.Measurements)
		res.Good = res.Applied >= f.cfg.MinMeasurements && res.ResidualRMS <= f.cfg.ResidualRejectRMS
		f.regularize()
		f.advance(res.Good, ts)
	} else if f.mode == vaod.ModeDegraded {
		f.checkLostTimeout(ts)
	}

	if err := f.checkDivergence(ts); err != nil {
		return err
	}
	return nil
}

// advance applies the per-cycle mode rules.
func (f *Filter) advance(good bool, ts int64) {
	if good {
		f.goodRun++
		f.badRun = 0
	} else {
		f.badRun++
		f.goodRun = 0
	}

	switch f.mode {
	case vaod.ModeAcquiring:
		if good && f.goodRun >= f.cfg.PromoteUpdates && f.converged() {
			f.transition(vaod.ModeTracking, ts, fmt.Sprintf("%d good updates", f.goodRun))
		} else if !good && f.badRun >= f.cfg.DegradeCycles {
			f.transition(vaod.ModeDegraded, ts, fmt.Sprintf("%d bad cycles while acquiring", f.badRun))
		}
	case vaod.ModeTracking:
		if !good && f.badRun >= f.cfg.DegradeCycles {
			f.transition(vaod.ModeDegraded, ts, fmt.Sprintf("%d bad cycles", f.badRun))
		}
	case vaod.ModeDegraded:
		if good && f.goodRun >= f.cfg.RecoverUpdates && f.converged() {
			f.transition(vaod.ModeTracking, ts, fmt.Sprintf("recovered after %d good cycles", f.goodRun))
			return
		}
		f.checkLostTimeout(ts)
	}
}

func (f *Filter) checkLostTimeout(ts int64) {
	if ts-f.degradedAt >= f.cfg.LostTimeout.Nanoseconds() {
		f.transition(vaod.ModeLost, ts, fmt.Sprintf("degraded for %s", f.cfg.LostTimeout))
	}
}

func (f *Filter) checkDivergence(ts int64) error {
	if !f.mode.HasState() || f.mode == vaod.ModeLost {
		return nil
	}
	est := f.Estimate()
	att, pos := est.AttitudeSigma(), est.PositionSigma()
	if att <= f.cfg.DivergenceAttitudeSigma && pos <= f.cfg.DivergencePositionSigma && f.state.IsFinite() {
		return nil
	}
	err := fmt.Errorf("attitude σ %.3g rad, position σ %.3g m: %w", att, pos, vaod.ErrFilterDivergence)
	f.transition(vaod.ModeLost, ts, err.Error())
	return vaod.NewFault(vaod.FaultFilterDivergence, stage, err)
}

func (f *Filter) converged() bool {
	est := f.Estimate()
	return est.AttitudeSigma() <= f.cfg.TrackingAttitudeSigma &&
		est.PositionSigma() <= f.cfg.TrackingPositionSigma
}

func (f *Filter) transition(to vaod.FilterMode, ts int64, reason string) {
	from := f.mode
	if from == to {
		return
	}
	if !vaod.CanTransition(from, to) {
		monitoring.Opsf("[l5estimation] refused %s -> %s (%s)", from, to, reason)
		return
	}
	f.mode = to
	f.goodRun, f.badRun = 0, 0
	if to == vaod.ModeDegraded {
		f.degradedAt = ts
	}
	f.transitions = append(f.transitions, Transition{From: from, To: to, Timestamp: ts, Reason: reason})
	monitoring.Opsf("[l5estimation] %s -> %s at %d: %s", from, to, ts, reason)
}

func (f *Filter) priorAt(ts int64) (l4dynamics.OrbitPrior, bool) {
	if f.prior == nil {
		return l4dynamics.OrbitPrior{}, false
	}
	return f.prior(ts)
}

func (f *Filter) dt(ts int64) float64 {
	if !f.haveTs {
		return 0
	}
	return float64(ts-f.lastTs) / 1e9
}

func (f *Filter) initialCovariance(orbit *mat.SymDense) *mat.SymDense {
	p := mat.NewSymDense(vaod.StateDim, nil)
	for k := 0; k < 3; k++ {
		p.SetSym(vaod.IdxAttitude+k, vaod.IdxAttitude+k, f.cfg.InitAttitudeSigma*f.cfg.InitAttitudeSigma)
		p.SetSym(vaod.IdxRate+k, vaod.IdxRate+k, f.cfg.InitRateSigma*f.cfg.InitRateSigma)
	}
	floor := [2]float64{f.cfg.InitPositionSigma, f.cfg.InitVelocitySigma}
	for r := 0; r < 6; r++ {
		for c := r; c < 6; c++ {
			v := orbit.At(r, c)
			if r == c {
				v = math.Max(v, floor[r/3]*floor[r/3])
			}
			p.SetSym(vaod.IdxPosition+r, vaod.IdxPosition+c, v)
		}
	}
	return p
}

// orbitBlock builds a 6×6 position/velocity covariance from an optional
// position covariance and per-axis sigmas.
func orbitBlock(posCov *mat.SymDense, posSigma, velSigma float64) *mat.SymDense {
	o := mat.NewSymDense(6, nil)
	for r := 0; r < 3; r++ {
		if posCov != nil {
			for c := r; c < 3; c++ {
				o.SetSym(r, c, posCov.At(r, c))
			}
		} else {
			o.SetSym(r, r, posSigma*posSigma)
		}
		o.SetSym(3+r, 3+r, velSigma*velSigma)
	}
	return o
}
