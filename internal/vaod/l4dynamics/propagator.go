package l4dynamics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// Earth model constants (WGS-84).
const (
	MuEarth     = 3.986004418e14 // m³/s²
	J2          = 1.08262668e-3
	EarthRadius = 6378137.0 // m
)

var (
	ErrNegativeStep = errors.New("negative propagation step")
	ErrStepTooLarge = errors.New("propagation step exceeds limit")
	ErrNonFinite    = errors.New("non-finite state")
)

// State is the nominal (non-error) dynamical state.
type State struct {
	Attitude        vaod.Quaternion // body to ECI
	AngularVelocity vaod.Vec3       // body frame, rad/s
	Position        vaod.Vec3       // ECI, m
	Velocity        vaod.Vec3       // ECI, m/s
}

// IsFinite reports whether every component is finite.
func (s State) IsFinite() bool {
	return s.Attitude.IsFinite() && s.AngularVelocity.IsFinite() &&
		s.Position.IsFinite() && s.Velocity.IsFinite()
}

// Config holds the motion model parameters.
type Config struct {
	MaxStep      time.Duration // largest RK4 sub-step
	MaxPredictDt time.Duration // longest single propagation accepted
	EnableJ2     bool
	// Inertia holds the principal moments of inertia (kg·m²). A zero value
	// disables the torque-free Euler coupling and holds body rate constant.
	Inertia vaod.Vec3

	ProcessNoiseAttitude float64 // rad²/s
	ProcessNoiseRate     float64 // rad²/s³
	ProcessNoiseAccel    float64 // m²/s³
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MaxStep:              cfg.GetMaxStep(),
		MaxPredictDt:         cfg.GetMaxPredictDt(),
		EnableJ2:             cfg.GetEnableJ2(),
		ProcessNoiseAttitude: cfg.GetProcessNoiseAttitude(),
		ProcessNoiseRate:     cfg.GetProcessNoiseRate(),
		ProcessNoiseAccel:    cfg.GetProcessNoiseAccel(),
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// Prediction is the result of one propagation.
type Prediction struct {
	State State
	Phi   *mat.Dense    // error-state transition, StateDim×StateDim
	Q     *mat.SymDense // process noise accumulated over the step
}

// Propagator advances a State. It is safe for concurrent use.
type Propagator struct {
	cfg Config
}

// New returns a Propagator; non-positive step limits fall back to defaults.
func New(cfg Config) *Propagator {
	def := DefaultConfig()
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = def.MaxStep
	}
	if cfg.MaxPredictDt <= 0 {
		cfg.MaxPredictDt = def.MaxPredictDt
	}
	return &Propagator{cfg: cfg}
}

// Config returns the propagator's parameters.
func (p *Propagator) Config() Config { return p.cfg }

// Propagate advances s by dt seconds. dt == 0 returns s unchanged with
// Φ = I and Q = 0.
func (p *Propagator) Propagate(s State, dt float64) (Prediction, error) {
	n := vaod.StateDim
	phi := identity(n)
	q := mat.NewSymDense(n, nil)

	switch {
	case math.IsNaN(dt) || math.IsInf(dt, 0):
		return Prediction{}, fmt.Errorf("dt=%v: %w", dt, ErrNonFinite)
	case dt < 0:
		return Prediction{}, fmt.Errorf("dt=%.6fs: %w", dt, ErrNegativeStep)
	case dt > p.cfg.MaxPredictDt.Seconds():
		return Prediction{}, fmt.Errorf("dt=%.3fs > %s: %w", dt, p.cfg.MaxPredictDt, ErrStepTooLarge)
	case !s.IsFinite():
		return Prediction{}, ErrNonFinite
	case dt == 0:
		return Prediction{State: s, Phi: phi, Q: q}, nil
	}

	steps := int(math.Ceil(dt / p.cfg.MaxStep.Seconds()))
	h := dt / float64(steps)

	cur := s
	var work, next mat.Dense
	qd := mat.NewDense(n, n, nil)
	for i := 0; i < steps; i++ {
		phiK := p.stepTransition(cur, h)

		next.Mul(phiK, phi)
		phi.Copy(&next)

		// Q ← Φk Q Φkᵀ + Qk
		work.Mul(phiK, q)
		qd.Mul(&work, phiK.T())
		p.addStepNoise(qd, h)
		symmetrizeInto(q, qd)

		cur = p.rk4(cur, h)
	}

	if !cur.IsFinite() {
		return Prediction{}, ErrNonFinite
	}
	return Prediction{State: cur, Phi: phi, Q: q}, nil
}

// derivative of the translational state and body rate. Attitude is
// integrated separately in rk4.
type derivative struct {
	dw vaod.Vec3
	dr vaod.Vec3
	dv vaod.Vec3
}

func (p *Propagator) deriv(s State) derivative {
	return derivative{
		dw: p.eulerRate(s.AngularVelocity),
		dr: s.Velocity,
		dv: p.Gravity(s.Position),
	}
}

func (p *Propagator) rk4(s State, h float64) State {
	add := func(base State, d derivative, k float64) State {
		return State{
			Attitude:        base.Attitude,
			AngularVelocity: base.AngularVelocity.Add(d.dw.Scale(k)),
			Position:        base.Position.Add(d.dr.Scale(k)),
			Velocity:        base.Velocity.Add(d.dv.Scale(k)),
		}
	}
	k1 := p.deriv(s)
	k2 := p.deriv(add(s, k1, h/2))
	k3 := p.deriv(add(s, k2, h/2))
	k4 := p.deriv(add(s, k3, h))

	sum := derivative{
		dw: k1.dw.Add(k2.dw.Scale(2)).Add(k3.dw.Scale(2)).Add(k4.dw),
		dr: k1.dr.Add(k2.dr.Scale(2)).Add(k3.dr.Scale(2)).Add(k4.dr),
		dv: k1.dv.Add(k2.dv.Scale(2)).Add(k3.dv.Scale(2)).Add(k4.dv),
	}
	out := add(s, sum, h/6)
	// Attitude advances on the rotation group with the mean sub-step rate,
	// which is exact for constant ω.
	mean := s.AngularVelocity.Add(out.AngularVelocity).Scale(0.5 * h)
	out.Attitude = s.Attitude.Mul(vaod.QuaternionFromRotationVector(mean)).Normalize()
	return out
}

// Gravity returns the two-body (plus J2 when enabled) acceleration at r.
func (p *Propagator) Gravity(r vaod.Vec3) vaod.Vec3 {
	r2 := r.NormSquared()
	rn := math.Sqrt(r2)
	if rn == 0 {
		return vaod.Vec3{}
	}
	k := -MuEarth / (r2 * rn)
	if !p.cfg.EnableJ2 {
		return r.Scale(k)
	}
	zr2 := r[2] * r[2] / r2
	c := 1.5 * J2 * EarthRadius * EarthRadius / r2
	fxy := 1 - c*(5*zr2-1)
	fz := 1 - c*(5*zr2-3)
	return vaod.Vec3{k * r[0] * fxy, k * r[1] * fxy, k * r[2] * fz}
}

// eulerRate is the torque-free rigid body equation J·ω̇ = −ω × Jω.
func (p *Propagator) eulerRate(w vaod.Vec3) vaod.Vec3 {
	j := p.cfg.Inertia
	if j[0] <= 0 || j[1] <= 0 || j[2] <= 0 {
		return vaod.Vec3{}
	}
	jw := vaod.Vec3{j[0] * w[0], j[1] * w[1], j[2] * w[2]}
	t := w.Cross(jw).Neg()
	return vaod.Vec3{t[0] / j[0], t[1] / j[1], t[2] / j[2]}
}

// stepTransition returns Φk = I + F·h + (F·h)²/2 for the linearised error
// dynamics at s.
func (p *Propagator) stepTransition(s State, h float64) *mat.Dense {
	n := vaod.StateDim
	f := mat.NewDense(n, n, nil)
	w := s.AngularVelocity

	// δθ̇ = −[ω×]δθ + δω
	sk := w.Skew()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			f.Set(vaod.IdxAttitude+i, vaod.IdxAttitude+j, -sk[i][j])
		}
		f.Set(vaod.IdxAttitude+i, vaod.IdxRate+i, 1)
		f.Set(vaod.IdxPosition+i, vaod.IdxVelocity+i, 1)
	}

	// δω̇ = J⁻¹([Jω×] − [ω×]J) δω
	if jm := p.cfg.Inertia; jm[0] > 0 && jm[1] > 0 && jm[2] > 0 {
		jw := vaod.Vec3{jm[0] * w[0], jm[1] * w[1], jm[2] * w[2]}.Skew()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				f.Set(vaod.IdxRate+i, vaod.IdxRate+j, (jw[i][j]-sk[i][j]*jm[j])/jm[i])
			}
		}
	}

	// δv̇ = μ/r³ (3 r̂ r̂ᵀ − I) δr
	r := s.Position
	rn := r.Norm()
	if rn > 0 {
		u := r.Scale(1 / rn)
		g := MuEarth / (rn * rn * rn)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				v := 3 * u[i] * u[j]
				if i == j {
					v--
				}
				f.Set(vaod.IdxVelocity+i, vaod.IdxPosition+j, g*v)
			}
		}
	}

	f.Scale(h, f)
	var f2 mat.Dense
	f2.Mul(f, f)
	f2.Scale(0.5, &f2)

	phi := identity(n)
	phi.Add(phi, f)
	phi.Add(phi, &f2)
	return phi
}

// addStepNoise adds the discretised white-noise process covariance of one
// sub-step of length h.
func (p *Propagator) addStepNoise(q *mat.Dense, h float64) {
	qa, qw, qacc := p.cfg.ProcessNoiseAttitude, p.cfg.ProcessNoiseRate, p.cfg.ProcessNoiseAccel
	h2, h3 := h*h, h*h*h
	for i := 0; i < 3; i++ {
		a, w := vaod.IdxAttitude+i, vaod.IdxRate+i
		q.Set(a, a, q.At(a, a)+qa*h+qw*h3/3)
		q.Set(a, w, q.At(a, w)+qw*h2/2)
		q.Set(w, a, q.At(w, a)+qw*h2/2)
		q.Set(w, w, q.At(w, w)+qw*h)

		r, v := vaod.IdxPosition+i, vaod.IdxVelocity+i
		q.Set(r, r, q.At(r, r)+qacc*h3/3)
		q.Set(r, v, q.At(r, v)+qacc*h2/2)
		q.Set(v, r, q.At(v, r)+qacc*h2/2)
		q.Set(v, v, q.At(v, v)+qacc*h)
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func symmetrizeInto(dst *mat.SymDense, src mat.Matrix) {
	n := dst.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, 0.5*(src.At(i, j)+src.At(j, i)))
		}
	}
}
