package l5estimation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

var (
	ErrInsufficientStars = errors.New("insufficient associated stars")
	ErrInsufficientLimb  = errors.New("insufficient limb points")
	ErrDegenerate        = errors.New("degenerate geometry")
	ErrImplausibleFix    = errors.New("implausible position fix")
)

// maxLimbCondition bounds the condition number of the limb-cone system.
const maxLimbCondition = 1e8

// SolveAttitude solves Wahba's problem for the body→ECI rotation from star
// measurements, weighting each by its inverse variance.
func SolveAttitude(ms []vaod.Measurement) (vaod.Quaternion, error) {
	b := mat.NewDense(3, 3, nil)
	n := 0
	for _, m := range ms {
		if m.Kind != vaod.MeasurementStar || !m.Associated() {
			continue
		}
		w := 1.0
		if m.Variance > 0 {
			w = 1 / m.Variance
		}
		ref, obs := m.Reference.Unit(), m.Direction.Unit()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				b.Set(i, j, b.At(i, j)+w*ref[i]*obs[j])
			}
		}
		n++
	}
	if n < 2 {
		return vaod.Quaternion{}, fmt.Errorf("%d stars: %w", n, ErrInsufficientStars)
	}

	var svd mat.SVD
	if !svd.Factorize(b, mat.SVDFull) {
		return vaod.Quaternion{}, fmt.Errorf("attitude SVD failed: %w", ErrDegenerate)
	}
	sv := svd.Values(nil)
	if sv[1] <= 1e-9*sv[0] {
		return vaod.Quaternion{}, fmt.Errorf("stars are collinear: %w", ErrDegenerate)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := mat.NewDiagDense(3, []float64{1, 1, mat.Det(&u) * mat.Det(&v)})
	var ud, r mat.Dense
	ud.Mul(&u, d)
	r.Mul(&ud, v.T())

	var rm [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm[i][j] = r.At(i, j)
		}
	}
	return vaod.QuaternionFromMatrix(rm), nil
}

// SolveLimbPosition fits the limb cone to limb lines of sight. Each ECI
// direction u satisfies u·n = cos ρ, with n the unit nadir and ρ the
// Earth's angular radius, so u·w = 1 is linear in w = n / cos ρ.
//
// The returned covariance is the least-squares σ²(AᵀA)⁻¹, with σ² the
// residual variance, mapped through the w → position Jacobian.
func SolveLimbPosition(ms []vaod.Measurement, att vaod.Quaternion, minPoints int) (vaod.Vec3, *mat.SymDense, error) {
	var rows []float64
	n := 0
	meanVar := 0.0
	for _, m := range ms {
		if m.Kind != vaod.MeasurementLimb || !m.Associated() {
			continue
		}
		u := att.Rotate(m.Direction.Unit())
		rows = append(rows, u[0], u[1], u[2])
		meanVar += m.Variance
		n++
	}
	if minPoints < 3 {
		minPoints = 3
	}
	if n < minPoints {
		return vaod.Vec3{}, nil, fmt.Errorf("%d limb points: %w", n, ErrInsufficientLimb)
	}
	meanVar /= float64(n)

	a := mat.NewDense(n, 3, rows)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	var qr mat.QR
	qr.Factorize(a)
	if c := qr.Cond(); c > maxLimbCondition || math.IsNaN(c) {
		return vaod.Vec3{}, nil, fmt.Errorf("limb cone condition %.3g: %w", c, ErrDegenerate)
	}
	var w mat.Dense
	if err := qr.SolveTo(&w, false, mat.NewVecDense(n, ones)); err != nil {
		return vaod.Vec3{}, nil, fmt.Errorf("limb cone solve: %v: %w", err, ErrDegenerate)
	}
	wv := vaod.Vec3{w.At(0, 0), w.At(1, 0), w.At(2, 0)}
	ww := wv.Dot(wv)
	if ww <= 1 || !wv.IsFinite() {
		return vaod.Vec3{}, nil, fmt.Errorf("limb cone |w|=%.6f: %w", math.Sqrt(ww), ErrDegenerate)
	}

	// r = -R·w/s with s = √(w·w-1), so ∂r/∂w = -R(I/s - wwᵀ/s³).
	s := math.Sqrt(ww - 1)
	pos := wv.Scale(-l4dynamics.EarthRadius / s)

	rss := 0.0
	for i := 0; i < n; i++ {
		e := 1 - (rows[3*i]*wv[0] + rows[3*i+1]*wv[1] + rows[3*i+2]*wv[2])
		rss += e * e
	}
	// With no redundancy fall back on the measurement variances: a
	// line-of-sight error δu moves u·w by δu·w⊥, and |w⊥|² = w·w - 1.
	sigma2 := meanVar * (ww - 1)
	if n > 3 {
		sigma2 = rss / float64(n-3)
	}

	var ata mat.SymDense
	ata.SymOuterK(1, a.T())
	var chol mat.Cholesky
	if !chol.Factorize(&ata) {
		return vaod.Vec3{}, nil, fmt.Errorf("limb normal matrix not positive definite: %w", ErrDegenerate)
	}
	var covW mat.SymDense
	if err := chol.InverseTo(&covW); err != nil {
		return vaod.Vec3{}, nil, fmt.Errorf("limb normal matrix: %v: %w", err, ErrDegenerate)
	}
	covW.ScaleSym(sigma2, &covW)

	j := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			v := -wv[r] * wv[c] / (s * s * s)
			if r == c {
				v += 1 / s
			}
			j.Set(r, c, -l4dynamics.EarthRadius*v)
		}
	}
	return pos, sandwich(j, &covW), nil
}

// sandwich returns J·P·Jᵀ, symmetrised.
func sandwich(j mat.Matrix, p mat.Symmetric) *mat.SymDense {
	var jp, jpj mat.Dense
	jp.Mul(j, p)
	jpj.Mul(&jp, j.T())
	n, _ := jpj.Dims()
	out := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			out.SetSym(r, c, 0.5*(jpj.At(r, c)+jpj.At(c, r)))
		}
	}
	return out
}

// rssSigma returns the square root of the trace of p.
func rssSigma(p mat.Symmetric) float64 {
	t := 0.0
	n := p.SymmetricDim()
	for i := 0; i < n; i++ {
		t += p.At(i, i)
	}
	return math.Sqrt(math.Max(t, 0))
}

// PriorFunc supplies an orbit seed at a frame timestamp, for example from a
// TLE. ok is false when no prior is available.
type PriorFunc func(ts int64) (prior l4dynamics.OrbitPrior, ok bool)

// fix is one frame's absolute attitude and position solution.
type fix struct {
	timestamp   int64
	attitude    vaod.Quaternion
	position    vaod.Vec3
	posCov      *mat.SymDense // nil when the position came from a fallback
	rate        vaod.Vec3
	hasRate     bool
	stars, limb int
}

// solveFix computes an absolute fix from one batch. When fallback is non-nil
// it stands in for the limb position if too few limb points were seen.
func solveFix(batch vaod.MeasurementBatch, cfg Config, fallback *vaod.Vec3) (fix, error) {
	f := fix{
		timestamp: batch.FrameTimestamp,
		stars:     batch.CountKind(vaod.MeasurementStar),
		limb:      batch.CountKind(vaod.MeasurementLimb),
	}
	minStars := cfg.InitMinStars
	if minStars < 2 {
		minStars = 2
	}
	if f.stars < minStars {
		return f, fmt.Errorf("%d of %d stars: %w", f.stars, minStars, ErrInsufficientStars)
	}
	att, err := SolveAttitude(batch.Measurements)
	if err != nil {
		return f, err
	}
	f.attitude = att

	pos, cov, err := SolveLimbPosition(batch.Measurements, att, cfg.InitMinLimbPoints)
	switch {
	case err == nil:
		if err := plausible(pos, cov, cfg); err != nil {
			return f, err
		}
		f.position, f.posCov = pos, cov
	case fallback != nil && errors.Is(err, ErrInsufficientLimb):
		f.position = *fallback
	default:
		return f, err
	}

	for _, m := range batch.Measurements {
		if m.Kind == vaod.MeasurementBodyRate && m.Associated() {
			f.rate, f.hasRate = m.Direction, true
		}
	}
	return f, nil
}

// plausible rejects limb fixes outside the configured altitude band or too
// uncertain to seed the filter without tripping its divergence check.
func plausible(pos vaod.Vec3, cov *mat.SymDense, cfg Config) error {
	alt := pos.Norm() - l4dynamics.EarthRadius
	if alt < cfg.InitMinAltitude || alt > cfg.InitMaxAltitude {
		return fmt.Errorf("altitude %.0f m outside [%.0f, %.0f]: %w", alt, cfg.InitMinAltitude, cfg.InitMaxAltitude, ErrImplausibleFix)
	}
	if sig := rssSigma(cov); sig > cfg.DivergencePositionSigma || math.IsNaN(sig) {
		return fmt.Errorf("position σ %.3g m: %w", sig, ErrImplausibleFix)
	}
	return nil
}

// initializer accumulates consecutive fixes until an initial state can be
// formed.
type initializer struct {
	fixes []fix
}

func (in *initializer) reset() { in.fixes = in.fixes[:0] }

// add appends f, keeping at most limit of the newest fixes.
func (in *initializer) add(f fix, limit int) {
	in.fixes = append(in.fixes, f)
	if len(in.fixes) > limit {
		in.fixes = append(in.fixes[:0], in.fixes[len(in.fixes)-limit:]...)
	}
}

// orbitFit is a position and velocity at the newest fix with their joint
// 6×6 covariance, position first.
type orbitFit struct {
	position vaod.Vec3
	velocity vaod.Vec3
	cov      *mat.SymDense
}

func (o orbitFit) velocitySigma() float64 {
	return rssSigma(o.cov.SliceSym(3, 6))
}

// fitOrbit fits p(τ) = p + vτ + ½gτ² through the fixes, with τ measured
// from the newest fix and g the gravity at their mean position. Fixes are
// weighted by the inverse of their mean position variance; fixes without a
// covariance get defaultSigma.
func fitOrbit(fixes []fix, gravity func(vaod.Vec3) vaod.Vec3, defaultSigma float64) (orbitFit, error) {
	if len(fixes) < 2 {
		return orbitFit{}, fmt.Errorf("%d fixes: %w", len(fixes), ErrDegenerate)
	}
	last := fixes[len(fixes)-1]
	tau := make([]float64, len(fixes))
	wt := make([]float64, len(fixes))
	covs := make([]*mat.SymDense, len(fixes))
	var mean vaod.Vec3
	for i, fx := range fixes {
		tau[i] = float64(fx.timestamp-last.timestamp) / 1e9
		covs[i] = fx.posCov
		if covs[i] == nil {
			covs[i] = mat.NewSymDense(3, []float64{
				defaultSigma * defaultSigma, 0, 0,
				0, defaultSigma * defaultSigma, 0,
				0, 0, defaultSigma * defaultSigma,
			})
		}
		v := rssSigma(covs[i])
		wt[i] = 3 / math.Max(v*v, 1e-12)
		mean = mean.Add(fx.position)
	}
	g := gravity(mean.Scale(1 / float64(len(fixes))))

	sw, tbar := 0.0, 0.0
	for i := range fixes {
		sw += wt[i]
		tbar += wt[i] * tau[i]
	}
	tbar /= sw
	stt := 0.0
	for i := range fixes {
		d := tau[i] - tbar
		stt += wt[i] * d * d
	}
	if stt <= 0 {
		return orbitFit{}, fmt.Errorf("fixes share a timestamp: %w", ErrDegenerate)
	}

	// Both estimates are linear in the fixes: p = Σ pᵢyᵢ, v = Σ vᵢyᵢ.
	var fit orbitFit
	pc := make([]float64, len(fixes))
	vc := make([]float64, len(fixes))
	for i, fx := range fixes {
		vc[i] = wt[i] * (tau[i] - tbar) / stt
		pc[i] = wt[i]/sw - tbar*vc[i]
		y := fx.position.Sub(g.Scale(0.5 * tau[i] * tau[i]))
		fit.position = fit.position.Add(y.Scale(pc[i]))
		fit.velocity = fit.velocity.Add(y.Scale(vc[i]))
	}
	fit.cov = mat.NewSymDense(6, nil)
	for i := range fixes {
		c := covs[i]
		for r := 0; r < 3; r++ {
			for k := 0; k < 3; k++ {
				cv := c.At(r, k)
				if k >= r {
					fit.cov.SetSym(r, k, fit.cov.At(r, k)+pc[i]*pc[i]*cv)
					fit.cov.SetSym(3+r, 3+k, fit.cov.At(3+r, 3+k)+vc[i]*vc[i]*cv)
				}
				fit.cov.SetSym(r, 3+k, fit.cov.At(r, 3+k)+pc[i]*vc[i]*cv)
			}
		}
	}
	if !fit.position.IsFinite() || !fit.velocity.IsFinite() {
		return orbitFit{}, fmt.Errorf("orbit fit not finite: %w", ErrDegenerate)
	}
	return fit, nil
}

// rateFromFixes returns the mean body rate between two attitude fixes.
func rateFromFixes(a, b fix) vaod.Vec3 {
	dt := float64(b.timestamp-a.timestamp) / 1e9
	if dt <= 0 {
		return vaod.Vec3{}
	}
	return a.attitude.Conj().Mul(b.attitude).RotationVector().Scale(1 / dt)
}
