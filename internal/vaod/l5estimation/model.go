package l5estimation

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

// linearization is one measurement's innovation and Jacobian at the current
// nominal state.
type linearization struct {
	y *mat.VecDense // innovation z − h(x)
	H *mat.Dense    // Dim×StateDim
}

// linearize evaluates the measurement model for m. It reports false when the
// geometry is undefined (inside the Earth, line of sight along nadir).
func linearize(m vaod.Measurement, s l4dynamics.State) (linearization, bool) {
	switch m.Kind {
	case vaod.MeasurementStar:
		return linearizeStar(m, s)
	case vaod.MeasurementLimb:
		return linearizeLimb(m, s)
	case vaod.MeasurementBodyRate:
		return linearizeRate(m, s)
	}
	return linearization{}, false
}

// Star: the residual is the observed line of sight projected on the tangent
// plane of the predicted one.
func linearizeStar(m vaod.Measurement, s l4dynamics.State) (linearization, bool) {
	ref := m.Reference.Unit()
	obs := m.Direction.Unit()
	if ref.NormSquared() == 0 || obs.NormSquared() == 0 {
		return linearization{}, false
	}
	p := s.Attitude.RotateInverse(ref).Unit()
	e1, e2 := p.Orthonormal()

	y := mat.NewVecDense(2, []float64{e1.Dot(obs), e2.Dot(obs)})
	h := mat.NewDense(2, vaod.StateDim, nil)
	// ∂p/∂δθ = [p×]
	r1, r2 := e1.Cross(p), e2.Cross(p)
	for k := 0; k < 3; k++ {
		h.Set(0, vaod.IdxAttitude+k, r1[k])
		h.Set(1, vaod.IdxAttitude+k, r2[k])
	}
	return linearization{y: y, H: h}, true
}

// Limb: a limb line of sight makes the Earth's angular radius with nadir,
// h = acos(u·n) − asin(Re/|r|), observed value zero.
func linearizeLimb(m vaod.Measurement, s l4dynamics.State) (linearization, bool) {
	u := m.Direction.Unit()
	r := s.Position
	rn := r.Norm()
	if rn <= l4dynamics.EarthRadius || u.NormSquared() == 0 {
		return linearization{}, false
	}
	rhat := r.Scale(1 / rn)
	nb := s.Attitude.RotateInverse(rhat.Neg())
	c := u.Dot(nb)
	sinAng := math.Sqrt(math.Max(1-c*c, 0))
	if sinAng < 1e-9 {
		return linearization{}, false
	}
	ratio := l4dynamics.EarthRadius / rn
	cosRho := math.Sqrt(1 - ratio*ratio)

	hval := math.Acos(math.Max(-1, math.Min(1, c))) - math.Asin(ratio)
	y := mat.NewVecDense(1, []float64{-hval})

	h := mat.NewDense(1, vaod.StateDim, nil)
	dhdc := -1 / sinAng

	dcdTheta := u.Cross(nb)
	ueci := s.Attitude.Rotate(u)
	perp := ueci.Sub(rhat.Scale(ueci.Dot(rhat)))
	dcdR := perp.Scale(-1 / rn)
	dRange := rhat.Scale(l4dynamics.EarthRadius / (rn * rn * cosRho))
	for k := 0; k < 3; k++ {
		h.Set(0, vaod.IdxAttitude+k, dhdc*dcdTheta[k])
		h.Set(0, vaod.IdxPosition+k, dhdc*dcdR[k]+dRange[k])
	}
	return linearization{y: y, H: h}, true
}

func linearizeRate(m vaod.Measurement, s l4dynamics.State) (linearization, bool) {
	d := m.Direction.Sub(s.AngularVelocity)
	y := mat.NewVecDense(3, []float64{d[0], d[1], d[2]})
	h := mat.NewDense(3, vaod.StateDim, nil)
	for k := 0; k < 3; k++ {
		h.Set(k, vaod.IdxRate+k, 1)
	}
	return linearization{y: y, H: h}, true
}

// inject applies an error-state correction: q ⊗ exp(δθ), additive elsewhere.
func inject(s l4dynamics.State, dx mat.Vector) l4dynamics.State {
	block := func(idx int) vaod.Vec3 {
		return vaod.Vec3{dx.AtVec(idx), dx.AtVec(idx + 1), dx.AtVec(idx + 2)}
	}
	s.Attitude = s.Attitude.Mul(vaod.QuaternionFromRotationVector(block(vaod.IdxAttitude))).Normalize()
	s.AngularVelocity = s.AngularVelocity.Add(block(vaod.IdxRate))
	s.Position = s.Position.Add(block(vaod.IdxPosition))
	s.Velocity = s.Velocity.Add(block(vaod.IdxVelocity))
	return s
}
