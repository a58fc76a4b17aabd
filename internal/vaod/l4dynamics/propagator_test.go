package l4dynamics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

func leoState() State {
	r := EarthRadius + 500e3
	v := math.Sqrt(MuEarth / r)
	return State{
		Attitude:        vaod.IdentityQuaternion(),
		AngularVelocity: vaod.Vec3{0, 0, 1e-3},
		Position:        vaod.Vec3{r, 0, 0},
		Velocity:        vaod.Vec3{0, v * math.Cos(0.9), v * math.Sin(0.9)},
	}
}

func TestPropagateZeroIsIdentity(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig())
	s := leoState()

	pred, err := p.Propagate(s, 0)
	require.NoError(t, err)
	assert.Equal(t, s, pred.State)
	for i := 0; i < vaod.StateDim; i++ {
		for j := 0; j < vaod.StateDim; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.Equal(t, want, pred.Phi.At(i, j))
			assert.Equal(t, 0.0, pred.Q.At(i, j))
		}
	}
}

func TestPropagateRejectsBadInput(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig())
	s := leoState()

	_, err := p.Propagate(s, -1)
	assert.ErrorIs(t, err, ErrNegativeStep)

	_, err = p.Propagate(s, math.NaN())
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = p.Propagate(s, p.Config().MaxPredictDt.Seconds()+1)
	assert.ErrorIs(t, err, ErrStepTooLarge)

	bad := s
	bad.Velocity[1] = math.Inf(1)
	_, err = p.Propagate(bad, 1)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestCircularOrbitClosesAfterOnePeriod(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EnableJ2 = false
	cfg.MaxPredictDt = 2 * time.Hour
	p := New(cfg)

	s := leoState()
	period := 2 * math.Pi * math.Sqrt(math.Pow(s.Position.Norm(), 3)/MuEarth)

	pred, err := p.Propagate(s, period)
	require.NoError(t, err)
	assert.Less(t, pred.State.Position.Sub(s.Position).Norm(), 10.0)
	assert.InDelta(t, s.Velocity.Norm(), pred.State.Velocity.Norm(), 1e-2)
}

func TestTwoBodyConservesEnergy(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EnableJ2 = false
	p := New(cfg)

	energy := func(s State) float64 {
		return 0.5*s.Velocity.NormSquared() - MuEarth/s.Position.Norm()
	}
	s := leoState()
	s.Velocity = s.Velocity.Scale(1.05)
	pred, err := p.Propagate(s, 300)
	require.NoError(t, err)
	assert.InEpsilon(t, energy(s), energy(pred.State), 1e-8)
}

func TestJ2PerturbsOrbit(t *testing.T) {
	t.Parallel()
	withJ2 := New(DefaultConfig())
	cfg := DefaultConfig()
	cfg.EnableJ2 = false
	without := New(cfg)

	a, err := withJ2.Propagate(leoState(), 300)
	require.NoError(t, err)
	b, err := without.Propagate(leoState(), 300)
	require.NoError(t, err)

	d := a.State.Position.Sub(b.State.Position).Norm()
	assert.Greater(t, d, 1.0)
	assert.Less(t, d, 5000.0)
}

func TestConstantRateAttitude(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig())
	s := leoState()
	s.AngularVelocity = vaod.Vec3{0.01, -0.02, 0.005}

	pred, err := p.Propagate(s, 60)
	require.NoError(t, err)

	want := s.Attitude.Mul(vaod.QuaternionFromRotationVector(s.AngularVelocity.Scale(60)))
	assert.Less(t, pred.State.Attitude.AngleTo(want), 1e-8)
	assert.True(t, pred.State.Attitude.IsUnit(vaod.QuaternionTolerance))
	assert.Equal(t, s.AngularVelocity, pred.State.AngularVelocity)
}

func TestEulerDynamicsConserveMomentum(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Inertia = vaod.Vec3{0.03, 0.04, 0.05}
	cfg.MaxStep = 100 * time.Millisecond
	p := New(cfg)

	s := leoState()
	s.AngularVelocity = vaod.Vec3{0.1, 0.02, -0.05}
	pred, err := p.Propagate(s, 20)
	require.NoError(t, err)

	h := func(s State) vaod.Vec3 {
		j := cfg.Inertia
		w := s.AngularVelocity
		return s.Attitude.Rotate(vaod.Vec3{j[0] * w[0], j[1] * w[1], j[2] * w[2]})
	}
	assert.Less(t, h(pred.State).Sub(h(s)).Norm(), 1e-6)
	assert.NotEqual(t, s.AngularVelocity, pred.State.AngularVelocity)
}

func TestTransitionMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig())
	s := leoState()
	const dt = 60.0

	base, err := p.Propagate(s, dt)
	require.NoError(t, err)

	// Position perturbation maps through the r and v blocks.
	delta := vaod.Vec3{10, -5, 3}
	ps := s
	ps.Position = s.Position.Add(delta)
	pert, err := p.Propagate(ps, dt)
	require.NoError(t, err)

	dx := mat.NewVecDense(vaod.StateDim, nil)
	for i := 0; i < 3; i++ {
		dx.SetVec(vaod.IdxPosition+i, delta[i])
	}
	var lin mat.VecDense
	lin.MulVec(base.Phi, dx)

	dr := pert.State.Position.Sub(base.State.Position)
	dv := pert.State.Velocity.Sub(base.State.Velocity)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, dr[i], lin.AtVec(vaod.IdxPosition+i), 1e-2)
		assert.InDelta(t, dv[i], lin.AtVec(vaod.IdxVelocity+i), 1e-4)
	}
}

func TestProcessNoiseIsSymmetricAndGrows(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig())
	s := leoState()

	short, err := p.Propagate(s, 5)
	require.NoError(t, err)
	long, err := p.Propagate(s, 50)
	require.NoError(t, err)

	var eig mat.EigenSym
	require.True(t, eig.Factorize(long.Q, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-18)
	}
	for _, idx := range []int{vaod.IdxAttitude, vaod.IdxRate, vaod.IdxPosition, vaod.IdxVelocity} {
		assert.Greater(t, long.Q.At(idx, idx), short.Q.At(idx, idx))
	}
}

func TestSplitPropagationAgrees(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig())
	s := leoState()

	whole, err := p.Propagate(s, 20)
	require.NoError(t, err)
	first, err := p.Propagate(s, 10)
	require.NoError(t, err)
	second, err := p.Propagate(first.State, 10)
	require.NoError(t, err)

	assert.InDelta(t, 0, whole.State.Position.Sub(second.State.Position).Norm(), 1e-6)
	assert.Less(t, whole.State.Attitude.AngleTo(second.State.Attitude), 1e-12)
}

func TestGravityMagnitude(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EnableJ2 = false
	g := New(cfg).Gravity(vaod.Vec3{EarthRadius, 0, 0})
	assert.InDelta(t, 9.798, g.Norm(), 1e-3)
	assert.Less(t, g[0], 0.0)
	assert.Equal(t, vaod.Vec3{}, New(cfg).Gravity(vaod.Vec3{}))
}
