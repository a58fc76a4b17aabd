package l3measurements

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

func TestBlockMaxEigen(t *testing.T) {
	t.Parallel()
	var c vaod.Covariance
	set := func(i, j int, v float64) {
		c[i*vaod.StateDim+j] = v
		c[j*vaod.StateDim+i] = v
	}
	set(0, 0, 4)
	set(1, 1, 1)
	set(2, 2, 1)
	set(0, 1, 1)
	set(6, 6, 9)
	// [[4 1 0] [1 1 0] [0 0 1]] has λmax = (5+√13)/2.
	assert.InDelta(t, (5+math.Sqrt(13))/2, blockMaxEigen(&c, vaod.IdxAttitude), 1e-9)
	assert.InDelta(t, 9, blockMaxEigen(&c, vaod.IdxPosition), 1e-9)
	assert.Zero(t, blockMaxEigen(&c, vaod.IdxVelocity))
}

func TestStarGateClamped(t *testing.T) {
	t.Parallel()
	m := &Model{cfg: DefaultConfig()}
	// 4·sqrt((2e-3)² + (1e-3)²)·1000 ≈ 8.94 px
	assert.InDelta(t, 4*math.Sqrt(5e-6)*1000, m.starGatePixels(4e-6, 1e-3, 1000), 1e-9)
	assert.Equal(t, m.cfg.MinGatePixels, m.starGatePixels(0, 1e-5, 1000))
	assert.Equal(t, m.cfg.MaxGatePixels, m.starGatePixels(1, 1e-3, 1000))
}

func TestLimbGateGrowsWithPositionUncertainty(t *testing.T) {
	t.Parallel()
	m := &Model{cfg: DefaultConfig()}
	rn := 7.0e6
	small := m.limbGate(4e-6, 1e6, rn, 1e-3, 1000)
	large := m.limbGate(4e-6, 1e8, rn, 1e-3, 1000)
	assert.Greater(t, large, small)
	assert.LessOrEqual(t, m.limbGate(1, 1e12, rn, 1, 1000), m.cfg.MaxGatePixels/1000)
	assert.GreaterOrEqual(t, m.limbGate(0, 0, rn, 0, 1000), m.cfg.MinGatePixels/1000)
}

func TestLimbResidual(t *testing.T) {
	t.Parallel()
	pos := vaod.Vec3{7.0e6, 0, 0}
	rho := math.Asin(EarthRadius / pos.Norm())
	u := vaod.Vec3{-math.Cos(rho), math.Sin(rho), 0}
	res, ok := limbResidual(u, pos)
	assert.True(t, ok)
	assert.InDelta(t, 0, res, 1e-12)

	res, ok = limbResidual(vaod.Vec3{-1, 0, 0}, pos)
	assert.True(t, ok)
	assert.InDelta(t, -rho, res, 1e-12)

	_, ok = limbResidual(u, vaod.Vec3{6.0e6, 0, 0})
	assert.False(t, ok)
}

func TestNoiseModel(t *testing.T) {
	t.Parallel()
	n := NoiseModel{PixelSigma: 0.5, Inflation: 2, OffAxisCoeff: 0.5, ConfidenceFloor: 0.25}
	assert.InDelta(t, 1.0, n.PixelSigmaAt(0, 1), 1e-12)
	assert.InDelta(t, 1.5, n.PixelSigmaAt(1, 1), 1e-12)
	assert.InDelta(t, 2.0, n.PixelSigmaAt(0, 0.5), 1e-12)
	// Confidence below the floor is clamped to it.
	assert.InDelta(t, 4.0, n.PixelSigmaAt(0, 0.01), 1e-12)

	cam, err := NewCameraModel(testCameraSpec())
	assert.NoError(t, err)
	assert.InDelta(t, 1.0/testFocal, n.Sigma(cam, cam.Cx, cam.Cy, 1), 1e-15)
}

func TestTriadRecoversAttitude(t *testing.T) {
	t.Parallel()
	att := testAttitude()
	r1, r2 := StarDirection(10, 20), StarDirection(40, -5)
	got, ok := triad(att.RotateInverse(r1), att.RotateInverse(r2), r1, r2)
	assert.True(t, ok)
	assert.Less(t, got.AngleTo(att), 1e-9)

	_, ok = triad(r1, r1, r1, r1)
	assert.False(t, ok)
}
