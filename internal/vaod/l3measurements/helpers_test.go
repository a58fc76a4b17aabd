package l3measurements

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
)

const testFocal = 1000.0

func testCameraSpec() l1frames.CameraSpec {
	return l1frames.CameraSpec{
		ID:             "cam0",
		Width:          1024,
		Height:         768,
		Intrinsics:     l1frames.Intrinsics{Fx: testFocal, Fy: testFocal, Cx: 511.5, Cy: 383.5},
		Distortion:     l1frames.Distortion{K1: -0.05, K2: 0.01, P1: 1e-4, P2: -1e-4},
		BodyFromCamera: [4]float64{1, 0, 0, 0},
	}
}

func testCalibration(t *testing.T) *Calibration {
	t.Helper()
	calib, err := NewCalibration(&l1frames.CameraConfig{Cameras: []l1frames.CameraSpec{testCameraSpec()}}, DefaultNoiseModel(), 1)
	require.NoError(t, err)
	return calib
}

// randomCatalog scatters n stars uniformly on the sphere.
func randomCatalog(t *testing.T, n int, seed int64) *Catalog {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	stars := make([]Star, n)
	for i := range stars {
		z := 2*rng.Float64() - 1
		phi := 2 * math.Pi * rng.Float64()
		s := math.Sqrt(1 - z*z)
		stars[i] = Star{ID: 1000 + i, Name: "synthetic", Direction: vaod.Vec3{s * math.Cos(phi), s * math.Sin(phi), z}}
	}
	cat, err := NewCatalog(stars, 70*math.Pi/180)
	require.NoError(t, err)
	return cat
}

func testAttitude() vaod.Quaternion {
	return vaod.QuaternionFromAxisAngle(vaod.Vec3{0.3, -0.5, 0.8}, 1.1)
}

// skyView projects every catalog star visible at att into pixel
// observations with Gaussian centroid noise.
func skyView(cam *CameraModel, cat *Catalog, att vaod.Quaternion, noisePx float64, seed int64) ([]l2features.Observation, []int) {
	rng := rand.New(rand.NewSource(seed))
	var obs []l2features.Observation
	var truth []int
	for i := 0; i < cat.Len(); i++ {
		u, v, ok := cam.BodyToPixel(att.RotateInverse(cat.Star(i).Direction))
		if !ok || u < 2 || v < 2 || u > float64(cam.Width)-3 || v > float64(cam.Height)-3 {
			continue
		}
		obs = append(obs, l2features.Observation{
			X:          u + noisePx*rng.NormFloat64(),
			Y:          v + noisePx*rng.NormFloat64(),
			Type:       l2features.FeatureStarCentroid,
			Confidence: 1,
			Timestamp:  1,
		})
		truth = append(truth, i)
	}
	return obs, truth
}

func testPrior(att vaod.Quaternion, pos vaod.Vec3, attSigma, posSigma float64) *vaod.StateEstimate {
	est := &vaod.StateEstimate{
		Timestamp: 1,
		Attitude:  att,
		Position:  pos,
		Velocity:  vaod.Vec3{0, 7500, 0},
		Mode:      vaod.ModeTracking,
		Valid:     true,
	}
	for k := 0; k < 3; k++ {
		est.Covariance[(vaod.IdxAttitude+k)*vaod.StateDim+vaod.IdxAttitude+k] = attSigma * attSigma
		est.Covariance[(vaod.IdxRate+k)*vaod.StateDim+vaod.IdxRate+k] = 1e-6
		est.Covariance[(vaod.IdxPosition+k)*vaod.StateDim+vaod.IdxPosition+k] = posSigma * posSigma
		est.Covariance[(vaod.IdxVelocity+k)*vaod.StateDim+vaod.IdxVelocity+k] = 1
	}
	return est
}

func newTestModel(t *testing.T, cat *Catalog) *Model {
	t.Helper()
	m, err := NewModel(DefaultConfig(), cat, testCalibration(t))
	require.NoError(t, err)
	return m
}
