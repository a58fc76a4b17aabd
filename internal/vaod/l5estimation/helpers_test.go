package l5estimation

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

const (
	testSigma   = 1e-4 // rad, measurement 1σ
	frameStepNs = int64(time.Second)
	fovCos      = 0.82 // ~35° half angle
)

// scene is a zero-noise truth trajectory with a fixed star field.
type scene struct {
	t       *testing.T
	prop    *l4dynamics.Propagator
	truth   l4dynamics.State
	ts      int64
	catalog []vaod.Vec3
}

func newScene(t *testing.T) *scene {
	t.Helper()
	r := l4dynamics.EarthRadius + 500e3
	v := math.Sqrt(l4dynamics.MuEarth / r)
	return &scene{
		t:    t,
		prop: l4dynamics.New(l4dynamics.DefaultConfig()),
		truth: l4dynamics.State{
			Attitude:        vaod.QuaternionFromAxisAngle(vaod.Vec3{1, 2, 3}, 0.7),
			AngularVelocity: vaod.Vec3{0, 1e-3, 0},
			Position:        vaod.Vec3{r, 0, 0},
			Velocity:        vaod.Vec3{0, v * math.Cos(0.9), v * math.Sin(0.9)},
		},
		ts:      int64(1000 * time.Second),
		catalog: fibonacciSphere(400),
	}
}

// fibonacciSphere returns n near-uniform unit vectors.
func fibonacciSphere(n int) []vaod.Vec3 {
	out := make([]vaod.Vec3, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := range out {
		z := 1 - 2*(float64(i)+0.5)/float64(n)
		rad := math.Sqrt(1 - z*z)
		th := golden * float64(i)
		out[i] = vaod.Vec3{rad * math.Cos(th), rad * math.Sin(th), z}
	}
	return out
}

// advance moves the truth forward one frame.
func (sc *scene) advance() {
	pred, err := sc.prop.Propagate(sc.truth, float64(frameStepNs)/1e9)
	require.NoError(sc.t, err)
	sc.truth = pred.State
	sc.ts += frameStepNs
}

func (sc *scene) stars() []vaod.Measurement {
	var out []vaod.Measurement
	for i, s := range sc.catalog {
		b := sc.truth.Attitude.RotateInverse(s)
		if b[2] < fovCos {
			continue
		}
		out = append(out, vaod.Measurement{
			Kind:       vaod.MeasurementStar,
			Timestamp:  sc.ts,
			Direction:  b,
			Reference:  s,
			Variance:   testSigma * testSigma,
			Label:      fmt.Sprintf("HIP%d", i),
			Confidence: 1,
		})
	}
	return out
}

func (sc *scene) limb(points int) []vaod.Measurement {
	r := sc.truth.Position
	nadir := r.Unit().Neg()
	rho := math.Asin(l4dynamics.EarthRadius / r.Norm())
	e1, e2 := nadir.Orthonormal()
	out := make([]vaod.Measurement, 0, points)
	for k := 0; k < points; k++ {
		phi := 2 * math.Pi * float64(k) / float64(points)
		u := nadir.Scale(math.Cos(rho)).Add(e1.Scale(math.Sin(rho) * math.Cos(phi))).Add(e2.Scale(math.Sin(rho) * math.Sin(phi)))
		out = append(out, vaod.Measurement{
			Kind:       vaod.MeasurementLimb,
			Timestamp:  sc.ts,
			Direction:  sc.truth.Attitude.RotateInverse(u),
			Variance:   testSigma * testSigma,
			Label:      vaod.LabelEarthLimb,
			Confidence: 1,
		})
	}
	return out
}

// noisyLimb returns points spread over ±halfArc of limb azimuth, each
// pushed off the cone by a Gaussian of sigma rad in both tangent axes.
func (sc *scene) noisyLimb(rng *rand.Rand, points int, halfArc, sigma float64) []vaod.Measurement {
	r := sc.truth.Position
	nadir := r.Unit().Neg()
	rho := math.Asin(l4dynamics.EarthRadius / r.Norm())
	e1, e2 := nadir.Orthonormal()
	out := make([]vaod.Measurement, 0, points)
	for k := 0; k < points; k++ {
		phi := -halfArc + 2*halfArc*float64(k)/float64(points-1)
		u := nadir.Scale(math.Cos(rho)).Add(e1.Scale(math.Sin(rho) * math.Cos(phi))).Add(e2.Scale(math.Sin(rho) * math.Sin(phi)))
		t1, t2 := u.Orthonormal()
		u = u.Add(t1.Scale(sigma * rng.NormFloat64())).Add(t2.Scale(sigma * rng.NormFloat64())).Unit()
		out = append(out, vaod.Measurement{
			Kind:       vaod.MeasurementLimb,
			Timestamp:  sc.ts,
			Direction:  sc.truth.Attitude.RotateInverse(u),
			Variance:   sigma * sigma,
			Label:      vaod.LabelEarthLimb,
			Confidence: 1,
		})
	}
	return out
}

func (sc *scene) batch() vaod.MeasurementBatch {
	ms := append(sc.stars(), sc.limb(12)...)
	return vaod.MeasurementBatch{FrameTimestamp: sc.ts, Measurements: ms, FeatureCount: len(ms)}
}

func (sc *scene) empty() vaod.MeasurementBatch {
	return vaod.MeasurementBatch{FrameTimestamp: sc.ts}
}

func (sc *scene) truthEstimate() vaod.StateEstimate {
	return vaod.StateEstimate{
		Timestamp:       sc.ts,
		Attitude:        sc.truth.Attitude,
		AngularVelocity: sc.truth.AngularVelocity,
		Position:        sc.truth.Position,
		Velocity:        sc.truth.Velocity,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LostTimeout = 10 * time.Second
	return cfg
}

// requireHealthyCovariance checks symmetry and positive semi-definiteness.
// The check runs on the correlation matrix because the state mixes units.
func requireHealthyCovariance(t *testing.T, est vaod.StateEstimate) {
	t.Helper()
	require.True(t, est.Attitude.IsUnit(vaod.QuaternionTolerance), "quaternion norm %v", est.Attitude.Norm())
	if !est.Mode.HasState() {
		return
	}
	c := est.Covariance
	require.True(t, c.IsSymmetric(1e-12), "covariance not symmetric")
	n := vaod.StateDim
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		require.Greater(t, c.At(i, i), 0.0, "diagonal %d", i)
		for j := i; j < n; j++ {
			corr.SetSym(i, j, c.At(i, j)/math.Sqrt(c.At(i, i)*c.At(j, j)))
		}
	}
	var es mat.EigenSym
	require.True(t, es.Factorize(corr, false))
	for _, v := range es.Values(nil) {
		require.GreaterOrEqual(t, v, -1e-9)
	}
}

// runToTracking initialises f from sc and drives it to TRACKING.
func runToTracking(t *testing.T, f *Filter, sc *scene) {
	t.Helper()
	for i := 0; i < 40 && f.Mode() != vaod.ModeTracking; i++ {
		_, err := f.Update(sc.batch())
		require.NoError(t, err)
		sc.advance()
	}
	require.Equal(t, vaod.ModeTracking, f.Mode())
}
