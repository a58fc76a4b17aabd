package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

// SceneConfig describes a synthetic run.
type SceneConfig struct {
	Start   int64         // timestamp of frame 0, ns
	Period  time.Duration // frame interval
	Initial l4dynamics.State
	Render  RenderConfig
	Seed    uint64

	// Occluded reports frames that render no features (lens cap, eclipse
	// of the sensor). Nil means every frame is visible.
	Occluded func(frame int) bool
}

// CircularOrbit returns a circular orbit state at the given altitude and
// inclination, starting on the ascending node.
func CircularOrbit(altitude, inclination float64) l4dynamics.State {
	r := l4dynamics.EarthRadius + altitude
	v := math.Sqrt(l4dynamics.MuEarth / r)
	return l4dynamics.State{
		Attitude: vaod.IdentityQuaternion(),
		Position: vaod.Vec3{r, 0, 0},
		Velocity: vaod.Vec3{0, v * math.Cos(inclination), v * math.Sin(inclination)},
	}
}

// HorizonPointing orients s so that the camera boresight lies in the orbit
// plane, ahead of the spacecraft, elevation radians above the Earth limb,
// and sets the body rate that holds that pointing. Negative elevation puts
// the Earth in the centre of the view.
func HorizonPointing(s l4dynamics.State, cam *l3measurements.CameraModel, elevation float64) l4dynamics.State {
	rn := s.Position.Norm()
	nadir := s.Position.Scale(-1 / rn)
	normal := s.Position.Cross(s.Velocity).Unit()
	ahead := nadir.Cross(normal)
	off := math.Asin(l4dynamics.EarthRadius/rn) + elevation

	z := nadir.Scale(math.Cos(off)).Add(ahead.Scale(math.Sin(off)))
	x := normal
	y := z.Cross(x)
	eciFromCam := vaod.QuaternionFromMatrix([3][3]float64{
		{x[0], y[0], z[0]},
		{x[1], y[1], z[1]},
		{x[2], y[2], z[2]},
	})
	s.Attitude = eciFromCam.Mul(cam.BodyFromCamera.Conj()).Normalize()

	rate := s.Position.Cross(s.Velocity).Scale(1 / (rn * rn))
	s.AngularVelocity = s.Attitude.RotateInverse(rate)
	return s
}

// Truth is the scene state at one frame.
type Truth struct {
	Frame     int
	Timestamp int64
	State     l4dynamics.State
}

// Scene is a truth trajectory seen by one camera. It is safe for
// concurrent use; the camera driver and the gyro share one scene.
type Scene struct {
	cfg     SceneConfig
	prop    *l4dynamics.Propagator
	cam     *l3measurements.CameraModel
	catalog *l3measurements.Catalog

	mu    sync.Mutex
	truth Truth
}

// NewScene validates cfg and places the scene at frame 0.
func NewScene(cfg SceneConfig, prop *l4dynamics.Propagator, cam *l3measurements.CameraModel, catalog *l3measurements.Catalog) (*Scene, error) {
	if cam == nil || catalog == nil {
		return nil, errors.New("scene needs a camera and a catalog")
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("frame period %v must be positive", cfg.Period)
	}
	if !cfg.Initial.IsFinite() || cfg.Initial.Position.Norm() <= l4dynamics.EarthRadius {
		return nil, errors.New("initial state must be finite and above the surface")
	}
	if prop == nil {
		prop = l4dynamics.New(l4dynamics.DefaultConfig())
	}
	if cfg.Render == (RenderConfig{}) {
		cfg.Render = DefaultRenderConfig()
	}
	cfg.Initial.Attitude = cfg.Initial.Attitude.Normalize()
	return &Scene{
		cfg:     cfg,
		prop:    prop,
		cam:     cam,
		catalog: catalog,
		truth:   Truth{Timestamp: cfg.Start, State: cfg.Initial},
	}, nil
}

// Camera returns the observing camera.
func (s *Scene) Camera() *l3measurements.CameraModel { return s.cam }

// Catalog returns the rendered star catalog.
func (s *Scene) Catalog() *l3measurements.Catalog { return s.catalog }

// Period returns the frame interval.
func (s *Scene) Period() time.Duration { return s.cfg.Period }

// Truth returns the current truth.
func (s *Scene) Truth() Truth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truth
}

// Occluded reports whether the current frame is blanked.
func (s *Scene) Occluded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occluded(s.truth.Frame)
}

func (s *Scene) occluded(frame int) bool {
	return s.cfg.Occluded != nil && s.cfg.Occluded(frame)
}

// Step advances the truth by one frame period.
func (s *Scene) Step() (Truth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pred, err := s.prop.Propagate(s.truth.State, s.cfg.Period.Seconds())
	if err != nil {
		return s.truth, fmt.Errorf("propagate truth at frame %d: %w", s.truth.Frame, err)
	}
	s.truth = Truth{
		Frame:     s.truth.Frame + 1,
		Timestamp: s.truth.Timestamp + s.cfg.Period.Nanoseconds(),
		State:     pred.State,
	}
	return s.truth, nil
}

// Estimate returns the truth as a tracking-mode estimate with the given
// 1σ attitude (rad) and position (m) covariance. Tests use it as a prior.
func (t Truth) Estimate(attSigma, posSigma float64) vaod.StateEstimate {
	est := vaod.StateEstimate{
		Timestamp:       t.Timestamp,
		Attitude:        t.State.Attitude,
		AngularVelocity: t.State.AngularVelocity,
		Position:        t.State.Position,
		Velocity:        t.State.Velocity,
		Mode:            vaod.ModeTracking,
		Valid:           true,
		Authoritative:   true,
	}
	for k := 0; k < 3; k++ {
		i := vaod.IdxAttitude + k
		est.Covariance[i*vaod.StateDim+i] = attSigma * attSigma
		i = vaod.IdxRate + k
		est.Covariance[i*vaod.StateDim+i] = 1e-8
		i = vaod.IdxPosition + k
		est.Covariance[i*vaod.StateDim+i] = posSigma * posSigma
		i = vaod.IdxVelocity + k
		est.Covariance[i*vaod.StateDim+i] = 1
	}
	return est
}
