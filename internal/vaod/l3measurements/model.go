package l3measurements

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
)

// Config holds the association gates.
type Config struct {
	GateSigma       float64
	MinGatePixels   float64
	MaxGatePixels   float64
	StarIDTolerance float64 // rad, pair-angle match tolerance
	GyroSigma       float64 // rad/s
	// MaxInertialAge drops gyro samples older than this relative to the
	// frame.
	MaxInertialAge   time.Duration
	MaxIdentifyStars int
	MinIdentified    int
}

// ConfigFromTuning maps tuning values onto a Config.
func ConfigFromTuning(t *config.TuningConfig) Config {
	return Config{
		GateSigma:        t.GetGateSigma(),
		MinGatePixels:    t.GetMinGatePixels(),
		MaxGatePixels:    t.GetMaxGatePixels(),
		StarIDTolerance:  t.GetStarIDTolerance(),
		GyroSigma:        t.GetGyroSigma(),
		MaxInertialAge:   t.GetMaxInertialAge(),
		MaxIdentifyStars: t.GetMaxIdentifyStars(),
		MinIdentified:    t.GetMinIdentified(),
	}
}

// DefaultConfig returns the built-in gates.
func DefaultConfig() Config { return ConfigFromTuning(config.EmptyTuningConfig()) }

// Input is everything Measure needs for one frame.
type Input struct {
	FrameTimestamp int64
	CameraID       string
	Observations   []l2features.Observation
	// Prior is the filter estimate at the frame time. Without a valid prior
	// stars are identified lost-in-space and limb points are not gated.
	Prior    *vaod.StateEstimate
	Inertial *l1frames.InertialSample
}

func (in Input) hasPrior() bool { return in.Prior != nil && in.Prior.Mode.Valid() }

// Model converts observations into calibrated measurements.
type Model struct {
	cfg     Config
	catalog *Catalog
	calib   atomic.Pointer[Calibration]
}

// NewModel returns a model over catalog with the given calibration.
func NewModel(cfg Config, catalog *Catalog, calib *Calibration) (*Model, error) {
	if catalog == nil {
		return nil, errors.New("measurement model needs a star catalog")
	}
	if calib == nil {
		return nil, errors.New("measurement model needs a calibration")
	}
	if cfg.MaxIdentifyStars < 3 {
		cfg.MaxIdentifyStars = 3
	}
	m := &Model{cfg: cfg, catalog: catalog}
	m.calib.Store(calib)
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) Catalog() *Catalog { return m.catalog }

// Calibration returns the calibration in force.
func (m *Model) Calibration() *Calibration { return m.calib.Load() }

// SetCalibration installs c for subsequent frames. A frame already inside
// Measure keeps the calibration it started with.
func (m *Model) SetCalibration(c *Calibration) error {
	if c == nil {
		return errors.New("nil calibration")
	}
	prev := m.calib.Swap(c)
	monitoring.Opsf("[l3measurements] calibration v%d -> v%d (%d cameras)", prev.Version, c.Version, len(c.Cameras))
	return nil
}

// observed is an observation lifted to a body-frame line of sight.
type observed struct {
	obs   l2features.Observation
	dir   vaod.Vec3
	sigma float64 // rad
}

// Measure associates in.Observations and returns the batch for the filter.
// Unmatched observations are emitted with the unassociated label. The only
// error is a camera with no calibration.
func (m *Model) Measure(in Input) (vaod.MeasurementBatch, error) {
	calib := m.calib.Load()
	cam, err := calib.Camera(in.CameraID)
	if err != nil {
		return vaod.MeasurementBatch{FrameTimestamp: in.FrameTimestamp}, err
	}

	var stars, limbs []observed
	for _, o := range in.Observations {
		ob := observed{
			obs:   o,
			dir:   cam.PixelToBody(o.X, o.Y),
			sigma: calib.Noise.Sigma(cam, o.X, o.Y, o.Confidence),
		}
		switch o.Type {
		case l2features.FeatureStarCentroid:
			stars = append(stars, ob)
		case l2features.FeatureLimbPoint:
			limbs = append(limbs, ob)
		}
	}

	batch := vaod.MeasurementBatch{FrameTimestamp: in.FrameTimestamp, FeatureCount: len(in.Observations)}
	var matched []int
	if in.hasPrior() {
		matched = m.associateStars(cam, stars, in.Prior)
	} else {
		matched = m.identifyStars(stars)
	}
	for i, s := range stars {
		meas := m.measurement(vaod.MeasurementStar, in.FrameTimestamp, s, vaod.LabelUnassociated)
		if idx := matched[i]; idx >= 0 {
			star := m.catalog.Star(idx)
			meas.Label = star.Label()
			meas.Reference = star.Direction
		}
		batch.Measurements = append(batch.Measurements, meas)
	}
	for _, l := range limbs {
		label := vaod.LabelEarthLimb
		if in.hasPrior() && !m.limbInGate(cam, l, in.Prior) {
			label = vaod.LabelUnassociated
		}
		batch.Measurements = append(batch.Measurements, m.measurement(vaod.MeasurementLimb, in.FrameTimestamp, l, label))
	}
	if g := in.Inertial; g != nil && g.Rate.IsFinite() {
		age := time.Duration(in.FrameTimestamp - g.Timestamp)
		if age < 0 {
			age = -age
		}
		if m.cfg.MaxInertialAge <= 0 || age <= m.cfg.MaxInertialAge {
			batch.Measurements = append(batch.Measurements, vaod.Measurement{
				Kind:       vaod.MeasurementBodyRate,
				Timestamp:  g.Timestamp,
				Direction:  g.Rate,
				Variance:   m.cfg.GyroSigma * m.cfg.GyroSigma,
				Label:      vaod.LabelGyro,
				Confidence: 1,
			})
		}
	}

	monitoring.Tracef("[l3measurements] frame %d: %d/%d stars, %d/%d limb associated",
		in.FrameTimestamp, batch.CountKind(vaod.MeasurementStar), len(stars), batch.CountKind(vaod.MeasurementLimb), len(limbs))
	return batch, nil
}

func (m *Model) measurement(kind vaod.MeasurementKind, ts int64, o observed, label string) vaod.Measurement {
	return vaod.Measurement{
		Kind:       kind,
		Timestamp:  ts,
		Direction:  o.dir,
		Variance:   o.sigma * o.sigma,
		Label:      label,
		Confidence: o.obs.Confidence,
	}
}

// associateStars assigns predicted catalog stars to observations by
// minimum squared pixel distance inside the covariance-derived gate. It
// returns the catalog index per observation, -1 when unassociated.
func (m *Model) associateStars(cam *CameraModel, stars []observed, prior *vaod.StateEstimate) []int {
	matched := unmatched(len(stars))
	if len(stars) == 0 {
		return matched
	}

	att := prior.Attitude
	attVar := blockMaxEigen(&prior.Covariance, vaod.IdxAttitude)
	focal := cam.FocalLength()
	maxGate := m.cfg.MaxGatePixels / focal
	boresight := att.Rotate(cam.Boresight())

	type predicted struct {
		idx  int
		u, v float64
	}
	var preds []predicted
	for _, idx := range m.catalog.InCone(boresight, cam.HalfFOV()+maxGate) {
		u, v, ok := cam.BodyToPixel(att.RotateInverse(m.catalog.Star(idx).Direction))
		if !ok {
			continue
		}
		preds = append(preds, predicted{idx: idx, u: u, v: v})
	}
	if len(preds) == 0 {
		return matched
	}

	cost := make([][]float64, len(stars))
	for i, s := range stars {
		gate := m.starGatePixels(attVar, s.sigma, focal)
		cost[i] = make([]float64, len(preds))
		for j, p := range preds {
			du, dv := s.obs.X-p.u, s.obs.Y-p.v
			if d2 := du*du + dv*dv; d2 <= gate*gate {
				cost[i][j] = d2
			} else {
				cost[i][j] = forbidden
			}
		}
	}
	for i, j := range hungarianAssign(cost) {
		if j >= 0 {
			matched[i] = preds[j].idx
		}
	}
	return matched
}

func unmatched(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = -1
	}
	return out
}

// identifyStars matches stars without a prior.
func (m *Model) identifyStars(stars []observed) []int {
	matched := unmatched(len(stars))
	dirs := make([]vaod.Vec3, len(stars))
	sigmas := make([]float64, len(stars))
	for i, s := range stars {
		dirs[i], sigmas[i] = s.dir, s.sigma
	}
	id, ok := m.identify(dirs, sigmas)
	if !ok {
		if len(stars) > 0 {
			monitoring.Diagf("[l3measurements] lost-in-space identification failed with %d stars", len(stars))
		}
		return matched
	}
	copy(matched, id.matches)
	monitoring.Diagf("[l3measurements] identified %d of %d stars lost-in-space", id.inliers, len(stars))
	return matched
}

// limbInGate tests the predicted limb-cone residual against its gate.
func (m *Model) limbInGate(cam *CameraModel, l observed, prior *vaod.StateEstimate) bool {
	rn := prior.Position.Norm()
	res, ok := limbResidual(prior.Attitude.Rotate(l.dir), prior.Position)
	if !ok {
		return false
	}
	gate := m.limbGate(
		blockMaxEigen(&prior.Covariance, vaod.IdxAttitude),
		blockMaxEigen(&prior.Covariance, vaod.IdxPosition),
		rn, l.sigma, cam.FocalLength())
	return math.Abs(res) <= gate
}
