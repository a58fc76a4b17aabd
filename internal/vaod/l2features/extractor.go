package l2features

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

// DetectorKind tags the detector variants the extractor holds.
type DetectorKind uint8

const (
	DetectorStar DetectorKind = iota
	DetectorLimb
	numDetectors
)

func (k DetectorKind) String() string {
	switch k {
	case DetectorStar:
		return "star"
	case DetectorLimb:
		return "limb"
	default:
		return fmt.Sprintf("DetectorKind(%d)", uint8(k))
	}
}

// Detector finds one kind of feature in a prepared image.
type Detector interface {
	Kind() DetectorKind
	Detect(ctx context.Context, im *Image, budget *Budget) ([]Observation, error)
}

// DetectionMode selects which detectors run.
type DetectionMode uint8

const (
	DetectAll DetectionMode = iota
	DetectStars
	DetectLimb
)

var detectionTable = [...][]DetectorKind{
	DetectAll:   {DetectorStar, DetectorLimb},
	DetectStars: {DetectorStar},
	DetectLimb:  {DetectorLimb},
}

var modeNames = [...]string{
	DetectAll:   "all",
	DetectStars: "stars",
	DetectLimb:  "limb",
}

func (m DetectionMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("DetectionMode(%d)", uint8(m))
}

// Detectors returns the detector kinds run in mode m, in run order.
func (m DetectionMode) Detectors() []DetectorKind {
	if int(m) < len(detectionTable) {
		return detectionTable[m]
	}
	return nil
}

// ParseDetectionMode accepts the names printed by String.
func ParseDetectionMode(s string) (DetectionMode, error) {
	for i, name := range modeNames {
		if strings.EqualFold(s, name) {
			return DetectionMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown detection mode %q", s)
}

// ExtractorConfig holds the extraction gates.
type ExtractorConfig struct {
	Mode               DetectionMode
	Budget             time.Duration
	AcceleratorTimeout time.Duration
	MinConfidence      float64
	MaxFeatures        int
	BlurSigma          float64
	BackgroundStride   int
	BackgroundClip     float64 // sigma-clip half-width, in noise units
	BackgroundPasses   int
	Star               StarConfig
	Limb               LimbConfig
}

// ExtractorConfigFromTuning maps tuning values onto an ExtractorConfig.
func ExtractorConfigFromTuning(t *config.TuningConfig) ExtractorConfig {
	return ExtractorConfig{
		Mode:               DetectAll,
		Budget:             t.GetExtractBudget(),
		AcceleratorTimeout: t.GetAcceleratorTimeout(),
		MinConfidence:      t.GetMinConfidence(),
		MaxFeatures:        t.GetMaxFeatures(),
		BlurSigma:          t.GetBlurSigma(),
		BackgroundStride:   t.GetBackgroundStride(),
		BackgroundClip:     t.GetBackgroundClip(),
		BackgroundPasses:   t.GetBackgroundPasses(),
		Star: StarConfig{
			ThresholdSigma:  t.GetStarThresholdSigma(),
			MinPixels:       t.GetStarMinPixels(),
			MaxPixels:       t.GetStarMaxPixels(),
			MaxElongation:   t.GetStarMaxElongation(),
			FullSNR:         t.GetStarFullSNR(),
			SaturationLevel: t.GetSaturationLevel(),
		},
		Limb: LimbConfig{
			MinContrast: t.GetLimbMinContrast(),
			ScanStride:  t.GetLimbScanStride(),
			MinRun:      t.GetLimbMinRun(),
		},
	}
}

// DefaultExtractorConfig returns the built-in gates.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfigFromTuning(config.EmptyTuningConfig())
}

// Result is the output of one extraction.
type Result struct {
	Observations []Observation
	// Truncated is set when the budget ran out before every detector
	// finished. Observations holds what was found.
	Truncated  bool
	SunBlind   bool
	Background Background
	Dropped    int // below MinConfidence or beyond MaxFeatures
	Elapsed    time.Duration
}

// CountType returns the number of observations of type t.
func (r Result) CountType(t FeatureType) int {
	n := 0
	for _, o := range r.Observations {
		if o.Type == t {
			n++
		}
	}
	return n
}

// Extractor turns frames into observations. It is owned by the capture
// goroutine; only SetMode may be called concurrently.
type Extractor struct {
	cfg       ExtractorConfig
	accel     Accelerator
	clock     timeutil.Clock
	mode      atomic.Uint32
	detectors [numDetectors]Detector
}

// NewExtractor builds an extractor. A nil accel selects DefaultAccelerator
// and a nil clock the real clock.
func NewExtractor(cfg ExtractorConfig, accel Accelerator, clock timeutil.Clock) *Extractor {
	if accel == nil {
		accel = DefaultAccelerator()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.BackgroundStride < 1 {
		cfg.BackgroundStride = 1
	}
	if cfg.BackgroundClip <= 0 {
		cfg.BackgroundClip = 3
	}
	if cfg.BackgroundPasses < 1 {
		cfg.BackgroundPasses = 1
	}
	e := &Extractor{cfg: cfg, accel: accel, clock: clock}
	e.mode.Store(uint32(cfg.Mode))
	e.detectors[DetectorStar] = NewStarDetector(cfg.Star)
	e.detectors[DetectorLimb] = NewLimbDetector(cfg.Limb)
	return e
}

func (e *Extractor) Config() ExtractorConfig { return e.cfg }

func (e *Extractor) Accelerator() Accelerator { return e.accel }

// Mode returns the active detection mode.
func (e *Extractor) Mode() DetectionMode { return DetectionMode(e.mode.Load()) }

// SetMode switches detectors from the next frame on.
func (e *Extractor) SetMode(m DetectionMode) error {
	if m.Detectors() == nil {
		return fmt.Errorf("unknown detection mode %d", m)
	}
	if prev := DetectionMode(e.mode.Swap(uint32(m))); prev != m {
		monitoring.Opsf("[l2features] detection mode %s -> %s", prev, m)
	}
	return nil
}

// Extract runs the active detectors on f within the configured budget.
// The frame is not released. An accelerator timeout or fault aborts the
// extraction with an error.
func (e *Extractor) Extract(ctx context.Context, f *l1frames.Frame) (Result, error) {
	start := e.clock.Now()
	if f.SunBlind {
		monitoring.Diagf("[l2features] frame %s sun-blind (%.1f%% saturated), no features", f.ID, 100*f.SaturatedFraction)
		return Result{SunBlind: true, Elapsed: e.clock.Since(start)}, nil
	}
	budget := NewBudget(ctx, e.clock, e.cfg.Budget)

	job := e.accel.Submit(ctx, BlurRequest{Width: f.Width, Height: f.Height, Pix: f.Pix, Sigma: e.cfg.BlurSigma})
	wait := e.cfg.AcceleratorTimeout
	if e.cfg.Budget > 0 {
		if rem := budget.Remaining(); wait <= 0 || rem < wait {
			wait = max(rem, time.Nanosecond)
		}
	}
	smooth, err := job.Wait(ctx, wait)
	if err != nil {
		return Result{}, fmt.Errorf("smoothing frame %s on %s: %w", f.ID, e.accel.Name(), err)
	}

	im := &Image{
		Width:      f.Width,
		Height:     f.Height,
		Timestamp:  f.Timestamp,
		Raw:        f.Pix,
		Smooth:     smooth,
		Background: EstimateBackground(f.Pix, e.cfg.BackgroundStride, e.cfg.BackgroundClip, e.cfg.BackgroundPasses),
	}

	var res Result
	res.Background = im.Background
	var found []Observation
	for _, kind := range e.Mode().Detectors() {
		if budget.Exceeded() {
			res.Truncated = true
			break
		}
		obs, err := e.detectors[kind].Detect(ctx, im, budget)
		if err != nil {
			return Result{}, fmt.Errorf("%s detector: %w", kind, err)
		}
		found = append(found, obs...)
	}
	if budget.Exceeded() {
		res.Truncated = true
	}

	kept := found[:0]
	for _, o := range found {
		if o.Confidence >= e.cfg.MinConfidence {
			kept = append(kept, o)
		}
	}
	sortObservations(kept)
	if e.cfg.MaxFeatures > 0 && len(kept) > e.cfg.MaxFeatures {
		kept = kept[:e.cfg.MaxFeatures]
	}
	res.Dropped = len(found) - len(kept)
	res.Observations = kept
	res.Elapsed = e.clock.Since(start)

	if res.Truncated {
		monitoring.Diagf("[l2features] frame %s truncated after %v with %d features", f.ID, res.Elapsed, len(kept))
	}
	monitoring.Tracef("[l2features] frame %s: %d stars, %d limb points, bg %.4f σ %.4f",
		f.ID, res.CountType(FeatureStarCentroid), res.CountType(FeatureLimbPoint), im.Background.Level, im.Background.Noise)
	return res, nil
}
