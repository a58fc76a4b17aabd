package l5estimation

import (
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
)

// Config holds the filter gates and mode thresholds.
type Config struct {
	ChiSquareProbability float64 // gate probability for the NIS test

	PromoteUpdates    int     // consecutive good updates ACQUIRING → TRACKING
	DegradeCycles     int     // consecutive bad cycles → DEGRADED
	RecoverUpdates    int     // consecutive good cycles DEGRADED → TRACKING
	MinMeasurements   int     // accepted measurements for a good cycle
	ResidualRejectRMS float64 // normalised residual RMS above which a cycle is bad
	LostTimeout       time.Duration

	TrackingAttitudeSigma   float64 // rad
	TrackingPositionSigma   float64 // m
	DivergenceAttitudeSigma float64 // rad
	DivergencePositionSigma float64 // m

	InitBatches       int // minimum fixes before a fix-derived state is tried
	InitMaxFixes      int // sliding window of fixes used for the orbit fit
	InitMinStars      int
	InitMinLimbPoints int

	// Limb fixes outside this altitude band are rejected.
	InitMinAltitude      float64 // m
	InitMaxAltitude      float64 // m
	// A fix-derived state is withheld until its RSS velocity 1σ is below this.
	InitMaxVelocitySigma float64 // m/s

	InitAttitudeSigma float64
	InitRateSigma     float64
	InitPositionSigma float64 // floor on each position axis
	InitVelocitySigma float64 // floor on each velocity axis

	MinCovarianceEigenvalue float64
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		ChiSquareProbability:    cfg.GetChiSquareProbability(),
		PromoteUpdates:          cfg.GetPromoteUpdates(),
		DegradeCycles:           cfg.GetDegradeCycles(),
		RecoverUpdates:          cfg.GetRecoverUpdates(),
		MinMeasurements:         cfg.GetMinMeasurements(),
		ResidualRejectRMS:       cfg.GetResidualRejectRMS(),
		LostTimeout:             cfg.GetLostTimeout(),
		TrackingAttitudeSigma:   cfg.GetTrackingAttitudeSigma(),
		TrackingPositionSigma:   cfg.GetTrackingPositionSigma(),
		DivergenceAttitudeSigma: cfg.GetDivergenceAttitudeSigma(),
		DivergencePositionSigma: cfg.GetDivergencePositionSigma(),
		InitBatches:             cfg.GetInitBatches(),
		InitMaxFixes:            cfg.GetInitMaxFixes(),
		InitMinStars:            cfg.GetInitMinStars(),
		InitMinLimbPoints:       cfg.GetInitMinLimbPoints(),
		InitMinAltitude:         cfg.GetInitMinAltitude(),
		InitMaxAltitude:         cfg.GetInitMaxAltitude(),
		InitMaxVelocitySigma:    cfg.GetInitMaxVelocitySigma(),
		InitAttitudeSigma:       cfg.GetInitAttitudeSigma(),
		InitRateSigma:           cfg.GetInitRateSigma(),
		InitPositionSigma:       cfg.GetInitPositionSigma(),
		InitVelocitySigma:       cfg.GetInitVelocitySigma(),
		MinCovarianceEigenvalue: cfg.GetMinCovarianceEigenvalue(),
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}
