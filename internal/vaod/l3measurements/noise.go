package l3measurements

import (
	"math"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
)

// NoiseModel maps a feature's position and confidence to a line-of-sight
// standard deviation.
type NoiseModel struct {
	PixelSigma      float64 // centroid 1σ on axis, px
	Inflation       float64
	OffAxisCoeff    float64
	ConfidenceFloor float64
}

// NoiseModelFromTuning reads the noise parameters.
func NoiseModelFromTuning(t *config.TuningConfig) NoiseModel {
	return NoiseModel{
		PixelSigma:      t.GetPixelSigma(),
		Inflation:       t.GetNoiseInflation(),
		OffAxisCoeff:    t.GetOffAxisNoiseCoeff(),
		ConfidenceFloor: t.GetConfidenceFloor(),
	}
}

// PixelSigmaAt returns the 1σ in pixels at normalised radius rho.
func (n NoiseModel) PixelSigmaAt(rho, confidence float64) float64 {
	return n.PixelSigma * n.Inflation * (1 + n.OffAxisCoeff*rho*rho) / math.Max(confidence, n.ConfidenceFloor)
}

// Sigma returns the line-of-sight 1σ in radians for a feature at (u, v).
func (n NoiseModel) Sigma(cam *CameraModel, u, v, confidence float64) float64 {
	return n.PixelSigmaAt(cam.NormalizedRadius(u, v), confidence) / cam.FocalLength()
}

// DefaultNoiseModel returns the built-in noise parameters.
func DefaultNoiseModel() NoiseModel { return NoiseModelFromTuning(config.EmptyTuningConfig()) }
