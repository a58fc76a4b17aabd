package sim

import (
	"math"
	"math/rand/v2"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

const (
	limbSamples = 72
	edgeMargin  = 2.0 // pixels kept clear of the border, as the detectors do
)

// ObservationTruth pairs each observation with its source: a catalog index for stars
// and -1 for limb points.
type ObservationTruth struct {
	Observations []l2features.Observation
	CatalogIndex []int
}

// Observations returns the features an ideal extractor reports for the
// current frame, with pixelNoise (1σ, pixels) added to every coordinate.
// Occluded frames return nothing.
func (s *Scene) Observations(pixelNoise float64) ObservationTruth {
	s.mu.Lock()
	t := s.truth
	occluded := s.occluded(t.Frame)
	s.mu.Unlock()
	if occluded {
		return ObservationTruth{}
	}

	rng := rand.New(rand.NewPCG(s.cfg.Seed^0x5eed, uint64(t.Frame)))
	jitter := func() float64 { return pixelNoise * rng.NormFloat64() }
	var out ObservationTruth
	add := func(u, v float64, typ l2features.FeatureType, idx int) {
		out.Observations = append(out.Observations, l2features.Observation{
			X:          u + jitter(),
			Y:          v + jitter(),
			Type:       typ,
			Confidence: 1,
			Timestamp:  t.Timestamp,
		})
		out.CatalogIndex = append(out.CatalogIndex, idx)
	}

	for _, sv := range s.visibleStars(t.State) {
		if s.interior(sv.u, sv.v) {
			add(sv.u, sv.v, l2features.FeatureStarCentroid, sv.index)
		}
	}
	for _, p := range s.limbPixels(t.State) {
		add(p[0], p[1], l2features.FeatureLimbPoint, -1)
	}
	return out
}

func (s *Scene) interior(u, v float64) bool {
	return u >= edgeMargin && v >= edgeMargin &&
		u <= float64(s.cam.Width-1)-edgeMargin && v <= float64(s.cam.Height-1)-edgeMargin
}

// limbPixels samples the limb circle evenly and returns the samples that
// project inside the image.
func (s *Scene) limbPixels(st l4dynamics.State) [][2]float64 {
	nadir := st.Position.Neg().Unit()
	rho := limbAngle(st.Position)
	e1, e2 := nadir.Orthonormal()
	var out [][2]float64
	for k := 0; k < limbSamples; k++ {
		phi := 2 * math.Pi * float64(k) / limbSamples
		dir := nadir.Scale(math.Cos(rho)).
			Add(e1.Scale(math.Sin(rho) * math.Cos(phi))).
			Add(e2.Scale(math.Sin(rho) * math.Sin(phi)))
		u, v, ok := s.cam.BodyToPixel(st.Attitude.RotateInverse(dir))
		if ok && s.interior(u, v) {
			out = append(out, [2]float64{u, v})
		}
	}
	return out
}
