package l3measurements

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// EarthRadius matches the propagator's equatorial radius, m.
const EarthRadius = 6378137.0

// blockMaxEigen returns λmax of the 3×3 covariance block at idx.
func blockMaxEigen(c *vaod.Covariance, idx int) float64 {
	s := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			s.SetSym(i, j, c.At(idx+i, idx+j))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(s, false) {
		// Fall back to the trace, which bounds λmax for PSD blocks.
		return math.Max(c.BlockTrace(idx), 0)
	}
	vals := es.Values(nil)
	return math.Max(vals[len(vals)-1], 0)
}

// starGatePixels is GateSigma·sqrt(λmax(Pθθ) + σ²)·f clamped to
// [MinGatePixels, MaxGatePixels]; sigma is the line-of-sight 1σ in rad.
func (m *Model) starGatePixels(attVar, sigma, focal float64) float64 {
	g := m.cfg.GateSigma * math.Sqrt(attVar+sigma*sigma) * focal
	return math.Min(math.Max(g, m.cfg.MinGatePixels), m.cfg.MaxGatePixels)
}

// limbGate returns the gate on the limb-cone residual in radians. The cone
// angle depends on the attitude and on the position direction and range.
func (m *Model) limbGate(attVar, posVar, rn, sigma, focal float64) float64 {
	ratio := EarthRadius / rn
	cosRho := math.Sqrt(math.Max(1-ratio*ratio, 1e-12))
	rangeTerm := EarthRadius / (rn * rn * cosRho)
	cone := attVar + posVar*(1/(rn*rn)+rangeTerm*rangeTerm) + sigma*sigma
	g := m.cfg.GateSigma * math.Sqrt(cone)
	return math.Min(math.Max(g, m.cfg.MinGatePixels/focal), m.cfg.MaxGatePixels/focal)
}

// limbResidual is the angle between u (ECI) and nadir minus the Earth's
// angular radius seen from r. ok is false inside the Earth.
func limbResidual(u, r vaod.Vec3) (float64, bool) {
	rn := r.Norm()
	if rn <= EarthRadius {
		return 0, false
	}
	return u.AngleTo(r.Neg()) - math.Asin(EarthRadius/rn), true
}
