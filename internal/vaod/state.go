package vaod

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// StateDim is the dimension of the error state: attitude error (body frame,
// rad), body rate (rad/s), ECI position (m), ECI velocity (m/s).
const StateDim = 12

// Offsets of each 3-block within the error state.
const (
	IdxAttitude = 0
	IdxRate     = 3
	IdxPosition = 6
	IdxVelocity = 9
)

// Covariance is a row-major StateDim×StateDim error-state covariance held by
// value so snapshots never alias the filter's working matrix.
type Covariance [StateDim * StateDim]float64

// At returns element (i, j).
func (c *Covariance) At(i, j int) float64 { return c[i*StateDim+j] }

// CovarianceFromSym copies a StateDim×StateDim symmetric matrix.
func CovarianceFromSym(s mat.Symmetric) Covariance {
	var c Covariance
	for i := 0; i < StateDim; i++ {
		for j := 0; j < StateDim; j++ {
			c[i*StateDim+j] = s.At(i, j)
		}
	}
	return c
}

// Sym returns a fresh symmetric matrix built from the upper triangle.
func (c *Covariance) Sym() *mat.SymDense {
	s := mat.NewSymDense(StateDim, nil)
	for i := 0; i < StateDim; i++ {
		for j := i; j < StateDim; j++ {
			s.SetSym(i, j, c[i*StateDim+j])
		}
	}
	return s
}

// Sigma returns the 1σ values of the 3-block starting at idx.
func (c *Covariance) Sigma(idx int) Vec3 {
	var out Vec3
	for k := 0; k < 3; k++ {
		out[k] = math.Sqrt(math.Max(c.At(idx+k, idx+k), 0))
	}
	return out
}

// BlockTrace returns the trace of the 3-block starting at idx.
func (c *Covariance) BlockTrace(idx int) float64 {
	return c.At(idx, idx) + c.At(idx+1, idx+1) + c.At(idx+2, idx+2)
}

// Trace returns the full trace.
func (c *Covariance) Trace() float64 {
	t := 0.0
	for i := 0; i < StateDim; i++ {
		t += c.At(i, i)
	}
	return t
}

// StateEstimate is the immutable snapshot the filter publishes after each
// cycle.
type StateEstimate struct {
	Timestamp       int64 // monotonic capture time of the last applied frame, ns
	Sequence        uint64
	Attitude        Quaternion // body to ECI
	AngularVelocity Vec3       // body frame, rad/s
	Position        Vec3       // ECI, m
	Velocity        Vec3       // ECI, m/s
	Covariance      Covariance
	Mode            FilterMode
	Valid           bool
	Authoritative   bool
}

// AttitudeSigma returns the RSS 1σ attitude error in radians.
func (s *StateEstimate) AttitudeSigma() float64 {
	return math.Sqrt(math.Max(s.Covariance.BlockTrace(IdxAttitude), 0))
}

// PositionSigma returns the RSS 1σ position error in metres.
func (s *StateEstimate) PositionSigma() float64 {
	return math.Sqrt(math.Max(s.Covariance.BlockTrace(IdxPosition), 0))
}

// IsSymmetric reports whether the covariance is symmetric within tol
// relative to its largest diagonal element.
func (c *Covariance) IsSymmetric(tol float64) bool {
	scale := 0.0
	for i := 0; i < StateDim; i++ {
		scale = math.Max(scale, math.Abs(c.At(i, i)))
	}
	if scale == 0 {
		scale = 1
	}
	for i := 0; i < StateDim; i++ {
		for j := i + 1; j < StateDim; j++ {
			if math.Abs(c.At(i, j)-c.At(j, i)) > tol*scale {
				return false
			}
		}
	}
	return true
}

// MinEigenvalue returns the smallest eigenvalue of the symmetrised
// covariance. It returns NaN if the decomposition fails.
func (c *Covariance) MinEigenvalue() float64 {
	var es mat.EigenSym
	if !es.Factorize(c.Sym(), false) {
		return math.NaN()
	}
	vals := es.Values(nil)
	minVal := math.Inf(1)
	for _, v := range vals {
		minVal = math.Min(minVal, v)
	}
	return minVal
}
