package vaod

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// MeasurementKind tags the measurement model the filter applies.
type MeasurementKind uint8

const (
	MeasurementStar     MeasurementKind = iota // line of sight to a catalog star
	MeasurementLimb                            // line of sight to a point on the Earth limb
	MeasurementBodyRate                        // gyro body rate
)

func (k MeasurementKind) String() string {
	switch k {
	case MeasurementStar:
		return "star"
	case MeasurementLimb:
		return "limb"
	case MeasurementBodyRate:
		return "body-rate"
	default:
		return fmt.Sprintf("MeasurementKind(%d)", uint8(k))
	}
}

// Association labels that are not catalog ids.
const (
	LabelUnassociated = "unassociated"
	LabelEarthLimb    = "earth-limb"
	LabelGyro         = "gyro"
)

// Measurement is a calibrated observation ready for the filter.
type Measurement struct {
	Kind      MeasurementKind
	Timestamp int64
	// Direction is the observed unit line of sight in the body frame, or the
	// body rate in rad/s for MeasurementBodyRate.
	Direction Vec3
	// Reference is the catalog direction in ECI for star measurements.
	Reference Vec3
	// Variance is the isotropic measurement variance (rad² or (rad/s)²);
	// the covariance is Variance·I in measurement space.
	Variance   float64
	Label      string
	Confidence float64
}

// Associated reports whether m was matched to a model element and may be
// applied by the filter.
func (m Measurement) Associated() bool {
	return m.Label != "" && m.Label != LabelUnassociated
}

// Dim returns the dimension of the measurement residual.
func (m Measurement) Dim() int {
	switch m.Kind {
	case MeasurementStar:
		return 2
	case MeasurementLimb:
		return 1
	default:
		return 3
	}
}

// Covariance returns Variance·I sized to Dim.
func (m Measurement) Covariance() *mat.SymDense {
	n := m.Dim()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, m.Variance)
	}
	return s
}

// MeasurementBatch carries everything derived from one frame into the filter.
type MeasurementBatch struct {
	FrameTimestamp int64
	Measurements   []Measurement
	FeatureCount   int
	// Skipped is set when a stage timed out and its output was dropped; the
	// filter coasts to FrameTimestamp.
	Skipped bool
}

// CountAssociated returns the number of measurements the filter may apply.
func (b MeasurementBatch) CountAssociated() int {
	n := 0
	for _, m := range b.Measurements {
		if m.Associated() {
			n++
		}
	}
	return n
}

// CountKind returns the number of associated measurements of kind k.
func (b MeasurementBatch) CountKind(k MeasurementKind) int {
	n := 0
	for _, m := range b.Measurements {
		if m.Kind == k && m.Associated() {
			n++
		}
	}
	return n
}
