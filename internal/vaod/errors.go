package vaod

import (
	"errors"
	"fmt"
)

// Error taxonomy. Local conditions (timeouts, low counts, outliers) are
// recovered where they occur; divergence and hardware faults are fatal to
// the cycle and reach the supervisor.
var (
	ErrSensorTimeout      = errors.New("sensor timeout")
	ErrLowFeatureCount    = errors.New("low feature count")
	ErrMeasurementOutlier = errors.New("measurement outlier")
	ErrFilterDivergence   = errors.New("filter divergence")
	ErrHardwareFault      = errors.New("hardware fault")
)

// FaultKind enumerates the taxonomy.
type FaultKind uint8

const (
	FaultSensorTimeout FaultKind = iota + 1
	FaultLowFeatureCount
	FaultMeasurementOutlier
	FaultFilterDivergence
	FaultHardware
	FaultPipelineStall
)

var faultSentinels = map[FaultKind]error{
	FaultSensorTimeout:      ErrSensorTimeout,
	FaultLowFeatureCount:    ErrLowFeatureCount,
	FaultMeasurementOutlier: ErrMeasurementOutlier,
	FaultFilterDivergence:   ErrFilterDivergence,
	FaultHardware:           ErrHardwareFault,
}

func (k FaultKind) String() string {
	switch k {
	case FaultSensorTimeout:
		return "SensorTimeout"
	case FaultLowFeatureCount:
		return "LowFeatureCount"
	case FaultMeasurementOutlier:
		return "MeasurementOutlier"
	case FaultFilterDivergence:
		return "FilterDivergence"
	case FaultHardware:
		return "HardwareFault"
	case FaultPipelineStall:
		return "PipelineStall"
	default:
		return fmt.Sprintf("FaultKind(%d)", uint8(k))
	}
}

// Fatal reports whether the kind must be surfaced to the supervisor.
func (k FaultKind) Fatal() bool {
	return k == FaultFilterDivergence || k == FaultHardware || k == FaultPipelineStall
}

// SafeMode reports whether the supervisor must raise the safe-mode line.
func (k FaultKind) SafeMode() bool {
	return k == FaultHardware || k == FaultPipelineStall
}

// Fault is an error tagged with its taxonomy kind and the stage that raised
// it. errors.Is(f, ErrHardwareFault) holds for a FaultHardware.
type Fault struct {
	Kind  FaultKind
	Stage string
	Err   error
}

// NewFault wraps err as a fault of the given kind.
func NewFault(kind FaultKind, stage string, err error) *Fault {
	return &Fault{Kind: kind, Stage: stage, Err: err}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s in %s", f.Kind, f.Stage)
	}
	return fmt.Sprintf("%s in %s: %v", f.Kind, f.Stage, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Is matches the sentinel of the fault's kind.
func (f *Fault) Is(target error) bool {
	s, ok := faultSentinels[f.Kind]
	return ok && s == target
}

// KindOf classifies err. The second result is false when err matches no
// kind of the taxonomy.
func KindOf(err error) (FaultKind, bool) {
	if err == nil {
		return 0, false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	for kind, sentinel := range faultSentinels {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return 0, false
}

// IsFatal reports whether err belongs to a fatal kind.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Fatal()
}
