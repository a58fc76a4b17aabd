package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/logging"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
)

const tracerName = "github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/pipeline"

// FeatureStage is the feature extractor as seen by the capture path.
type FeatureStage interface {
	Extract(ctx context.Context, f *l1frames.Frame) (l2features.Result, error)
	SetMode(m l2features.DetectionMode) error
}

// MeasureStage is the measurement model as seen by the capture path.
type MeasureStage interface {
	Measure(in l3measurements.Input) (vaod.MeasurementBatch, error)
	SetCalibration(c *l3measurements.Calibration) error
}

// Estimator is the filter as seen by the filter path.
type Estimator interface {
	Update(batch vaod.MeasurementBatch) (l5estimation.Result, error)
	ForceMode(to vaod.FilterMode, reason string) error
	Reset(reason string)
	Mode() vaod.FilterMode
	Estimate() vaod.StateEstimate
}

// Runtime carries everything a pipeline run touches. It is built once by
// the caller and passed to NewSupervisor; nothing here is global.
type Runtime struct {
	Source     l1frames.Source
	Inertial   l1frames.InertialSource // optional
	Extractor  FeatureStage
	Model      MeasureStage
	Filter     Estimator
	Propagator *l4dynamics.Propagator
	Publisher  *l6publish.Publisher

	Health []HealthSink
	Faults []FaultSink

	Clock  timeutil.Clock
	Tracer trace.Tracer
	Logger logging.Logger
}

func (rt *Runtime) validate() error {
	var missing []error
	if rt.Source == nil {
		missing = append(missing, errors.New("frame source"))
	}
	if rt.Extractor == nil {
		missing = append(missing, errors.New("feature extractor"))
	}
	if rt.Model == nil {
		missing = append(missing, errors.New("measurement model"))
	}
	if rt.Filter == nil {
		missing = append(missing, errors.New("filter"))
	}
	if rt.Publisher == nil {
		missing = append(missing, errors.New("publisher"))
	}
	if len(missing) > 0 {
		return fmt.Errorf("runtime is missing: %w", errors.Join(missing...))
	}
	if rt.Propagator == nil {
		rt.Propagator = l4dynamics.New(l4dynamics.DefaultConfig())
	}
	if rt.Clock == nil {
		rt.Clock = timeutil.RealClock{}
	}
	if rt.Tracer == nil {
		rt.Tracer = otel.Tracer(tracerName)
	}
	if rt.Logger == nil {
		rt.Logger = logging.Noop()
	}
	return nil
}
