package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
)

const (
	skipSensorTimeout = "sensor timeout"
	skipCalibration   = "calibration"
	skipAborted       = "aborted by command"
	skipOutOfOrder    = "out of order"
)

// cycle is what the capture path hands the filter path for one frame.
type cycle struct {
	epoch    uint64
	started  time.Time
	frameTS  int64
	batch    vaod.MeasurementBatch
	features int
	truncate bool
	timeouts []string
	skip     string
	noFrame  bool
	degraded bool // source reported degraded on a sensor timeout
	span     trace.SpanContext
}

// capturePath produces one cycle per frame until the stream ends or ctx is
// cancelled. Only the end of the stream closes work: a closed channel tells
// the filter path to drain and finish cleanly, so a failing capture must
// leave it open and let its error cancel the group instead.
func (s *Supervisor) capturePath(ctx context.Context, work chan<- cycle) error {
	for ctx.Err() == nil {
		c, err := s.capture(ctx)
		if err != nil {
			if errors.Is(err, l1frames.ErrEndOfStream) {
				monitoring.Opsf("[pipeline] frame stream ended")
				close(work)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case work <- c:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (s *Supervisor) capture(ctx context.Context) (cycle, error) {
	c := cycle{started: s.rt.Clock.Now()}
	ctx, span := s.rt.Tracer.Start(ctx, "vaod.capture")
	defer span.End()
	c.span = span.SpanContext()

	frame, err := s.rt.Source.NextFrame(ctx, s.cfg.FrameTimeout)
	if err != nil {
		if errors.Is(err, vaod.ErrSensorTimeout) {
			c.noFrame = true
			c.skip = skipSensorTimeout
			c.degraded = s.rt.Source.Degraded()
			return c, nil
		}
		if !errors.Is(err, l1frames.ErrEndOfStream) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "capture failed")
		}
		if errors.Is(err, vaod.ErrHardwareFault) {
			return c, vaod.NewFault(vaod.FaultHardware, "capture", err)
		}
		return c, err
	}
	// Commands abort work on a frame, not the wait for one.
	c.epoch = s.epoch.Load()
	c.started = s.rt.Clock.Now()
	c.frameTS = frame.Timestamp
	cameraID := frame.CameraID
	if cameraID == "" {
		cameraID = s.cfg.CameraID
	}
	span.SetAttributes(attribute.Int64("frame.timestamp", frame.Timestamp), attribute.String("camera", cameraID))

	if s.calibrating.Load() {
		frame.Release()
		c.skip = skipCalibration
		return c, nil
	}

	deadline := timeutil.NewDeadline(s.rt.Clock, s.cfg.CycleDeadline)
	res, err := s.extract(ctx, frame, deadline)
	frame.Release()
	switch {
	case err == nil && !deadline.Expired():
	case errors.Is(err, vaod.ErrHardwareFault):
		return c, vaod.NewFault(vaod.FaultHardware, "extract", err)
	case err != nil && ctx.Err() != nil:
		return c, ctx.Err()
	default:
		if err != nil {
			monitoring.Diagf("[pipeline] extract at %d: %v", c.frameTS, err)
		}
		c.timeouts = append(c.timeouts, "extract")
		c.batch = vaod.MeasurementBatch{FrameTimestamp: c.frameTS, Skipped: true}
		return c, nil
	}
	c.features = len(res.Observations)
	c.truncate = res.Truncated
	if s.aborted(c.epoch) {
		c.skip = skipAborted
		return c, nil
	}

	batch, err := s.measure(ctx, cameraID, c.frameTS, res.Observations)
	if err != nil || deadline.Expired() {
		if err != nil {
			monitoring.Diagf("[pipeline] measure at %d: %v", c.frameTS, err)
		}
		c.timeouts = append(c.timeouts, "measure")
		batch = vaod.MeasurementBatch{FrameTimestamp: c.frameTS, FeatureCount: c.features, Skipped: true}
	}
	c.batch = batch
	if s.aborted(c.epoch) {
		c.skip = skipAborted
	}
	return c, nil
}

func (s *Supervisor) extract(ctx context.Context, frame *l1frames.Frame, deadline timeutil.Deadline) (l2features.Result, error) {
	ctx, span := s.rt.Tracer.Start(ctx, "vaod.extract")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, deadline.Remaining())
	defer cancel()

	res, err := s.rt.Extractor.Extract(ctx, frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extract failed")
		return res, err
	}
	span.SetAttributes(
		attribute.Int("features", len(res.Observations)),
		attribute.Bool("truncated", res.Truncated))
	return res, nil
}

func (s *Supervisor) measure(ctx context.Context, cameraID string, ts int64, obs []l2features.Observation) (vaod.MeasurementBatch, error) {
	ctx, span := s.rt.Tracer.Start(ctx, "vaod.measure")
	defer span.End()

	in := l3measurements.Input{FrameTimestamp: ts, CameraID: cameraID, Observations: obs}
	if est, ok := s.rt.Publisher.Latest(); ok && est.Mode.Valid() {
		if ahead, err := l5estimation.PredictEstimate(s.rt.Propagator, est, ts); err == nil {
			est = ahead
		}
		in.Prior = &est
	}
	if s.rt.Inertial != nil {
		if sample, ok := s.rt.Inertial.Latest(ctx); ok {
			in.Inertial = &sample
		}
	}
	batch, err := s.rt.Model.Measure(in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "measure failed")
		return batch, err
	}
	span.SetAttributes(
		attribute.Int("measurements", len(batch.Measurements)),
		attribute.Int("associated", batch.CountAssociated()))
	return batch, nil
}

// filterPath applies commands and cycles in arrival order. It is the only
// goroutine that touches the filter.
func (s *Supervisor) filterPath(ctx context.Context, work <-chan cycle) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.cmds:
			s.apply(cmd)
		case c, ok := <-work:
			if !ok {
				return errDrained
			}
			s.process(ctx, c)
		}
	}
}

func (s *Supervisor) process(ctx context.Context, c cycle) {
	rec := vaod.HealthRecord{
		Sequence:       s.cycles.Add(1),
		FrameTimestamp: c.frameTS,
		FeatureCount:   c.features,
		StageTimeouts:  c.timeouts,
		Skipped:        c.skip,
		Truncated:      c.truncate,
	}
	switch {
	case c.noFrame:
		if c.degraded && s.degrade("frame source degraded") {
			s.publish()
		}
	case c.skip != "":
		s.touch()
	case s.aborted(c.epoch):
		rec.Skipped = skipAborted
		s.touch()
	default:
		s.update(ctx, c, &rec)
		s.touch()
	}

	est := s.rt.Filter.Estimate()
	rec.Mode = est.Mode
	if est.Mode.HasState() {
		rec.AttitudeSigma = est.AttitudeSigma()
		rec.PositionSigma = est.PositionSigma()
	}
	rec.Latency = s.rt.Clock.Since(c.started)
	s.recordHealth(ctx, rec)
}

func (s *Supervisor) update(ctx context.Context, c cycle, rec *vaod.HealthRecord) {
	ctx, span := s.rt.Tracer.Start(ctx, "vaod.filter",
		trace.WithLinks(trace.Link{SpanContext: c.span}),
		trace.WithAttributes(
			attribute.Int64("frame.timestamp", c.frameTS),
			attribute.Int("measurements", len(c.batch.Measurements))))
	defer span.End()

	if len(c.timeouts) > 0 {
		s.timeoutRun++
	} else {
		s.timeoutRun = 0
	}
	associated := c.batch.CountAssociated()
	rec.MeasurementCount = len(c.batch.Measurements)
	rec.Unassociated = len(c.batch.Measurements) - associated

	res, err := s.rt.Filter.Update(c.batch)
	switch {
	case errors.Is(err, l5estimation.ErrOutOfOrder):
		monitoring.Diagf("[pipeline] dropped out-of-order batch at %d", c.frameTS)
		rec.Skipped = skipOutOfOrder
		return
	case errors.Is(err, vaod.ErrFilterDivergence):
		span.RecordError(err)
		s.signal(ctx, vaod.FaultFilterDivergence, "filter", err)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		monitoring.Opsf("[pipeline] filter update at %d: %v", c.frameTS, err)
	}
	for _, tr := range res.Transitions {
		span.AddEvent("mode", trace.WithAttributes(
			attribute.String("from", tr.From.String()),
			attribute.String("to", tr.To.String()),
			attribute.String("reason", tr.Reason)))
	}
	rec.Applied = res.Applied
	rec.Rejected = res.Rejected
	rec.ResidualRMS = res.ResidualRMS

	if s.timeoutRun >= s.cfg.StageTimeoutsToDegrade {
		s.degrade(fmt.Sprintf("%d consecutive stage timeouts", s.timeoutRun))
	}
	s.publish()
}

// degrade forces DEGRADED from a mode that has a state worth keeping.
func (s *Supervisor) degrade(reason string) bool {
	switch s.rt.Filter.Mode() {
	case vaod.ModeTracking, vaod.ModeAcquiring:
		if err := s.rt.Filter.ForceMode(vaod.ModeDegraded, reason); err != nil {
			monitoring.Diagf("[pipeline] degrade: %v", err)
			return false
		}
		return true
	}
	return false
}

func (s *Supervisor) publish() {
	s.rt.Publisher.Publish(s.rt.Filter.Estimate())
	s.lastPublish.Store(s.rt.Clock.Now().UnixNano())
}

func (s *Supervisor) touch() { s.lastCycle.Store(s.rt.Clock.Now().UnixNano()) }
