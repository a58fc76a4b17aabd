package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l5estimation"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l6publish"
)

// fakeSource hands out whatever the test pushes; an empty channel reads as a
// sensor timeout after the requested timeout.
type fakeSource struct {
	items    chan sourceItem
	degraded atomic.Bool
}

type sourceItem struct {
	frame *l1frames.Frame
	err   error
}

func newFakeSource() *fakeSource { return &fakeSource{items: make(chan sourceItem, 16)} }

func (s *fakeSource) push(ts int64) {
	c := l1frames.Capture{CameraID: "cam0", Timestamp: ts, Width: 4, Height: 4, Pix: make([]float32, 16)}
	s.items <- sourceItem{frame: l1frames.NewFrame(c, 0.98, 0.5)}
}

func (s *fakeSource) fail(err error) { s.items <- sourceItem{err: err} }

func (s *fakeSource) NextFrame(ctx context.Context, timeout time.Duration) (*l1frames.Frame, error) {
	select {
	case it := <-s.items:
		return it.frame, it.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("fake: %w", vaod.ErrSensorTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Degraded() bool { return s.degraded.Load() }

type fakeExtractor struct {
	mu      sync.Mutex
	mode    l2features.DetectionMode
	modeErr error
	calls   int
	fn      func(ctx context.Context, f *l1frames.Frame) (l2features.Result, error)
}

func (e *fakeExtractor) Extract(ctx context.Context, f *l1frames.Frame) (l2features.Result, error) {
	e.mu.Lock()
	e.calls++
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, f)
	}
	return l2features.Result{Observations: []l2features.Observation{
		{X: 1, Y: 1, Type: l2features.FeatureStarCentroid, Confidence: 1, Timestamp: f.Timestamp},
	}}, nil
}

func (e *fakeExtractor) SetMode(m l2features.DetectionMode) error {
	if m > l2features.DetectLimb {
		return fmt.Errorf("unknown detection mode %d", m)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.modeErr != nil {
		return e.modeErr
	}
	e.mode = m
	return nil
}

func (e *fakeExtractor) Mode() l2features.DetectionMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

type fakeModel struct {
	mu    sync.Mutex
	calib *l3measurements.Calibration
	prior *vaod.StateEstimate
}

func (m *fakeModel) Measure(in l3measurements.Input) (vaod.MeasurementBatch, error) {
	m.mu.Lock()
	m.prior = in.Prior
	m.mu.Unlock()
	batch := vaod.MeasurementBatch{FrameTimestamp: in.FrameTimestamp, FeatureCount: len(in.Observations)}
	for range in.Observations {
		batch.Measurements = append(batch.Measurements, vaod.Measurement{
			Kind: vaod.MeasurementStar, Timestamp: in.FrameTimestamp, Label: "HIP1",
		})
	}
	return batch, nil
}

func (m *fakeModel) SetCalibration(c *l3measurements.Calibration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calib = c
	return nil
}

func (m *fakeModel) Calibration() *l3measurements.Calibration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calib
}

type fakeFilter struct {
	mu      sync.Mutex
	mode    vaod.FilterMode
	batches []vaod.MeasurementBatch
	resets  []string
	forced  []string
	err     error
}

func (f *fakeFilter) Update(b vaod.MeasurementBatch) (l5estimation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return l5estimation.Result{Applied: b.CountAssociated(), Estimate: f.estimateLocked()}, f.err
}

func (f *fakeFilter) ForceMode(to vaod.FilterMode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !vaod.CanTransition(f.mode, to) {
		return l5estimation.ErrInvalidTransition
	}
	f.mode = to
	f.forced = append(f.forced, reason)
	return nil
}

func (f *fakeFilter) Reset(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = vaod.ModeInit
	f.resets = append(f.resets, reason)
}

func (f *fakeFilter) Mode() vaod.FilterMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeFilter) Estimate() vaod.StateEstimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimateLocked()
}

func (f *fakeFilter) estimateLocked() vaod.StateEstimate {
	est := vaod.StateEstimate{Attitude: vaod.IdentityQuaternion(), Mode: f.mode, Valid: f.mode.Valid()}
	if n := len(f.batches); n > 0 {
		est.Timestamp = f.batches[n-1].FrameTimestamp
	}
	est.Position = vaod.Vec3{6.9e6, 0, 0}
	est.Velocity = vaod.Vec3{0, 7.6e3, 0}
	return est
}

func (f *fakeFilter) snapshot() (batches []vaod.MeasurementBatch, resets, forced []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vaod.MeasurementBatch(nil), f.batches...),
		append([]string(nil), f.resets...),
		append([]string(nil), f.forced...)
}

type faultLog struct {
	mu   sync.Mutex
	sigs []vaod.FaultSignal
}

func (l *faultLog) RecordFault(_ context.Context, sig vaod.FaultSignal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sigs = append(l.sigs, sig)
	return nil
}

func (l *faultLog) all() []vaod.FaultSignal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]vaod.FaultSignal(nil), l.sigs...)
}

type harness struct {
	src    *fakeSource
	ext    *fakeExtractor
	model  *fakeModel
	filter *fakeFilter
	pub    *l6publish.Publisher
	ring   *HealthRing
	faults *faultLog
}

func newHarness(mode vaod.FilterMode) *harness {
	return &harness{
		src:    newFakeSource(),
		ext:    &fakeExtractor{},
		model:  &fakeModel{},
		filter: &fakeFilter{mode: mode},
		pub:    l6publish.NewPublisher(),
		ring:   NewHealthRing(64),
		faults: &faultLog{},
	}
}

func (h *harness) runtime() Runtime {
	return Runtime{
		Source:    h.src,
		Extractor: h.ext,
		Model:     h.model,
		Filter:    h.filter,
		Publisher: h.pub,
		Health:    []HealthSink{h.ring},
		Faults:    []FaultSink{h.faults},
	}
}

func testConfig() Config {
	return Config{
		CameraID:               "cam0",
		FrameTimeout:           time.Minute,
		CycleDeadline:          time.Second,
		StageTimeoutsToDegrade: 3,
		StallLimit:             10 * time.Second,
		MaxRestarts:            2,
	}
}

func (h *harness) supervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(cfg, h.runtime())
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	return s
}

// start runs s in the background; the returned func cancels and waits.
func start(t *testing.T, s *Supervisor) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
			return nil
		}
	}
}
