package l1frames

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// Source delivers frames in strictly increasing timestamp order.
type Source interface {
	// NextFrame waits at most timeout for a frame. On timeout the error
	// wraps vaod.ErrSensorTimeout.
	NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	// Degraded reports whether consecutive timeouts crossed the limit.
	Degraded() bool
}

// SourceConfig holds the frame source gates.
type SourceConfig struct {
	Timeout                time.Duration
	MaxConsecutiveTimeouts int
	SaturationLevel        float64
	SunBlindFraction       float64
}

// SourceConfigFromTuning builds a SourceConfig from a loaded TuningConfig.
func SourceConfigFromTuning(cfg *config.TuningConfig) SourceConfig {
	return SourceConfig{
		Timeout:                cfg.GetFrameTimeout(),
		MaxConsecutiveTimeouts: cfg.GetMaxConsecutiveTimeouts(),
		SaturationLevel:        cfg.GetSaturationLevel(),
		SunBlindFraction:       cfg.GetSunBlindFraction(),
	}
}

// SourceStats counts frame source outcomes.
type SourceStats struct {
	Delivered  uint64
	Dropped    uint64 // non-monotonic timestamps
	Timeouts   uint64
	SunBlind   uint64
	DriverErrs uint64
}

type pullResult struct {
	capture Capture
	err     error
}

// DriverSource wraps a blocking Driver. The driver call runs in its own
// goroutine so NextFrame never blocks past its timeout; a pull that outlives
// one call is picked up by the next instead of starting a second pull.
// NextFrame is meant for a single caller.
type DriverSource struct {
	driver Driver
	cfg    SourceConfig
	clock  timeutil.Clock

	pullCtx    context.Context
	cancelPull context.CancelFunc

	pending     chan pullResult
	lastTs      int64
	haveLast    bool
	consecutive int
	degraded    atomic.Bool

	statsMu sync.Mutex
	stats   SourceStats
}

// NewDriverSource returns a source over d. A nil clock uses the real clock.
func NewDriverSource(d Driver, cfg SourceConfig, clock timeutil.Clock) *DriverSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DriverSource{driver: d, cfg: cfg, clock: clock, pullCtx: ctx, cancelPull: cancel}
}

// Close cancels any in-flight driver pull.
func (s *DriverSource) Close() error {
	s.cancelPull()
	return nil
}

// Degraded reports whether MaxConsecutiveTimeouts consecutive timeouts have
// occurred since the last delivered frame.
func (s *DriverSource) Degraded() bool { return s.degraded.Load() }

// Stats returns a copy of the counters.
func (s *DriverSource) Stats() SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *DriverSource) count(fn func(*SourceStats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}

func (s *DriverSource) startPull() chan pullResult {
	ch := make(chan pullResult, 1)
	go func() {
		c, err := s.driver.Capture(s.pullCtx)
		ch <- pullResult{capture: c, err: err}
	}()
	return ch
}

// NextFrame implements Source. A non-positive timeout uses the configured
// one.
func (s *DriverSource) NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		if s.pending == nil {
			s.pending = s.startPull()
		}
		select {
		case r := <-s.pending:
			s.pending = nil
			if r.err != nil {
				s.count(func(st *SourceStats) { st.DriverErrs++ })
				return nil, s.driverError(r.err)
			}
			c := r.capture
			if s.haveLast && c.Timestamp <= s.lastTs {
				s.count(func(st *SourceStats) { st.Dropped++ })
				monitoring.Diagf("[l1frames] drop non-monotonic frame ts=%d last=%d", c.Timestamp, s.lastTs)
				continue
			}
			if len(c.Pix) != c.Width*c.Height || c.Width <= 0 {
				s.count(func(st *SourceStats) { st.DriverErrs++ })
				return nil, NewCameraError(ReadFrameError, c.CameraID,
					fmt.Errorf("buffer %d for %dx%d", len(c.Pix), c.Width, c.Height))
			}
			s.lastTs, s.haveLast = c.Timestamp, true
			s.consecutive = 0
			s.degraded.Store(false)

			f := NewFrame(c, s.cfg.SaturationLevel, s.cfg.SunBlindFraction)
			s.count(func(st *SourceStats) {
				st.Delivered++
				if f.SunBlind {
					st.SunBlind++
				}
			})
			return f, nil

		case <-timer.C():
			s.consecutive++
			s.count(func(st *SourceStats) { st.Timeouts++ })
			if s.cfg.MaxConsecutiveTimeouts > 0 && s.consecutive >= s.cfg.MaxConsecutiveTimeouts && !s.degraded.Swap(true) {
				monitoring.Opsf("[l1frames] %d consecutive frame timeouts", s.consecutive)
			}
			return nil, fmt.Errorf("no frame within %s: %w", timeout, vaod.ErrSensorTimeout)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *DriverSource) driverError(err error) error {
	switch {
	case errors.Is(err, ErrEndOfStream), errors.Is(err, vaod.ErrHardwareFault):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return NewCameraError(CaptureFailed, "", err)
}
