package pipeline

import (
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
)

// Config holds the supervisor's deadlines and escalation limits.
type Config struct {
	CameraID               string
	FrameTimeout           time.Duration
	CycleDeadline          time.Duration // capture through measurement, per frame
	StageTimeoutsToDegrade int
	StallLimit             time.Duration // no completed cycle for this long restarts the pipeline
	RestartBackoff         time.Duration
	MaxRestarts            int
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig, cameraID string) Config {
	return Config{
		CameraID:               cameraID,
		FrameTimeout:           cfg.GetFrameTimeout(),
		CycleDeadline:          cfg.GetCycleDeadline(),
		StageTimeoutsToDegrade: cfg.GetStageTimeoutsToDegrade(),
		StallLimit:             cfg.GetStallLimit(),
		RestartBackoff:         cfg.GetRestartBackoff(),
		MaxRestarts:            cfg.GetMaxRestarts(),
	}
}

// DefaultConfig returns the built-in defaults for cameraID.
func DefaultConfig(cameraID string) Config {
	return ConfigFromTuning(config.EmptyTuningConfig(), cameraID)
}
