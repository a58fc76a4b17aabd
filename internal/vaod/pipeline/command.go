package pipeline

import (
	"errors"
	"fmt"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
)

// CommandKind enumerates supervisor commands.
type CommandKind uint8

const (
	CmdReinit CommandKind = iota + 1
	CmdEnterCalibration
	CmdExitCalibration
	CmdUpdateCalibration
	CmdSetDetectionMode
)

func (k CommandKind) String() string {
	switch k {
	case CmdReinit:
		return "reinit"
	case CmdEnterCalibration:
		return "enter-calibration"
	case CmdExitCalibration:
		return "exit-calibration"
	case CmdUpdateCalibration:
		return "update-calibration"
	case CmdSetDetectionMode:
		return "set-detection-mode"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// Command is a mode switch or configuration change from the bus or CLI.
type Command struct {
	Kind        CommandKind
	Calibration *l3measurements.Calibration // CmdUpdateCalibration
	Mode        l2features.DetectionMode    // CmdSetDetectionMode
	Reason      string

	done chan error
}

var (
	ErrCommandQueueFull = errors.New("command queue full")
	ErrUnknownCommand   = errors.New("unknown command")
)

func (c Command) validate() error {
	switch c.Kind {
	case CmdReinit, CmdEnterCalibration, CmdExitCalibration:
		return nil
	case CmdUpdateCalibration:
		if c.Calibration == nil {
			return errors.New("calibration update without a calibration")
		}
		return nil
	case CmdSetDetectionMode:
		if c.Mode.Detectors() == nil {
			return fmt.Errorf("detection mode %s", c.Mode)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, c.Kind)
	}
}
