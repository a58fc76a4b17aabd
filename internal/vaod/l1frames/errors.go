package l1frames

import (
	"errors"
	"fmt"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// Camera error codes reported on the bus.
const (
	CameraInitFailed     = 1001
	CaptureFailed        = 1002
	NoImagesFound        = 1003
	ReadFrameError       = 1004
	CameraNotOperational = 1005
	ConfigurationError   = 1006
)

var codeNames = map[int]string{
	CameraInitFailed:     "camera initialisation failed",
	CaptureFailed:        "capture failed",
	NoImagesFound:        "no images found",
	ReadFrameError:       "read frame error",
	CameraNotOperational: "camera not operational",
	ConfigurationError:   "configuration error",
}

// ErrEndOfStream is returned by finite drivers once exhausted.
var ErrEndOfStream = errors.New("end of frame stream")

// CameraError is a driver failure. It matches vaod.ErrHardwareFault.
type CameraError struct {
	Code   int
	Camera string
	Err    error
}

func (e *CameraError) Error() string {
	msg := codeNames[e.Code]
	if msg == "" {
		msg = "camera error"
	}
	if e.Err != nil {
		return fmt.Sprintf("camera %s: %s (%d): %v", e.Camera, msg, e.Code, e.Err)
	}
	return fmt.Sprintf("camera %s: %s (%d)", e.Camera, msg, e.Code)
}

func (e *CameraError) Unwrap() error { return e.Err }

func (e *CameraError) Is(target error) bool { return target == vaod.ErrHardwareFault }

// NewCameraError builds a CameraError.
func NewCameraError(code int, camera string, err error) *CameraError {
	return &CameraError{Code: code, Camera: camera, Err: err}
}

// CameraErrorCode extracts the code from err, or 0.
func CameraErrorCode(err error) int {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
