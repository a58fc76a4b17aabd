package l1frames

import (
	"context"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// Capture is one raw image from a driver. Pix is normalised to [0,1] and
// may be reused by the driver after the call that follows.
type Capture struct {
	CameraID  string
	Timestamp int64 // monotonic, ns
	Exposure  time.Duration
	Gain      float64
	Width     int
	Height    int
	Pix       []float32
}

// Driver is the camera interface consumed by the frame source. Capture
// blocks until an image is available or ctx is done.
type Driver interface {
	Capture(ctx context.Context) (Capture, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context) (Capture, error)

func (f DriverFunc) Capture(ctx context.Context) (Capture, error) { return f(ctx) }

// InertialSample is one body-rate reading.
type InertialSample struct {
	Timestamp int64
	Rate      vaod.Vec3 // rad/s, body frame
}

// InertialSource is an optional rate sensor. Latest returns false when no
// fresh sample exists.
type InertialSource interface {
	Latest(ctx context.Context) (InertialSample, bool)
}
