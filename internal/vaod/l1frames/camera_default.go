//go:build !gocv

package l1frames

import (
	"context"
	"errors"
)

// ErrNoCameraSupport is returned by OpenCamera in builds without OpenCV.
var ErrNoCameraSupport = errors.New("camera capture needs a build with -tags gocv")

// CameraDriver is unavailable in this build.
type CameraDriver struct{}

// OpenCamera always fails; replay or simulate instead.
func OpenCamera(spec CameraSpec) (*CameraDriver, error) {
	return nil, NewCameraError(CameraInitFailed, spec.ID, ErrNoCameraSupport)
}

func (*CameraDriver) Capture(context.Context) (Capture, error) { return Capture{}, ErrNoCameraSupport }

func (*CameraDriver) Close() error { return nil }
