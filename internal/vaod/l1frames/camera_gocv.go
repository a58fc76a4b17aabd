//go:build gocv

package l1frames

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// CameraDriver captures from a V4L2 device through OpenCV.
type CameraDriver struct {
	spec  CameraSpec
	epoch time.Time

	mu     sync.Mutex
	vc     *gocv.VideoCapture
	frame  gocv.Mat
	gray   gocv.Mat
	scaled gocv.Mat
}

// OpenCamera opens spec.Device and requests the configured resolution.
// Timestamps count from the moment the device opened.
func OpenCamera(spec CameraSpec) (*CameraDriver, error) {
	if spec.Device == "" {
		return nil, NewCameraError(ConfigurationError, spec.ID, errors.New("no device"))
	}
	vc, err := gocv.OpenVideoCapture(spec.Device)
	if err != nil {
		return nil, NewCameraError(CameraInitFailed, spec.ID, err)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(spec.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(spec.Height))
	if spec.Exposure > 0 {
		vc.Set(gocv.VideoCaptureExposure, spec.Exposure.Seconds()*1e4)
	}
	if spec.Gain > 0 {
		vc.Set(gocv.VideoCaptureGain, spec.Gain)
	}
	return &CameraDriver{
		spec:   spec,
		epoch:  time.Now(),
		vc:     vc,
		frame:  gocv.NewMat(),
		gray:   gocv.NewMat(),
		scaled: gocv.NewMat(),
	}, nil
}

// Capture reads one frame. The read itself cannot be interrupted; the
// frame source bounds it with its own timeout.
func (d *CameraDriver) Capture(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return Capture{}, ErrEndOfStream
	}
	if ok := d.vc.Read(&d.frame); !ok || d.frame.Empty() {
		return Capture{}, NewCameraError(ReadFrameError, d.spec.ID, errors.New("empty read"))
	}
	ts := time.Since(d.epoch).Nanoseconds()

	src := d.frame
	if d.frame.Channels() > 1 {
		gocv.CvtColor(d.frame, &d.gray, gocv.ColorBGRToGray)
		src = d.gray
	}
	scale := 1.0 / 255
	if src.Type()&7 == gocv.MatTypeCV16U {
		scale = 1.0 / 65535
	}
	src.ConvertToWithParams(&d.scaled, gocv.MatTypeCV32F, float32(scale), 0)
	data, err := d.scaled.DataPtrFloat32()
	if err != nil {
		return Capture{}, NewCameraError(ReadFrameError, d.spec.ID, fmt.Errorf("frame data: %w", err))
	}
	pix := make([]float32, len(data))
	copy(pix, data)
	return Capture{
		CameraID:  d.spec.ID,
		Timestamp: ts,
		Exposure:  d.spec.Exposure,
		Gain:      d.spec.Gain,
		Width:     d.scaled.Cols(),
		Height:    d.scaled.Rows(),
		Pix:       pix,
	}, nil
}

// Close releases the device.
func (d *CameraDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.vc = nil
	d.frame.Close()
	d.gray.Close()
	d.scaled.Close()
	return err
}
