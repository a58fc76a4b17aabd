//go:build gocv

package l2features

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// DefaultAccelerator returns the backend compiled into this build.
func DefaultAccelerator() Accelerator { return GoCVAccelerator{} }

// GoCVAccelerator smooths through OpenCV.
type GoCVAccelerator struct{}

func (GoCVAccelerator) Name() string { return "gocv" }

func (GoCVAccelerator) Submit(ctx context.Context, req BlurRequest) Job {
	job := newAsyncJob()
	if err := req.validate(); err != nil {
		job.finish(nil, fmt.Errorf("%w: gocv accelerator: %v", vaod.ErrHardwareFault, err))
		return job
	}
	src := gocv.NewMatWithSize(req.Height, req.Width, gocv.MatTypeCV32F)
	data, err := src.DataPtrFloat32()
	if err != nil {
		src.Close()
		job.finish(nil, fmt.Errorf("%w: gocv accelerator: %v", vaod.ErrHardwareFault, err))
		return job
	}
	copy(data, req.Pix)

	go func() {
		defer src.Close()
		if req.Sigma <= 0 {
			out := make([]float32, len(req.Pix))
			copy(out, req.Pix)
			job.finish(out, nil)
			return
		}
		size := 2*int(3*req.Sigma+0.999) + 1
		kernel := gocv.GetGaussianKernel(size, req.Sigma)
		defer kernel.Close()
		dst := gocv.NewMat()
		defer dst.Close()
		gocv.SepFilter2D(src, &dst, gocv.MatTypeCV32F, kernel, kernel, image.Pt(-1, -1), 0, gocv.BorderReflect)
		res, err := dst.DataPtrFloat32()
		if err != nil {
			job.finish(nil, fmt.Errorf("%w: gocv accelerator: %v", vaod.ErrHardwareFault, err))
			return
		}
		out := make([]float32, len(res))
		copy(out, res)
		job.finish(out, nil)
	}()
	return job
}
