package l2features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// ErrAcceleratorTimeout is returned when a job does not finish within the
// wait timeout. The extractor abandons the cycle.
var ErrAcceleratorTimeout = errors.New("accelerator timeout")

// BlurRequest asks for a Gaussian smoothing of a row-major image.
type BlurRequest struct {
	Width, Height int
	Pix           []float32
	Sigma         float64
}

func (r BlurRequest) validate() error {
	if r.Width <= 0 || r.Height <= 0 || len(r.Pix) != r.Width*r.Height {
		return fmt.Errorf("blur request %dx%d with %d pixels", r.Width, r.Height, len(r.Pix))
	}
	return nil
}

// Job is an in-flight accelerator request.
type Job interface {
	// Wait blocks until the result is ready, ctx ends, or timeout elapses.
	Wait(ctx context.Context, timeout time.Duration) ([]float32, error)
}

// Accelerator runs smoothing off the calling goroutine.
type Accelerator interface {
	Name() string
	Submit(ctx context.Context, req BlurRequest) Job
}

// asyncJob publishes a single result by closing done.
type asyncJob struct {
	done chan struct{}
	out  []float32
	err  error
}

func newAsyncJob() *asyncJob { return &asyncJob{done: make(chan struct{})} }

func (j *asyncJob) finish(out []float32, err error) {
	j.out, j.err = out, err
	close(j.done)
}

func (j *asyncJob) Wait(ctx context.Context, timeout time.Duration) ([]float32, error) {
	select {
	case <-j.done:
		return j.out, j.err
	default:
	}
	if timeout <= 0 {
		select {
		case <-j.done:
			return j.out, j.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-j.done:
		return j.out, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %v", ErrAcceleratorTimeout, timeout)
	}
}

// CPUAccelerator smooths with a separable Gaussian in pure Go.
type CPUAccelerator struct{}

func (CPUAccelerator) Name() string { return "cpu" }

// Submit copies the input so the caller may release the frame before the
// job completes.
func (CPUAccelerator) Submit(ctx context.Context, req BlurRequest) Job {
	job := newAsyncJob()
	if err := req.validate(); err != nil {
		job.finish(nil, fmt.Errorf("%w: cpu accelerator: %v", vaod.ErrHardwareFault, err))
		return job
	}
	src := make([]float32, len(req.Pix))
	copy(src, req.Pix)
	go func() {
		job.finish(GaussianBlur(src, req.Width, req.Height, req.Sigma), nil)
	}()
	return job
}

// GaussianKernel returns a normalised 1-D kernel of radius ceil(3σ).
func GaussianKernel(sigma float64) []float32 {
	if sigma <= 0 {
		return []float32{1}
	}
	radius := int(math.Ceil(3 * sigma))
	k := make([]float32, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// GaussianBlur applies a separable Gaussian with reflected borders and
// returns a new slice.
func GaussianBlur(pix []float32, w, h int, sigma float64) []float32 {
	out := make([]float32, len(pix))
	if sigma <= 0 {
		copy(out, pix)
		return out
	}
	k := GaussianKernel(sigma)
	r := len(k) / 2
	tmp := make([]float32, len(pix))
	for y := 0; y < h; y++ {
		row := pix[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float32
			for i, kv := range k {
				acc += kv * row[reflect(x+i-r, w)]
			}
			tmp[y*w+x] = acc
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for i, kv := range k {
				acc += kv * tmp[reflect(y+i-r, h)*w+x]
			}
			out[y*w+x] = acc
		}
	}
	return out
}

// reflect maps i into [0,n) mirroring at the edges (dcb|abcd|cba).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}
