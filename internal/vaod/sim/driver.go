package sim

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

// DriverOptions configures a Driver.
type DriverOptions struct {
	Frames   int  // end of stream after this many frames; 0 runs forever
	Pace     bool // deliver frames no faster than the scene period
	Clock    timeutil.Clock
	Exposure time.Duration
	Gain     float64
}

// Driver is an l1frames.Driver that renders the scene. The first Capture
// returns frame 0; each later Capture steps the truth by one period.
type Driver struct {
	scene *Scene
	opts  DriverOptions

	mu       sync.Mutex
	captured int
	last     time.Time
}

// NewDriver returns a driver over scene.
func NewDriver(scene *Scene, opts DriverOptions) *Driver {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Driver{scene: scene, opts: opts}
}

// Captured returns the number of frames delivered.
func (d *Driver) Captured() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captured
}

// Capture renders the next frame.
func (d *Driver) Capture(ctx context.Context) (l1frames.Capture, error) {
	if err := ctx.Err(); err != nil {
		return l1frames.Capture{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.Frames > 0 && d.captured >= d.opts.Frames {
		return l1frames.Capture{}, l1frames.ErrEndOfStream
	}
	if d.opts.Pace && d.captured > 0 {
		wait := d.scene.Period() - d.opts.Clock.Since(d.last)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return l1frames.Capture{}, ctx.Err()
			case <-d.opts.Clock.After(wait):
			}
		}
	}
	if d.captured > 0 {
		if _, err := d.scene.Step(); err != nil {
			return l1frames.Capture{}, l1frames.NewCameraError(l1frames.CaptureFailed, d.scene.cam.ID, err)
		}
	}
	c := d.scene.Render()
	c.Exposure = d.opts.Exposure
	c.Gain = d.opts.Gain
	d.captured++
	d.last = d.opts.Clock.Now()
	return c, nil
}

// Gyro is an l1frames.InertialSource reading the scene's true body rate
// with white noise and a constant bias.
type Gyro struct {
	scene *Scene
	sigma float64
	bias  vaod.Vec3

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGyro returns a gyro with per-axis noise sigma (rad/s).
func NewGyro(scene *Scene, sigma float64, bias vaod.Vec3, seed uint64) *Gyro {
	return &Gyro{
		scene: scene,
		sigma: sigma,
		bias:  bias,
		rng:   rand.New(rand.NewPCG(seed, 0x6779726f)),
	}
}

// Latest samples the rate at the scene's current frame time.
func (g *Gyro) Latest(ctx context.Context) (l1frames.InertialSample, bool) {
	if ctx.Err() != nil {
		return l1frames.InertialSample{}, false
	}
	t := g.scene.Truth()
	g.mu.Lock()
	defer g.mu.Unlock()
	var rate vaod.Vec3
	for k := range rate {
		rate[k] = t.State.AngularVelocity[k] + g.bias[k] + g.sigma*g.rng.NormFloat64()
	}
	return l1frames.InertialSample{Timestamp: t.Timestamp, Rate: rate}, true
}
