package l2features

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

const (
	testWidth  = 200
	testHeight = 150
	testSky    = 0.05
	testNoise  = 0.004
)

type testStar struct {
	x, y, amp, sigma float64
}

// canvas is a synthetic sky.
type canvas struct {
	w, h int
	pix  []float64
}

func newCanvas(seed int64) *canvas {
	c := &canvas{w: testWidth, h: testHeight, pix: make([]float64, testWidth*testHeight)}
	rng := rand.New(rand.NewSource(seed))
	for i := range c.pix {
		c.pix[i] = testSky + testNoise*rng.NormFloat64()
	}
	return c
}

func (c *canvas) star(s testStar) *canvas {
	r := int(math.Ceil(5 * s.sigma))
	for y := int(s.y) - r; y <= int(s.y)+r; y++ {
		for x := int(s.x) - r; x <= int(s.x)+r; x++ {
			if x < 0 || y < 0 || x >= c.w || y >= c.h {
				continue
			}
			dx, dy := float64(x)-s.x, float64(y)-s.y
			c.pix[y*c.w+x] += s.amp * math.Exp(-(dx*dx+dy*dy)/(2*s.sigma*s.sigma))
		}
	}
	return c
}

// disc paints a uniformly lit Earth disc with a one-pixel anti-aliased edge.
func (c *canvas) disc(cx, cy, radius, level float64) *canvas {
	for y := 0; y < c.h; y++ {
		for x := 0; x < c.w; x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			c.pix[y*c.w+x] += (level - testSky) * clamp01(radius-d+0.5)
		}
	}
	return c
}

func (c *canvas) set(x, y int, v float64) *canvas {
	c.pix[y*c.w+x] = v
	return c
}

func (c *canvas) float32s() []float32 {
	out := make([]float32, len(c.pix))
	for i, v := range c.pix {
		out[i] = float32(math.Min(math.Max(v, 0), 1))
	}
	return out
}

func (c *canvas) frame(ts int64) *l1frames.Frame {
	return l1frames.NewFrame(l1frames.Capture{
		CameraID:  "cam0",
		Timestamp: ts,
		Width:     c.w,
		Height:    c.h,
		Pix:       c.float32s(),
	}, 0.98, 0.2)
}

// image prepares the canvas the way the extractor does.
func (c *canvas) image(sigma float64) *Image {
	raw := c.float32s()
	return &Image{
		Width:      c.w,
		Height:     c.h,
		Timestamp:  1,
		Raw:        raw,
		Smooth:     GaussianBlur(raw, c.w, c.h, sigma),
		Background: EstimateBackground(raw, 3, 3, 5),
	}
}

// syncAccelerator completes every job before Submit returns.
type syncAccelerator struct{}

func (syncAccelerator) Name() string { return "sync" }

func (syncAccelerator) Submit(_ context.Context, req BlurRequest) Job {
	job := newAsyncJob()
	job.finish(GaussianBlur(req.Pix, req.Width, req.Height, req.Sigma), nil)
	return job
}

// stuckAccelerator never completes.
type stuckAccelerator struct{}

func (stuckAccelerator) Name() string { return "stuck" }

func (stuckAccelerator) Submit(context.Context, BlurRequest) Job { return newAsyncJob() }

// steppingClock advances by step on every Now, so deadlines expire after a
// known number of polls.
type steppingClock struct {
	timeutil.RealClock
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *steppingClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }
