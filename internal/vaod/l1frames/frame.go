package l1frames

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one grayscale image normalised to [0,1]. It is immutable once
// delivered and must be released after feature extraction.
type Frame struct {
	ID        string
	CameraID  string
	Timestamp int64 // monotonic capture time, ns
	Exposure  time.Duration
	Gain      float64
	Width     int
	Height    int
	Pix       []float32 // row-major, len Width*Height

	// SaturatedFraction is the share of pixels at or above the saturation
	// level. SunBlind frames carry no usable features.
	SaturatedFraction float64
	SunBlind          bool

	released atomic.Bool
	buf      *[]float32
}

// At returns the pixel at (x, y).
func (f *Frame) At(x, y int) float32 { return f.Pix[y*f.Width+x] }

// Release returns the pixel buffer to the pool. It is idempotent; the
// frame must not be read afterwards.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.buf != nil {
		putBuffer(f.buf)
		f.buf = nil
	}
	f.Pix = nil
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool { return f.released.Load() }

// FrameID derives the frame identifier from its capture timestamp: the
// first 16 hex characters of SHA-1 over the decimal timestamp.
func FrameID(ts int64) string {
	sum := sha1.Sum([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(sum[:])[:16]
}

var pixelPool = sync.Pool{
	New: func() any { return new([]float32) },
}

func getBuffer(n int) *[]float32 {
	b := pixelPool.Get().(*[]float32)
	if cap(*b) < n {
		*b = make([]float32, n)
	}
	*b = (*b)[:n]
	return b
}

func putBuffer(b *[]float32) { pixelPool.Put(b) }

// NewFrame copies pix into a pooled buffer and fills the derived fields.
// saturation is the level at or above which a pixel counts as saturated;
// sunBlind is the saturated fraction above which the frame is sun-blind.
func NewFrame(c Capture, saturation, sunBlind float64) *Frame {
	buf := getBuffer(len(c.Pix))
	copy(*buf, c.Pix)
	f := &Frame{
		ID:        FrameID(c.Timestamp),
		CameraID:  c.CameraID,
		Timestamp: c.Timestamp,
		Exposure:  c.Exposure,
		Gain:      c.Gain,
		Width:     c.Width,
		Height:    c.Height,
		Pix:       *buf,
		buf:       buf,
	}
	if len(f.Pix) > 0 && saturation > 0 {
		level := float32(saturation)
		n := 0
		for _, p := range f.Pix {
			if p >= level {
				n++
			}
		}
		f.SaturatedFraction = float64(n) / float64(len(f.Pix))
		f.SunBlind = sunBlind > 0 && f.SaturatedFraction > sunBlind
	}
	return f
}
