package l1frames

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "golang.org/x/image/tiff"
)

var replayExtensions = map[string]bool{".png": true, ".tif": true, ".tiff": true}

// ReplayDriver serves a directory of PNG or TIFF images in name order with
// synthetic timestamps spaced by Period.
type ReplayDriver struct {
	cameraID string
	files    []string
	start    int64
	period   time.Duration
	exposure time.Duration
	gain     float64

	mu   sync.Mutex
	next int
}

// ReplayOptions configures a ReplayDriver.
type ReplayOptions struct {
	CameraID string
	Start    int64         // timestamp of the first frame, ns
	Period   time.Duration // spacing between frames
	Exposure time.Duration
	Gain     float64
}

// NewReplayDriver lists dir. It fails with NoImagesFound when dir holds no
// supported images.
func NewReplayDriver(dir string, opts ReplayOptions) (*ReplayDriver, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, NewCameraError(CameraInitFailed, opts.CameraID, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !replayExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, NewCameraError(NoImagesFound, opts.CameraID, fmt.Errorf("%s", dir))
	}
	sort.Strings(files)
	if opts.Period <= 0 {
		opts.Period = time.Second
	}
	return &ReplayDriver{
		cameraID: opts.CameraID,
		files:    files,
		start:    opts.Start,
		period:   opts.Period,
		exposure: opts.Exposure,
		gain:     opts.Gain,
	}, nil
}

// Len returns the number of images.
func (d *ReplayDriver) Len() int { return len(d.files) }

// Capture decodes the next image. It returns ErrEndOfStream after the last.
func (d *ReplayDriver) Capture(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, err
	}
	d.mu.Lock()
	idx := d.next
	if idx >= len(d.files) {
		d.mu.Unlock()
		return Capture{}, ErrEndOfStream
	}
	d.next++
	d.mu.Unlock()

	img, err := decodeImage(d.files[idx])
	if err != nil {
		return Capture{}, NewCameraError(ReadFrameError, d.cameraID, err)
	}
	w, h, pix := grayPixels(img)
	return Capture{
		CameraID:  d.cameraID,
		Timestamp: d.start + int64(idx)*d.period.Nanoseconds(),
		Exposure:  d.exposure,
		Gain:      d.gain,
		Width:     w,
		Height:    h,
		Pix:       pix,
	}, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// grayPixels converts an image to row-major luminance in [0,1]. 16-bit
// grayscale keeps its full range.
func grayPixels(img image.Image) (int, int, []float32) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]float32, w*h)
	switch g := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			row := g.Pix[y*g.Stride : y*g.Stride+w]
			for x, v := range row {
				pix[y*w+x] = float32(v) / 255
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				pix[y*w+x] = float32(g.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				pix[y*w+x] = float32(c.Y) / 65535
			}
		}
	}
	return w, h, pix
}
