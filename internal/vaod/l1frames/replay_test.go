package l1frames

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
)

func writeGray(t *testing.T, path string, level uint8, encode func(*os.File, image.Image) error) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 4))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	img.SetGray(3, 2, color.Gray{Y: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, encode(f, img))
}

func encodePNG(f *os.File, img image.Image) error  { return png.Encode(f, img) }
func encodeTIFF(f *os.File, img image.Image) error { return tiff.Encode(f, img, nil) }

func TestReplayDriverServesImagesInOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeGray(t, filepath.Join(dir, "b.tiff"), 51, encodeTIFF)
	writeGray(t, filepath.Join(dir, "a.png"), 102, encodePNG)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	d, err := NewReplayDriver(dir, ReplayOptions{CameraID: "cam0", Start: 1000, Period: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())

	c, err := d.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), c.Timestamp)
	assert.Equal(t, 8, c.Width)
	assert.Equal(t, 4, c.Height)
	assert.InDelta(t, 0.4, c.Pix[0], 1e-6)
	assert.InDelta(t, 1.0, c.Pix[2*8+3], 1e-6)

	c, err = d.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000+100*time.Millisecond), c.Timestamp)
	assert.InDelta(t, 0.2, c.Pix[0], 1e-6)

	_, err = d.Capture(context.Background())
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestReplayDriverEmptyDirectory(t *testing.T) {
	t.Parallel()
	_, err := NewReplayDriver(t.TempDir(), ReplayOptions{CameraID: "cam0"})
	assert.Equal(t, NoImagesFound, CameraErrorCode(err))

	_, err = NewReplayDriver(filepath.Join(t.TempDir(), "missing"), ReplayOptions{})
	assert.Equal(t, CameraInitFailed, CameraErrorCode(err))
}

func TestReplayDriverCorruptImage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.png"), []byte("not a png"), 0o644))
	d, err := NewReplayDriver(dir, ReplayOptions{CameraID: "cam0"})
	require.NoError(t, err)

	_, err = d.Capture(context.Background())
	assert.Equal(t, ReadFrameError, CameraErrorCode(err))
}

func TestGrayPixels16Bit(t *testing.T) {
	t.Parallel()
	img := image.NewGray16(image.Rect(0, 0, 2, 1))
	img.SetGray16(1, 0, color.Gray16{Y: 65535})
	w, h, pix := grayPixels(img)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	assert.Equal(t, []float32{0, 1}, pix)
}
