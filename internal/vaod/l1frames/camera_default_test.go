//go:build !gocv

package l1frames

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

func TestOpenCameraWithoutGoCV(t *testing.T) {
	t.Parallel()
	_, err := OpenCamera(CameraSpec{ID: "cam0", Device: "/dev/video0"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCameraSupport)
	assert.ErrorIs(t, err, vaod.ErrHardwareFault)
	assert.Equal(t, CameraInitFailed, CameraErrorCode(err))

	var d *CameraDriver
	_, err = d.Capture(context.Background())
	assert.ErrorIs(t, err, ErrNoCameraSupport)
	assert.NoError(t, d.Close())
}
