package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

func TestDriverStepsAndEnds(t *testing.T) {
	f := newFixture(t, 50, deg(8), nil)
	d := NewDriver(f.scene, DriverOptions{Frames: 3, Exposure: 20 * time.Millisecond, Gain: 2})
	ctx := context.Background()

	var stamps []int64
	for i := 0; i < 3; i++ {
		c, err := d.Capture(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20*time.Millisecond, c.Exposure)
		assert.Equal(t, 2.0, c.Gain)
		stamps = append(stamps, c.Timestamp)
	}
	assert.Equal(t, []int64{stamps[0], stamps[0] + testPeriod.Nanoseconds(), stamps[0] + 2*testPeriod.Nanoseconds()}, stamps)
	assert.Equal(t, 2, f.scene.Truth().Frame)

	_, err := d.Capture(ctx)
	assert.ErrorIs(t, err, l1frames.ErrEndOfStream)
	assert.Equal(t, 3, d.Captured())
}

func TestDriverPacesWithClock(t *testing.T) {
	f := newFixture(t, 50, deg(8), nil)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	d := NewDriver(f.scene, DriverOptions{Pace: true, Clock: clock})

	_, err := d.Capture(context.Background())
	require.NoError(t, err)

	done := make(chan l1frames.Capture, 1)
	go func() {
		c, err := d.Capture(context.Background())
		if err == nil {
			done <- c
		}
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("paced capture returned before the period elapsed")
	default:
	}
	clock.Advance(testPeriod)
	select {
	case c := <-done:
		assert.Equal(t, 1, f.scene.Truth().Frame)
		assert.Equal(t, f.scene.Truth().Timestamp, c.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("paced capture did not return")
	}
}

func TestDriverHonoursCancel(t *testing.T) {
	f := newFixture(t, 50, deg(8), nil)
	d := NewDriver(f.scene, DriverOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Capture(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.Captured())
}

func TestDriverFeedsFrameSource(t *testing.T) {
	f := newFixture(t, 50, deg(8), nil)
	src := l1frames.NewDriverSource(NewDriver(f.scene, DriverOptions{Frames: 2}), l1frames.SourceConfig{
		Timeout:                time.Second,
		MaxConsecutiveTimeouts: 3,
		SaturationLevel:        0.98,
		SunBlindFraction:       0.5,
	}, nil)
	defer src.Close()

	frame, err := src.NextFrame(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, frame.SunBlind)
	assert.Equal(t, l1frames.FrameID(frame.Timestamp), frame.ID)
	frame.Release()
}

func TestGyroReadsTruthRate(t *testing.T) {
	f := newFixture(t, 10, deg(8), nil)
	bias := vaod.Vec3{1e-4, 0, -1e-4}
	g := NewGyro(f.scene, 0, bias, 1)

	s, ok := g.Latest(context.Background())
	require.True(t, ok)
	truth := f.scene.Truth()
	assert.Equal(t, truth.Timestamp, s.Timestamp)
	for k := 0; k < 3; k++ {
		assert.InDelta(t, truth.State.AngularVelocity[k]+bias[k], s.Rate[k], 1e-15)
	}

	noisy := NewGyro(f.scene, 1e-3, vaod.Vec3{}, 2)
	s, ok = noisy.Latest(context.Background())
	require.True(t, ok)
	assert.NotEqual(t, truth.State.AngularVelocity, s.Rate)
	assert.InDelta(t, 0, s.Rate.Sub(truth.State.AngularVelocity).Norm(), 6e-3)
}
