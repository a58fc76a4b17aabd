package l2features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/config"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

func sceneCanvas(seed int64) *canvas {
	return newCanvas(seed).
		disc(100, 260, 150, 0.6).
		star(testStar{x: 40.3, y: 30.7, amp: 0.4, sigma: 1.2}).
		star(testStar{x: 120.6, y: 60.2, amp: 0.25, sigma: 1.3}).
		star(testStar{x: 160.2, y: 40.8, amp: 0.12, sigma: 1.1})
}

func newTestExtractor(cfg ExtractorConfig) *Extractor {
	return NewExtractor(cfg, syncAccelerator{}, nil)
}

func TestExtractOrdersAndFilters(t *testing.T) {
	t.Parallel()
	f := sceneCanvas(21).frame(42)
	defer f.Release()

	cfg := DefaultExtractorConfig()
	cfg.MaxFeatures = 0
	res, err := newTestExtractor(cfg).Extract(context.Background(), f)
	require.NoError(t, err)
	assert.False(t, res.Truncated)
	assert.Equal(t, 3, res.CountType(FeatureStarCentroid))
	assert.Greater(t, res.CountType(FeatureLimbPoint), 10)
	assert.InDelta(t, testSky, res.Background.Level, 0.005)

	for i, o := range res.Observations {
		assert.Equal(t, int64(42), o.Timestamp)
		assert.GreaterOrEqual(t, o.Confidence, cfg.MinConfidence)
		if i == 0 {
			continue
		}
		prev := res.Observations[i-1]
		require.GreaterOrEqual(t, prev.Confidence, o.Confidence)
		if prev.Confidence == o.Confidence {
			require.True(t, prev.Y < o.Y || (prev.Y == o.Y && prev.X <= o.X),
				"tie order at %d: (%.2f,%.2f) before (%.2f,%.2f)", i, prev.X, prev.Y, o.X, o.Y)
		}
	}
}

func TestExtractDetectionModes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode      DetectionMode
		wantStars bool
		wantLimb  bool
	}{
		{DetectAll, true, true},
		{DetectStars, true, false},
		{DetectLimb, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f := sceneCanvas(22).frame(1)
			defer f.Release()
			cfg := DefaultExtractorConfig()
			cfg.Mode = tt.mode
			cfg.MaxFeatures = 0
			res, err := newTestExtractor(cfg).Extract(context.Background(), f)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStars, res.CountType(FeatureStarCentroid) > 0)
			assert.Equal(t, tt.wantLimb, res.CountType(FeatureLimbPoint) > 0)
		})
	}
}

func TestExtractMaxFeatures(t *testing.T) {
	t.Parallel()
	f := sceneCanvas(23).frame(1)
	defer f.Release()

	cfg := DefaultExtractorConfig()
	cfg.MaxFeatures = 5
	res, err := newTestExtractor(cfg).Extract(context.Background(), f)
	require.NoError(t, err)
	assert.Len(t, res.Observations, 5)
	assert.Positive(t, res.Dropped)
}

func TestExtractMinConfidenceDropsFaintStars(t *testing.T) {
	t.Parallel()
	f := newCanvas(24).
		star(testStar{x: 40, y: 40, amp: 0.4, sigma: 1.2}).
		star(testStar{x: 120, y: 90, amp: 0.03, sigma: 1.2}).
		frame(1)
	defer f.Release()

	cfg := DefaultExtractorConfig()
	cfg.MinConfidence = 0.9
	cfg.Star.ThresholdSigma = 3
	res, err := newTestExtractor(cfg).Extract(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, res.Observations, 1)
	assert.InDelta(t, 40, res.Observations[0].X, 0.2)
}

func TestExtractSunBlindFrame(t *testing.T) {
	t.Parallel()
	pix := make([]float32, testWidth*testHeight)
	for i := range pix {
		pix[i] = 1
	}
	f := l1frames.NewFrame(l1frames.Capture{Width: testWidth, Height: testHeight, Pix: pix, Timestamp: 1}, 0.98, 0.2)
	defer f.Release()
	require.True(t, f.SunBlind)

	res, err := NewExtractor(DefaultExtractorConfig(), stuckAccelerator{}, nil).Extract(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, res.SunBlind)
	assert.Empty(t, res.Observations)
}

func TestExtractTruncatesOnBudget(t *testing.T) {
	t.Parallel()
	f := sceneCanvas(25).frame(1)
	defer f.Release()

	cfg := DefaultExtractorConfig()
	cfg.Budget = 20 * time.Millisecond
	clock := &steppingClock{now: time.Unix(0, 0), step: time.Millisecond}
	e := NewExtractor(cfg, syncAccelerator{}, clock)

	res, err := e.Extract(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Zero(t, res.CountType(FeatureLimbPoint), "limb detector never ran")
}

func TestExtractAcceleratorTimeout(t *testing.T) {
	t.Parallel()
	f := sceneCanvas(26).frame(1)
	defer f.Release()

	cfg := DefaultExtractorConfig()
	cfg.Budget = 0
	cfg.AcceleratorTimeout = 5 * time.Millisecond
	_, err := NewExtractor(cfg, stuckAccelerator{}, nil).Extract(context.Background(), f)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcceleratorTimeout)
}

func TestExtractCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	f := sceneCanvas(27).frame(1)
	defer f.Release()

	cfg := DefaultExtractorConfig()
	cfg.Budget = 0
	cfg.AcceleratorTimeout = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := NewExtractor(cfg, stuckAccelerator{}, nil).Extract(ctx, f)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestExtractorSetMode(t *testing.T) {
	t.Parallel()
	e := newTestExtractor(DefaultExtractorConfig())
	assert.Equal(t, DetectAll, e.Mode())
	require.NoError(t, e.SetMode(DetectLimb))
	assert.Equal(t, DetectLimb, e.Mode())
	assert.Error(t, e.SetMode(DetectionMode(9)))
	assert.Equal(t, DetectLimb, e.Mode())
}

func TestParseDetectionMode(t *testing.T) {
	t.Parallel()
	for _, m := range []DetectionMode{DetectAll, DetectStars, DetectLimb} {
		got, err := ParseDetectionMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseDetectionMode("STARS")
	require.NoError(t, err)
	assert.Equal(t, DetectStars, got)

	_, err = ParseDetectionMode("landmarks")
	assert.Error(t, err)
	assert.Nil(t, DetectionMode(7).Detectors())
	assert.Equal(t, []DetectorKind{DetectorStar, DetectorLimb}, DetectAll.Detectors())
}

func TestExtractorConfigFromDefaults(t *testing.T) {
	t.Parallel()
	cfg := DefaultExtractorConfig()
	assert.Equal(t, 80*time.Millisecond, cfg.Budget)
	assert.Equal(t, 50*time.Millisecond, cfg.AcceleratorTimeout)
	assert.Equal(t, 0.5, cfg.MinConfidence)
	assert.Equal(t, 64, cfg.MaxFeatures)
	assert.Equal(t, 12, cfg.Limb.MinRun)
	assert.Equal(t, 0.98, cfg.Star.SaturationLevel)
	assert.Equal(t, 7, cfg.BackgroundStride)
	assert.Equal(t, 3.0, cfg.BackgroundClip)
	assert.Equal(t, 5, cfg.BackgroundPasses)
}

func TestExtractorConfigFromTuningBackground(t *testing.T) {
	t.Parallel()
	stride, clip, passes := 3, 2.5, 2
	cfg := ExtractorConfigFromTuning(&config.TuningConfig{
		BackgroundStride: &stride,
		BackgroundClip:   &clip,
		BackgroundPasses: &passes,
	})
	assert.Equal(t, 3, cfg.BackgroundStride)
	assert.Equal(t, 2.5, cfg.BackgroundClip)
	assert.Equal(t, 2, cfg.BackgroundPasses)

	// Out-of-range values are clamped rather than breaking the estimator.
	stride, clip, passes = 0, 0, 0
	e := newTestExtractor(ExtractorConfigFromTuning(&config.TuningConfig{
		BackgroundStride: &stride,
		BackgroundClip:   &clip,
		BackgroundPasses: &passes,
	}))
	assert.Equal(t, 1, e.cfg.BackgroundStride)
	assert.Equal(t, 3.0, e.cfg.BackgroundClip)
	assert.Equal(t, 1, e.cfg.BackgroundPasses)
}
