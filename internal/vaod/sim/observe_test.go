package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l2features"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
)

func TestObservationsAreExactProjections(t *testing.T) {
	f := newFixture(t, 400, deg(8), nil)
	st := f.scene.Truth().State
	obs := f.scene.Observations(0)
	require.Equal(t, len(obs.Observations), len(obs.CatalogIndex))

	limb := 0
	for i, o := range obs.Observations {
		los := st.Attitude.Rotate(f.cam.PixelToBody(o.X, o.Y))
		assert.Equal(t, f.scene.Truth().Timestamp, o.Timestamp)
		if idx := obs.CatalogIndex[i]; idx >= 0 {
			assert.Equal(t, l2features.FeatureStarCentroid, o.Type)
			assert.InDelta(t, 0, los.AngleTo(f.catalog.Star(idx).Direction), 1e-9)
			continue
		}
		limb++
		assert.Equal(t, l2features.FeatureLimbPoint, o.Type)
		assert.InDelta(t, limbAngle(st.Position), los.AngleTo(st.Position.Neg()), 1e-9)
	}
	assert.Greater(t, limb, 3)
	assert.Greater(t, len(obs.Observations)-limb, 3)
}

func TestObservationNoiseIsReproducible(t *testing.T) {
	f := newFixture(t, 400, deg(8), nil)
	a := f.scene.Observations(0.3)
	b := f.scene.Observations(0.3)
	assert.Equal(t, a, b)
	exact := f.scene.Observations(0)
	moved := false
	for i := range a.Observations {
		if a.Observations[i].X != exact.Observations[i].X {
			moved = true
		}
	}
	assert.True(t, moved)
}

func newModel(t *testing.T, f fixture) *l3measurements.Model {
	t.Helper()
	calib, err := l3measurements.NewCalibration(&l1frames.CameraConfig{Cameras: []l1frames.CameraSpec{testCameraSpec()}},
		l3measurements.DefaultNoiseModel(), 1)
	require.NoError(t, err)
	m, err := l3measurements.NewModel(l3measurements.DefaultConfig(), f.catalog, calib)
	require.NoError(t, err)
	return m
}

func TestObservationsAssociateWithPrior(t *testing.T) {
	f := newFixture(t, 400, deg(8), nil)
	truth := f.scene.Truth()
	obs := f.scene.Observations(0.2)
	prior := truth.Estimate(2e-3, 1000)

	batch, err := newModel(t, f).Measure(l3measurements.Input{
		FrameTimestamp: truth.Timestamp,
		CameraID:       "sim0",
		Observations:   obs.Observations,
		Prior:          &prior,
	})
	require.NoError(t, err)

	starIdx := 0
	for _, m := range batch.Measurements {
		switch m.Kind {
		case vaod.MeasurementStar:
			want := f.catalog.Star(obs.CatalogIndex[starIdx]).Label()
			assert.Equal(t, want, m.Label)
			starIdx++
		case vaod.MeasurementLimb:
			assert.Equal(t, vaod.LabelEarthLimb, m.Label)
		}
	}
	assert.Greater(t, starIdx, 3)
}

func TestObservationsIdentifyLostInSpace(t *testing.T) {
	f := newFixture(t, 300, deg(8), nil)
	truth := f.scene.Truth()
	obs := f.scene.Observations(0.1)

	batch, err := newModel(t, f).Measure(l3measurements.Input{
		FrameTimestamp: truth.Timestamp,
		CameraID:       "sim0",
		Observations:   obs.Observations,
	})
	require.NoError(t, err)

	starIdx, correct := 0, 0
	for _, m := range batch.Measurements {
		if m.Kind != vaod.MeasurementStar {
			continue
		}
		want := f.catalog.Star(obs.CatalogIndex[starIdx]).Label()
		starIdx++
		if m.Label == vaod.LabelUnassociated {
			continue
		}
		assert.Equal(t, want, m.Label)
		correct++
	}
	assert.GreaterOrEqual(t, correct, 3)
}
