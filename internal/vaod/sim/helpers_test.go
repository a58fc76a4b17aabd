package sim

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

const testPeriod = 500 * time.Millisecond

func testCameraSpec() l1frames.CameraSpec {
	return l1frames.CameraSpec{
		ID:             "sim0",
		Width:          320,
		Height:         240,
		Intrinsics:     l1frames.Intrinsics{Fx: 300, Fy: 300, Cx: 159.5, Cy: 119.5},
		Distortion:     l1frames.Distortion{K1: -0.02},
		BodyFromCamera: [4]float64{1, 0, 0, 0},
	}
}

type fixture struct {
	cam     *l3measurements.CameraModel
	catalog *l3measurements.Catalog
	scene   *Scene
}

func newFixture(t *testing.T, stars int, elevation float64, occluded func(int) bool) fixture {
	t.Helper()
	cam, err := l3measurements.NewCameraModel(testCameraSpec())
	require.NoError(t, err)
	cat, err := SyntheticCatalog(stars, 7)
	require.NoError(t, err)
	initial := HorizonPointing(CircularOrbit(500e3, 51.6*math.Pi/180), cam, elevation)
	scene, err := NewScene(SceneConfig{
		Start:    int64(time.Hour),
		Period:   testPeriod,
		Initial:  initial,
		Seed:     11,
		Occluded: occluded,
	}, l4dynamics.New(l4dynamics.DefaultConfig()), cam, cat)
	require.NoError(t, err)
	return fixture{cam: cam, catalog: cat, scene: scene}
}

func deg(d float64) float64 { return d * math.Pi / 180 }
