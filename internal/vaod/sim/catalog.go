package sim

import (
	"math"
	"math/rand/v2"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l3measurements"
)

// DefaultMaxPairAngle bounds the pair index of synthetic catalogs.
const DefaultMaxPairAngle = 70 * math.Pi / 180

// SyntheticCatalog returns n stars spread uniformly over the sphere with
// magnitudes between 1 and 5. IDs start at 1000.
func SyntheticCatalog(n int, seed uint64) (*l3measurements.Catalog, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	stars := make([]l3measurements.Star, n)
	for i := range stars {
		z := 2*rng.Float64() - 1
		ra := 360 * rng.Float64()
		dec := math.Asin(z) * 180 / math.Pi
		stars[i] = l3measurements.Star{
			ID:        1000 + i,
			RA:        ra,
			Dec:       dec,
			Mag:       1 + 4*rng.Float64(),
			Direction: l3measurements.StarDirection(ra, dec),
		}
	}
	return l3measurements.NewCatalog(stars, DefaultMaxPairAngle)
}
