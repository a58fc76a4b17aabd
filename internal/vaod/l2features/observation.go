package l2features

import (
	"fmt"
	"sort"
)

// FeatureType tags what an observation was detected as.
type FeatureType uint8

const (
	FeatureStarCentroid FeatureType = iota
	FeatureLimbPoint
)

func (t FeatureType) String() string {
	switch t {
	case FeatureStarCentroid:
		return "star"
	case FeatureLimbPoint:
		return "limb"
	default:
		return fmt.Sprintf("FeatureType(%d)", uint8(t))
	}
}

// Observation is a sub-pixel image feature. It is discarded once the
// measurement model has consumed it.
type Observation struct {
	X, Y       float64 // pixel coordinates, origin at the centre of the top-left pixel
	Type       FeatureType
	Confidence float64 // [0,1]
	Timestamp  int64   // source frame timestamp, ns

	// Flux is the background-subtracted intensity sum for stars and the
	// edge contrast for limb points.
	Flux   float64
	Pixels int
}

// sortObservations orders by confidence descending, then y, then x.
func sortObservations(obs []Observation) {
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
