package l2features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// minNoise keeps thresholds meaningful on noise-free synthetic images
// (one 12-bit count).
const minNoise = 1.0 / 4096

// Background is the robust sky level and noise of a frame.
type Background struct {
	Level float64
	Noise float64
}

// Image is a frame prepared for the detectors.
type Image struct {
	Width, Height int
	Timestamp     int64
	Raw           []float32
	Smooth        []float32
	Background    Background
}

func (im *Image) raw(x, y int) float64    { return float64(im.Raw[y*im.Width+x]) }
func (im *Image) smooth(x, y int) float64 { return float64(im.Smooth[y*im.Width+x]) }

// EstimateBackground returns a sigma-clipped median and MAD-derived noise
// over every stride-th pixel.
func EstimateBackground(pix []float32, stride int, clipSigma float64, iterations int) Background {
	if stride < 1 {
		stride = 1
	}
	samples := make([]float64, 0, len(pix)/stride+1)
	for i := 0; i < len(pix); i += stride {
		samples = append(samples, float64(pix[i]))
	}
	if len(samples) == 0 {
		return Background{Noise: minNoise}
	}
	sort.Float64s(samples)

	level, noise := medianMAD(samples)
	for it := 0; it < iterations; it++ {
		lo, hi := level-clipSigma*noise, level+clipSigma*noise
		start := sort.SearchFloat64s(samples, lo)
		end := sort.Search(len(samples), func(i int) bool { return samples[i] > hi })
		if end-start < 3 || (start == 0 && end == len(samples)) {
			break
		}
		samples = samples[start:end]
		level, noise = medianMAD(samples)
	}
	return Background{Level: level, Noise: math.Max(noise, minNoise)}
}

// medianMAD expects sorted input.
func medianMAD(sorted []float64) (float64, float64) {
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	dev := make([]float64, len(sorted))
	for i, v := range sorted {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	return med, 1.4826 * stat.Quantile(0.5, stat.Empirical, dev, nil)
}
