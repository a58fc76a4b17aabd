package l2features

import (
	"context"
	"math"
)

// StarConfig holds the star detector gates.
type StarConfig struct {
	ThresholdSigma  float64 // detection threshold above background, in noise sigmas
	MinPixels       int
	MaxPixels       int
	MaxElongation   float64 // ratio of principal axes
	FullSNR         float64 // SNR mapped to confidence 1
	SaturationLevel float64
}

// StarRejects counts candidates dropped by each gate in the last Detect.
type StarRejects struct {
	TooSmall   int
	TooLarge   int
	Saturated  int
	OnBorder   int
	Elongated  int
	Degenerate int
}

// StarDetector finds point sources by thresholding the smoothed image and
// labelling 8-connected components.
type StarDetector struct {
	cfg     StarConfig
	labels  []bool
	stack   []int
	Rejects StarRejects
}

func NewStarDetector(cfg StarConfig) *StarDetector { return &StarDetector{cfg: cfg} }

func (d *StarDetector) Kind() DetectorKind { return DetectorStar }

type blob struct {
	pixels     []int
	minX, minY int
	maxX, maxY int
	peak       float64
}

// Detect returns star centroids. It stops early when budget is exceeded.
func (d *StarDetector) Detect(ctx context.Context, im *Image, budget *Budget) ([]Observation, error) {
	w, h := im.Width, im.Height
	if cap(d.labels) < w*h {
		d.labels = make([]bool, w*h)
	}
	d.labels = d.labels[:w*h]
	clear(d.labels)
	d.Rejects = StarRejects{}

	bg := im.Background
	threshold := float32(bg.Level + d.cfg.ThresholdSigma*bg.Noise)

	var out []Observation
	var b blob
	for y := 0; y < h; y++ {
		if budget.Exceeded() || ctx.Err() != nil {
			return out, nil
		}
		for x := 0; x < w; x++ {
			i := y*w + x
			if d.labels[i] || im.Smooth[i] < threshold {
				continue
			}
			d.flood(im, i, threshold, &b)
			if obs, ok := d.measure(im, &b, threshold); ok {
				out = append(out, obs)
			}
		}
	}
	return out, nil
}

// flood labels the 8-connected component containing seed.
func (d *StarDetector) flood(im *Image, seed int, threshold float32, b *blob) {
	w, h := im.Width, im.Height
	b.pixels = b.pixels[:0]
	b.minX, b.minY = w, h
	b.maxX, b.maxY = -1, -1
	b.peak = math.Inf(-1)

	d.stack = append(d.stack[:0], seed)
	d.labels[seed] = true
	for len(d.stack) > 0 {
		i := d.stack[len(d.stack)-1]
		d.stack = d.stack[:len(d.stack)-1]
		x, y := i%w, i/w
		b.pixels = append(b.pixels, i)
		b.minX, b.maxX = min(b.minX, x), max(b.maxX, x)
		b.minY, b.maxY = min(b.minY, y), max(b.maxY, y)
		if v := float64(im.Raw[i]); v > b.peak {
			b.peak = v
		}
		for dy := -1; dy <= 1; dy++ {
			ny := y + dy
			if ny < 0 || ny >= h {
				continue
			}
			for dx := -1; dx <= 1; dx++ {
				nx := x + dx
				if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
					continue
				}
				j := ny*w + nx
				if d.labels[j] || im.Smooth[j] < threshold {
					continue
				}
				d.labels[j] = true
				d.stack = append(d.stack, j)
			}
		}
	}
}

// measure applies the rejection gates and computes the centroid. The size
// floor counts raw pixels above threshold, so an isolated hot pixel spread
// by smoothing still counts as one.
func (d *StarDetector) measure(im *Image, b *blob, threshold float32) (Observation, bool) {
	n := len(b.pixels)
	lit := 0
	for _, i := range b.pixels {
		if im.Raw[i] >= threshold {
			lit++
		}
	}
	switch {
	case lit < d.cfg.MinPixels:
		d.Rejects.TooSmall++
		return Observation{}, false
	case d.cfg.MaxPixels > 0 && n > d.cfg.MaxPixels:
		d.Rejects.TooLarge++
		return Observation{}, false
	case b.minX == 0 || b.minY == 0 || b.maxX == im.Width-1 || b.maxY == im.Height-1:
		d.Rejects.OnBorder++
		return Observation{}, false
	case d.cfg.SaturationLevel > 0 && b.peak >= d.cfg.SaturationLevel:
		d.Rejects.Saturated++
		return Observation{}, false
	}

	bg := im.Background.Level
	var flux, sx, sy float64
	for _, i := range b.pixels {
		v := float64(im.Raw[i]) - bg
		if v <= 0 {
			continue
		}
		x, y := float64(i%im.Width), float64(i/im.Width)
		flux += v
		sx += v * x
		sy += v * y
	}
	if flux <= 0 {
		d.Rejects.Degenerate++
		return Observation{}, false
	}
	cx, cy := sx/flux, sy/flux

	var mxx, myy, mxy float64
	for _, i := range b.pixels {
		v := float64(im.Raw[i]) - bg
		if v <= 0 {
			continue
		}
		dx, dy := float64(i%im.Width)-cx, float64(i/im.Width)-cy
		mxx += v * dx * dx
		myy += v * dy * dy
		mxy += v * dx * dy
	}
	mxx, myy, mxy = mxx/flux, myy/flux, mxy/flux
	if elongation(mxx, myy, mxy) > d.cfg.MaxElongation {
		d.Rejects.Elongated++
		return Observation{}, false
	}

	snr := flux / (im.Background.Noise * math.Sqrt(float64(n)))
	conf := 1.0
	if d.cfg.FullSNR > 0 {
		conf = clamp01(snr / d.cfg.FullSNR)
	}
	return Observation{
		X:          cx,
		Y:          cy,
		Type:       FeatureStarCentroid,
		Confidence: conf,
		Timestamp:  im.Timestamp,
		Flux:       flux,
		Pixels:     n,
	}, true
}

// elongation is the ratio of principal axes of the second-moment ellipse.
func elongation(mxx, myy, mxy float64) float64 {
	tr := mxx + myy
	disc := math.Sqrt(math.Max((mxx-myy)*(mxx-myy)/4+mxy*mxy, 0))
	l1, l2 := tr/2+disc, tr/2-disc
	if l2 <= 1e-12 {
		if l1 <= 1e-12 {
			return 1
		}
		return math.Inf(1)
	}
	return math.Sqrt(l1 / l2)
}
