package l2features

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// LimbConfig holds the limb detector gates.
type LimbConfig struct {
	MinContrast float64 // minimum disc level above background
	ScanStride  int     // rows and columns between scan lines
	MinRun      int     // minimum bright run length in pixels
}

// edgeSearch is how far outside a run the mid-level crossing may lie.
const edgeSearch = 4

// LimbDetector finds Earth limb edge points along a grid of scan lines.
type LimbDetector struct {
	cfg  LimbConfig
	line []float64
}

func NewLimbDetector(cfg LimbConfig) *LimbDetector {
	if cfg.ScanStride < 1 {
		cfg.ScanStride = 1
	}
	if cfg.MinRun < 2 {
		cfg.MinRun = 2
	}
	return &LimbDetector{cfg: cfg}
}

func (d *LimbDetector) Kind() DetectorKind { return DetectorLimb }

// Detect scans rows, then columns. It stops early when budget is exceeded.
func (d *LimbDetector) Detect(ctx context.Context, im *Image, budget *Budget) ([]Observation, error) {
	var out []Observation
	stride := d.cfg.ScanStride
	for y := stride / 2; y < im.Height; y += stride {
		if budget.Exceeded() || ctx.Err() != nil {
			return out, nil
		}
		d.line = d.line[:0]
		for x := 0; x < im.Width; x++ {
			d.line = append(d.line, im.smooth(x, y))
		}
		for _, e := range d.scan(im.Background.Level) {
			out = append(out, d.observation(im, e.pos, float64(y), e))
		}
	}
	for x := stride / 2; x < im.Width; x += stride {
		if budget.Exceeded() || ctx.Err() != nil {
			return out, nil
		}
		d.line = d.line[:0]
		for y := 0; y < im.Height; y++ {
			d.line = append(d.line, im.smooth(x, y))
		}
		for _, e := range d.scan(im.Background.Level) {
			out = append(out, d.observation(im, float64(x), e.pos, e))
		}
	}
	return out, nil
}

func (d *LimbDetector) observation(im *Image, x, y float64, e edge) Observation {
	return Observation{
		X:          x,
		Y:          y,
		Type:       FeatureLimbPoint,
		Confidence: clamp01(e.contrast / (2 * d.cfg.MinContrast)),
		Timestamp:  im.Timestamp,
		Flux:       e.contrast,
		Pixels:     e.run,
	}
}

type edge struct {
	pos      float64
	contrast float64
	run      int
}

// scan returns the sub-pixel edges of every bright run in d.line.
func (d *LimbDetector) scan(bg float64) []edge {
	v := d.line
	n := len(v)
	bright := bg + d.cfg.MinContrast
	var edges []edge
	for s := 0; s < n; {
		if v[s] < bright {
			s++
			continue
		}
		e := s
		for e+1 < n && v[e+1] >= bright {
			e++
		}
		run := e - s + 1
		if run >= d.cfg.MinRun {
			if s > 0 {
				contrast := mean(v[s:s+d.cfg.MinRun]) - bg
				if pos, ok := rising(v, bg+contrast/2, s-edgeSearch, s+d.cfg.MinRun-1); ok && onInterior(pos, n) {
					edges = append(edges, edge{pos: pos, contrast: contrast, run: run})
				}
			}
			if e < n-1 {
				contrast := mean(v[e-d.cfg.MinRun+1:e+1]) - bg
				if pos, ok := falling(v, bg+contrast/2, e-d.cfg.MinRun+1, e+edgeSearch); ok && onInterior(pos, n) {
					edges = append(edges, edge{pos: pos, contrast: contrast, run: run})
				}
			}
		}
		s = e + 1
	}
	return edges
}

// rising finds the first upward crossing of mid in v[lo..hi].
func rising(v []float64, mid float64, lo, hi int) (float64, bool) {
	lo, hi = max(lo, 0), min(hi, len(v)-1)
	for i := lo; i < hi; i++ {
		if v[i] < mid && v[i+1] >= mid {
			return float64(i) + (mid-v[i])/(v[i+1]-v[i]), true
		}
	}
	return 0, false
}

// falling finds the last downward crossing of mid in v[lo..hi].
func falling(v []float64, mid float64, lo, hi int) (float64, bool) {
	lo, hi = max(lo, 0), min(hi, len(v)-1)
	for i := hi - 1; i >= lo; i-- {
		if v[i] >= mid && v[i+1] < mid {
			return float64(i) + (v[i]-mid)/(v[i]-v[i+1]), true
		}
	}
	return 0, false
}

// onInterior rejects edges within a pixel of the image border.
func onInterior(pos float64, n int) bool {
	return pos >= 1 && pos <= float64(n-2)
}

func mean(v []float64) float64 { return floats.Sum(v) / float64(len(v)) }
