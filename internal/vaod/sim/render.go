package sim

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

// RenderConfig sets image brightness levels, all in normalised [0,1] units.
type RenderConfig struct {
	Sky        float64 // dark sky level
	Noise      float64 // per-pixel read noise 1σ
	EarthLevel float64 // sunlit Earth disc
	StarPeak   float64 // peak of a star at RefMag
	RefMag     float64
	MaxMag     float64 // fainter stars are not drawn
	PSFSigma   float64 // star point spread, pixels
}

// DefaultRenderConfig matches the extractor's default thresholds.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Sky:        0.05,
		Noise:      0.004,
		EarthLevel: 0.6,
		StarPeak:   0.7,
		RefMag:     1,
		MaxMag:     6,
		PSFSigma:   1.2,
	}
}

// peak returns the rendered amplitude of a star of the given magnitude.
func (rc RenderConfig) peak(mag float64) float64 {
	return rc.StarPeak * math.Pow(10, -0.4*(mag-rc.RefMag))
}

// limbAngle is the half angle of the Earth disc seen from r.
func limbAngle(r vaod.Vec3) float64 {
	return math.Asin(math.Min(l4dynamics.EarthRadius/r.Norm(), 1))
}

// Render draws the current frame.
func (s *Scene) Render() l1frames.Capture {
	s.mu.Lock()
	t := s.truth
	occluded := s.occluded(t.Frame)
	s.mu.Unlock()
	return s.render(t, occluded)
}

func (s *Scene) render(t Truth, occluded bool) l1frames.Capture {
	rc := s.cfg.Render
	w, h := s.cam.Width, s.cam.Height
	pix := make([]float64, w*h)
	floats.AddConst(rc.Sky, pix)
	if !occluded {
		s.drawEarth(t.State, pix)
		s.drawStars(t.State, pix)
	}

	noise := distuv.Normal{Mu: 0, Sigma: rc.Noise, Src: rand.NewPCG(s.cfg.Seed, uint64(t.Frame))}
	out := make([]float32, len(pix))
	for i, p := range pix {
		if rc.Noise > 0 {
			p += noise.Rand()
		}
		out[i] = float32(min(max(p, 0), 1))
	}
	return l1frames.Capture{
		CameraID:  s.cam.ID,
		Timestamp: t.Timestamp,
		Width:     w,
		Height:    h,
		Pix:       out,
	}
}

// drawEarth fills pixels whose line of sight meets the Earth, with a one
// pixel anti-aliased edge along the limb.
func (s *Scene) drawEarth(st l4dynamics.State, pix []float64) {
	rc := s.cfg.Render
	nadir := st.Position.Neg().Unit()
	rho := limbAngle(st.Position)
	boresight := st.Attitude.Rotate(s.cam.Boresight())
	if boresight.AngleTo(nadir)-s.cam.HalfFOV() > rho {
		return
	}
	f := s.cam.FocalLength()
	w := s.cam.Width
	for y := 0; y < s.cam.Height; y++ {
		for x := 0; x < w; x++ {
			los := st.Attitude.Rotate(s.cam.PixelToBody(float64(x), float64(y)))
			cover := (rho-los.AngleTo(nadir))*f + 0.5
			if cover <= 0 {
				continue
			}
			pix[y*w+x] += min(cover, 1) * (rc.EarthLevel - rc.Sky)
		}
	}
}

// drawStars adds a Gaussian spot for every catalog star in view that is
// not behind the Earth.
func (s *Scene) drawStars(st l4dynamics.State, pix []float64) {
	rc := s.cfg.Render
	for _, sv := range s.visibleStars(st) {
		amp := rc.peak(s.catalog.Star(sv.index).Mag)
		radius := int(math.Ceil(4 * rc.PSFSigma))
		cx, cy := int(math.Round(sv.u)), int(math.Round(sv.v))
		inv := 1 / (2 * rc.PSFSigma * rc.PSFSigma)
		for y := max(cy-radius, 0); y <= min(cy+radius, s.cam.Height-1); y++ {
			dy := float64(y) - sv.v
			for x := max(cx-radius, 0); x <= min(cx+radius, s.cam.Width-1); x++ {
				dx := float64(x) - sv.u
				pix[y*s.cam.Width+x] += amp * math.Exp(-(dx*dx+dy*dy)*inv)
			}
		}
	}
}

type starView struct {
	index int
	u, v  float64
}

// visibleStars projects catalog stars inside the field of view, skipping
// those fainter than MaxMag or occulted by the Earth.
func (s *Scene) visibleStars(st l4dynamics.State) []starView {
	nadir := st.Position.Neg().Unit()
	rho := limbAngle(st.Position)
	boresight := st.Attitude.Rotate(s.cam.Boresight())
	var out []starView
	for _, i := range s.catalog.InCone(boresight, s.cam.HalfFOV()) {
		star := s.catalog.Star(i)
		if star.Mag > s.cfg.Render.MaxMag || star.Direction.AngleTo(nadir) <= rho {
			continue
		}
		u, v, ok := s.cam.BodyToPixel(st.Attitude.RotateInverse(star.Direction))
		if !ok || !s.cam.InImage(u, v) {
			continue
		}
		out = append(out, starView{index: i, u: u, v: v})
	}
	return out
}
