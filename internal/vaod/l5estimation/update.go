package l5estimation

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l4dynamics"
)

// correct applies associated measurements one at a time. Each is gated on
// its normalised innovation squared before it can touch the state.
// The returned RMS is over accepted measurements, normalised per degree of
// freedom.
func (f *Filter) correct(ms []vaod.Measurement) (applied, rejected int, rms float64) {
	n := vaod.StateDim
	eye := mat.NewDiagDense(n, nil)
	for i := 0; i < n; i++ {
		eye.SetDiag(i, 1)
	}

	var nisSum float64
	var dofSum int
	for _, m := range ms {
		if !m.Associated() {
			continue
		}
		lin, ok := linearize(m, f.state)
		if !ok {
			rejected++
			continue
		}
		d := m.Dim()
		r := m.Covariance()

		// S = H P Hᵀ + R
		var pht, hph, s mat.Dense
		pht.Mul(f.cov, lin.H.T())
		hph.Mul(lin.H, &pht)
		s.Add(&hph, r)

		var sInv mat.Dense
		if err := sInv.Inverse(&s); err != nil {
			rejected++
			continue
		}
		var siy mat.VecDense
		siy.MulVec(&sInv, lin.y)
		nis := mat.Dot(lin.y, &siy)

		gate := f.Gate(d)
		accepted := !math.IsNaN(nis) && nis <= gate
		if f.DebugCollector != nil && f.DebugCollector.IsEnabled() {
			f.DebugCollector.RecordInnovation(m.Label, m.Kind, nis, gate, accepted)
		}
		if !accepted {
			monitoring.Diagf("[l5estimation] reject %s %s: NIS %.2f > %.2f: %v", m.Kind, m.Label, nis, gate, vaod.ErrMeasurementOutlier)
			rejected++
			continue
		}

		// K = P Hᵀ S⁻¹
		var k mat.Dense
		k.Mul(&pht, &sInv)
		var dx mat.VecDense
		dx.MulVec(&k, lin.y)
		f.state = inject(f.state, &dx)

		// Joseph form: (I−KH) P (I−KH)ᵀ + K R Kᵀ
		var kh, ikh mat.Dense
		kh.Mul(&k, lin.H)
		ikh.Sub(eye, &kh)
		var ap, joseph mat.Dense
		ap.Mul(&ikh, f.cov)
		joseph.Mul(&ap, ikh.T())
		var kr, krk mat.Dense
		kr.Mul(&k, r)
		krk.Mul(&kr, k.T())
		joseph.Add(&joseph, &krk)
		symmetrizeInto(f.cov, &joseph)

		applied++
		nisSum += nis
		dofSum += d
	}
	if dofSum > 0 {
		rms = math.Sqrt(nisSum / float64(dofSum))
	}
	return applied, rejected, rms
}

// regularize keeps P positive definite. The state mixes radians and
// metres, so the spectrum is clamped in the correlation basis
// D⁻¹ P D⁻¹ (D the 1σ diagonal) where it is well conditioned, and the
// diagonal itself is floored in absolute units.
func (f *Filter) regularize() {
	floor := f.cfg.MinCovarianceEigenvalue
	n := vaod.StateDim
	sd := make([]float64, n)
	for i := 0; i < n; i++ {
		v := f.cov.At(i, i)
		if v < floor || math.IsNaN(v) {
			v = floor
		}
		sd[i] = math.Sqrt(v)
	}
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := f.cov.At(i, j) / (sd[i] * sd[j])
			if i == j {
				c = 1
			}
			corr.SetSym(i, j, c)
		}
	}

	var es mat.EigenSym
	if !es.Factorize(corr, true) {
		monitoring.Opsf("[l5estimation] covariance eigendecomposition failed")
		return
	}
	vals := es.Values(nil)
	clamped := false
	for i, v := range vals {
		if v < floor || math.IsNaN(v) {
			vals[i] = floor
			clamped = true
		}
	}
	if clamped {
		var vecs, vd, c mat.Dense
		es.VectorsTo(&vecs)
		vd.Mul(&vecs, mat.NewDiagDense(n, vals))
		c.Mul(&vd, vecs.T())
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				corr.SetSym(i, j, 0.5*(c.At(i, j)+c.At(j, i)))
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			f.cov.SetSym(i, j, corr.At(i, j)*sd[i]*sd[j])
		}
	}
}

// propagateCovariance returns Φ P Φᵀ + Q, symmetrised.
func propagateCovariance(p *mat.SymDense, pred l4dynamics.Prediction) *mat.SymDense {
	var fp, fpf mat.Dense
	fp.Mul(pred.Phi, p)
	fpf.Mul(&fp, pred.Phi.T())
	fpf.Add(&fpf, pred.Q)
	out := mat.NewSymDense(vaod.StateDim, nil)
	symmetrizeInto(out, &fpf)
	return out
}

func symmetrizeInto(dst *mat.SymDense, src mat.Matrix) {
	n := dst.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, 0.5*(src.At(i, j)+src.At(j, i)))
		}
	}
}
