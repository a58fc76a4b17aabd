package l3measurements

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

const (
	// maxHypothesisStars bounds the observations used to seed attitude
	// hypotheses; the rest only vote and verify.
	maxHypothesisStars = 8
	// candidatesPerStar is how many of the most-voted catalog stars each
	// seed observation tries.
	candidatesPerStar = 3
)

// identification is a lost-in-space solution: the body-to-ECI attitude and
// the catalog index of each verified observation (-1 otherwise).
type identification struct {
	attitude vaod.Quaternion
	matches  []int
	inliers  int
}

// identify matches body-frame lines of sight against the catalog by
// pair-angle voting, then verifies each candidate attitude by reprojecting
// every observation.
func (m *Model) identify(dirs []vaod.Vec3, sigmas []float64) (identification, bool) {
	n := len(dirs)
	if n > m.cfg.MaxIdentifyStars {
		n = m.cfg.MaxIdentifyStars
	}
	if n < max(m.cfg.MinIdentified, 3) {
		return identification{}, false
	}
	allDirs, allSigmas := dirs, sigmas
	dirs, sigmas = dirs[:n], sigmas[:n]
	cat := m.catalog

	votes := make([]map[int]int, n)
	for i := range votes {
		votes[i] = make(map[int]int)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			ang := dirs[i].AngleTo(dirs[j])
			for _, p := range cat.pairsNear(ang, m.pairTolerance(sigmas[i], sigmas[j])) {
				votes[i][p.a]++
				votes[i][p.b]++
				votes[j][p.a]++
				votes[j][p.b]++
			}
		}
	}
	cand := make([][]int, n)
	for i, v := range votes {
		cand[i] = topVoted(v, candidatesPerStar)
	}

	var bestID identification
	bestResidual := math.Inf(1)
	seeds := min(n, maxHypothesisStars)
	for i := 0; i < seeds; i++ {
		for j := i + 1; j < seeds; j++ {
			tol := m.pairTolerance(sigmas[i], sigmas[j])
			obsAngle := dirs[i].AngleTo(dirs[j])
			for _, a := range cand[i] {
				for _, b := range cand[j] {
					if a == b {
						continue
					}
					ra, rb := cat.Star(a).Direction, cat.Star(b).Direction
					if math.Abs(ra.AngleTo(rb)-obsAngle) > tol {
						continue
					}
					att, ok := triad(dirs[i], dirs[j], ra, rb)
					if !ok {
						continue
					}
					id, residual := m.verify(att, dirs, sigmas)
					if id.inliers > bestID.inliers || (id.inliers == bestID.inliers && residual < bestResidual) {
						bestID, bestResidual = id, residual
					}
				}
			}
		}
	}
	if bestID.inliers < max(m.cfg.MinIdentified, 3) {
		return identification{}, false
	}

	// Refine on the inliers, then match every observation against the
	// refined attitude.
	att := bestID.attitude
	if refined, ok := wahba(dirs, bestID.matches, sigmas, cat); ok {
		att = refined
	}
	final, _ := m.verify(att, allDirs, allSigmas)
	if final.inliers < bestID.inliers {
		final, _ = m.verify(bestID.attitude, allDirs, allSigmas)
	}
	return final, true
}

// topVoted returns up to k catalog indices with at least two votes, most
// votes first, ties by index.
func topVoted(votes map[int]int, k int) []int {
	var out []int
	for idx, count := range votes {
		if count >= 2 {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if votes[out[a]] != votes[out[b]] {
			return votes[out[a]] > votes[out[b]]
		}
		return out[a] < out[b]
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// pairTolerance is the allowed mismatch between observed and catalog pair
// separations.
func (m *Model) pairTolerance(si, sj float64) float64 {
	return math.Max(m.cfg.StarIDTolerance, 3*math.Sqrt(si*si+sj*sj))
}

// verify reprojects every observation through att and matches it to the
// nearest catalog star within its tolerance.
func (m *Model) verify(att vaod.Quaternion, dirs []vaod.Vec3, sigmas []float64) (identification, float64) {
	id := identification{attitude: att, matches: make([]int, len(dirs))}
	used := make(map[int]bool)
	var residual float64
	for k, d := range dirs {
		id.matches[k] = -1
		tol := m.cfg.GateSigma * math.Sqrt(sigmas[k]*sigmas[k]+m.cfg.StarIDTolerance*m.cfg.StarIDTolerance)
		eci := att.Rotate(d)
		best, bestAng := -1, tol
		for _, idx := range m.catalog.InCone(eci, tol) {
			if ang := eci.AngleTo(m.catalog.Star(idx).Direction); ang <= bestAng && !used[idx] {
				best, bestAng = idx, ang
			}
		}
		if best >= 0 {
			used[best] = true
			id.matches[k] = best
			id.inliers++
			residual += bestAng * bestAng
		}
	}
	return id, residual
}

// triad builds the body-to-ECI attitude from two vector pairs.
func triad(b1, b2, r1, r2 vaod.Vec3) (vaod.Quaternion, bool) {
	bx := b1.Cross(b2)
	rx := r1.Cross(r2)
	if bx.Norm() < 1e-9 || rx.Norm() < 1e-9 {
		return vaod.Quaternion{}, false
	}
	tb := [3]vaod.Vec3{b1.Unit(), bx.Unit(), {}}
	tb[2] = tb[0].Cross(tb[1])
	tr := [3]vaod.Vec3{r1.Unit(), rx.Unit(), {}}
	tr[2] = tr[0].Cross(tr[1])

	var rm [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				rm[i][j] += tr[k][i] * tb[k][j]
			}
		}
	}
	return vaod.QuaternionFromMatrix(rm), true
}

// wahba solves the weighted attitude over all matched observations.
func wahba(dirs []vaod.Vec3, matches []int, sigmas []float64, cat *Catalog) (vaod.Quaternion, bool) {
	b := mat.NewDense(3, 3, nil)
	n := 0
	for k, idx := range matches {
		if idx < 0 {
			continue
		}
		w := 1 / math.Max(sigmas[k]*sigmas[k], 1e-18)
		ref, obs := cat.Star(idx).Direction, dirs[k].Unit()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				b.Set(i, j, b.At(i, j)+w*ref[i]*obs[j])
			}
		}
		n++
	}
	if n < 2 {
		return vaod.Quaternion{}, false
	}
	var svd mat.SVD
	if !svd.Factorize(b, mat.SVDFull) {
		return vaod.Quaternion{}, false
	}
	var u, v, ud, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	ud.Mul(&u, mat.NewDiagDense(3, []float64{1, 1, mat.Det(&u) * mat.Det(&v)}))
	r.Mul(&ud, v.T())
	var rm [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rm[i][j] = r.At(i, j)
		}
	}
	return vaod.QuaternionFromMatrix(rm), true
}
