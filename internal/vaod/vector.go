package vaod

import "math"

// Vec3 is a 3-vector in whatever frame the owning field documents.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(s float64) Vec3 {
	return Vec3{a[0] * s, a[1] * s, a[2] * s}
}
func (a Vec3) Neg() Vec3           { return Vec3{-a[0], -a[1], -a[2]} }
func (a Vec3) Dot(b Vec3) float64  { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a Vec3) Norm() float64       { return math.Sqrt(a.Dot(a)) }
func (a Vec3) NormSquared() float64 { return a.Dot(a) }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// Unit returns a scaled to unit length. The zero vector is returned as is.
func (a Vec3) Unit() Vec3 {
	n := a.Norm()
	if n == 0 {
		return a
	}
	return a.Scale(1 / n)
}

// AngleTo returns the angle between a and b in radians, accurate for both
// small and near-antiparallel angles.
func (a Vec3) AngleTo(b Vec3) float64 {
	return math.Atan2(a.Cross(b).Norm(), a.Dot(b))
}

// IsFinite reports whether every component is finite.
func (a Vec3) IsFinite() bool {
	for _, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Skew returns the cross-product matrix [a×] such that Skew(a)·b = a×b.
func (a Vec3) Skew() [3][3]float64 {
	return [3][3]float64{
		{0, -a[2], a[1]},
		{a[2], 0, -a[0]},
		{-a[1], a[0], 0},
	}
}

// Orthonormal returns two unit vectors spanning the plane perpendicular to
// the unit vector a. The basis is a deterministic function of a.
func (a Vec3) Orthonormal() (Vec3, Vec3) {
	ref := Vec3{1, 0, 0}
	if math.Abs(a[0]) > 0.9 {
		ref = Vec3{0, 1, 0}
	}
	e1 := a.Cross(ref).Unit()
	e2 := a.Cross(e1)
	return e1, e2
}
