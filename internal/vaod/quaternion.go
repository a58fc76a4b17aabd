package vaod

import "math"

// QuaternionTolerance bounds the deviation from unit norm that any
// published attitude may show.
const QuaternionTolerance = 1e-9

// Quaternion is a Hamilton quaternion, scalar first. Attitudes use it as the
// rotation from the body frame to the inertial (ECI) frame:
// v_eci = q ⊗ v_body ⊗ q*.
type Quaternion struct {
	W, X, Y, Z float64
}

// IdentityQuaternion returns the zero rotation.
func IdentityQuaternion() Quaternion { return Quaternion{W: 1} }

func (q Quaternion) Norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns q scaled to unit norm. A zero or non-finite quaternion
// normalises to the identity so that the attitude invariant always holds.
func (q Quaternion) Normalize() Quaternion {
	n := q.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return IdentityQuaternion()
	}
	return Quaternion{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Canonical returns the representative of q with a non-negative scalar part.
func (q Quaternion) Canonical() Quaternion {
	if q.W < 0 {
		return Quaternion{-q.W, -q.X, -q.Y, -q.Z}
	}
	return q
}

func (q Quaternion) Conj() Quaternion { return Quaternion{q.W, -q.X, -q.Y, -q.Z} }

// Mul returns the Hamilton product q ⊗ r.
func (q Quaternion) Mul(r Quaternion) Quaternion {
	return Quaternion{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Vector returns the imaginary part.
func (q Quaternion) Vector() Vec3 { return Vec3{q.X, q.Y, q.Z} }

// Rotate applies q to v (body to inertial for an attitude quaternion).
func (q Quaternion) Rotate(v Vec3) Vec3 {
	u := q.Vector()
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// RotateInverse applies q* to v (inertial to body for an attitude).
func (q Quaternion) RotateInverse(v Vec3) Vec3 { return q.Conj().Rotate(v) }

// Matrix returns the direction cosine matrix R with R·v = q.Rotate(v).
func (q Quaternion) Matrix() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// QuaternionFromMatrix converts a rotation matrix using Shepperd's method.
// The result is normalised and canonical.
func QuaternionFromMatrix(m [3][3]float64) Quaternion {
	var q Quaternion
	tr := m[0][0] + m[1][1] + m[2][2]
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = Quaternion{0.25 * s, (m[2][1] - m[1][2]) / s, (m[0][2] - m[2][0]) / s, (m[1][0] - m[0][1]) / s}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = Quaternion{(m[2][1] - m[1][2]) / s, 0.25 * s, (m[0][1] + m[1][0]) / s, (m[0][2] + m[2][0]) / s}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = Quaternion{(m[0][2] - m[2][0]) / s, (m[0][1] + m[1][0]) / s, 0.25 * s, (m[1][2] + m[2][1]) / s}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = Quaternion{(m[1][0] - m[0][1]) / s, (m[0][2] + m[2][0]) / s, (m[1][2] + m[2][1]) / s, 0.25 * s}
	}
	return q.Normalize().Canonical()
}

// QuaternionFromRotationVector is the exponential map: a rotation of |theta|
// radians about theta's direction.
func QuaternionFromRotationVector(theta Vec3) Quaternion {
	angle := theta.Norm()
	if angle < 1e-12 {
		return Quaternion{1, theta[0] / 2, theta[1] / 2, theta[2] / 2}.Normalize()
	}
	s := math.Sin(angle/2) / angle
	return Quaternion{math.Cos(angle / 2), theta[0] * s, theta[1] * s, theta[2] * s}
}

// QuaternionFromAxisAngle returns a rotation of angle radians about axis.
func QuaternionFromAxisAngle(axis Vec3, angle float64) Quaternion {
	return QuaternionFromRotationVector(axis.Unit().Scale(angle))
}

// RotationVector is the logarithmic map, the inverse of
// QuaternionFromRotationVector on the canonical hemisphere.
func (q Quaternion) RotationVector() Vec3 {
	c := q.Normalize().Canonical()
	v := c.Vector()
	n := v.Norm()
	if n < 1e-12 {
		return v.Scale(2)
	}
	angle := 2 * math.Atan2(n, c.W)
	return v.Scale(angle / n)
}

// AngleTo returns the rotation angle in radians separating q and r.
func (q Quaternion) AngleTo(r Quaternion) float64 {
	d := q.Conj().Mul(r).Normalize().Canonical()
	return 2 * math.Atan2(d.Vector().Norm(), d.W)
}

// IsUnit reports whether |q| is within tol of one.
func (q Quaternion) IsUnit(tol float64) bool {
	return math.Abs(q.Norm()-1) <= tol
}

// IsFinite reports whether every component is finite.
func (q Quaternion) IsFinite() bool {
	for _, v := range [4]float64{q.W, q.X, q.Y, q.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
