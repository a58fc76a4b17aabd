package l3measurements

import (
	"fmt"
	"math"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod/l1frames"
)

const (
	undistortIterations = 20
	undistortTolerance  = 1e-12
)

// CameraModel maps between pixels and body-frame lines of sight. The camera
// frame has +Z along the boresight, +X along image columns and +Y along
// image rows.
type CameraModel struct {
	ID            string
	Width, Height int

	Fx, Fy, Cx, Cy, Skew float64
	K1, K2, P1, P2       float64

	// BodyFromCamera rotates camera-frame vectors into the body frame.
	BodyFromCamera vaod.Quaternion

	halfDiagonal float64
	// maxR2 bounds the squared undistorted radius BodyToPixel accepts;
	// past it the radial model folds back towards the centre.
	maxR2 float64
}

// NewCameraModel builds a model from a validated camera spec.
func NewCameraModel(spec l1frames.CameraSpec) (*CameraModel, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	q := vaod.Quaternion{
		W: spec.BodyFromCamera[0],
		X: spec.BodyFromCamera[1],
		Y: spec.BodyFromCamera[2],
		Z: spec.BodyFromCamera[3],
	}.Normalize()
	if !q.IsFinite() {
		return nil, fmt.Errorf("camera %s: body_from_camera not finite", spec.ID)
	}
	return &CameraModel{
		ID:             spec.ID,
		Width:          spec.Width,
		Height:         spec.Height,
		Fx:             spec.Intrinsics.Fx,
		Fy:             spec.Intrinsics.Fy,
		Cx:             spec.Intrinsics.Cx,
		Cy:             spec.Intrinsics.Cy,
		Skew:           spec.Intrinsics.Skew,
		K1:             spec.Distortion.K1,
		K2:             spec.Distortion.K2,
		P1:             spec.Distortion.P1,
		P2:             spec.Distortion.P2,
		BodyFromCamera: q,
		halfDiagonal:   math.Hypot(float64(spec.Width), float64(spec.Height)) / 2,
		maxR2:          monotonicRadius2(spec.Distortion.K1, spec.Distortion.K2),
	}, nil
}

// monotonicRadius2 is the smallest r² > 0 where d/dr[r(1 + k1 r² + k2 r⁴)]
// reaches zero, or +Inf when the radial model never turns over.
func monotonicRadius2(k1, k2 float64) float64 {
	a, b := 5*k2, 3*k1
	if a == 0 {
		if b < 0 {
			return -1 / b
		}
		return math.Inf(1)
	}
	disc := b*b - 4*a
	if disc < 0 {
		return math.Inf(1)
	}
	sq := math.Sqrt(disc)
	limit := math.Inf(1)
	for _, s := range [2]float64{(-b - sq) / (2 * a), (-b + sq) / (2 * a)} {
		if s > 0 && s < limit {
			limit = s
		}
	}
	return limit
}

// FocalLength is the mean focal length in pixels.
func (c *CameraModel) FocalLength() float64 { return (c.Fx + c.Fy) / 2 }

// Boresight returns the camera +Z axis in the body frame.
func (c *CameraModel) Boresight() vaod.Vec3 {
	return c.BodyFromCamera.Rotate(vaod.Vec3{0, 0, 1})
}

// HalfFOV is the angle from the boresight to the farthest image corner.
func (c *CameraModel) HalfFOV() float64 {
	corners := [4][2]float64{
		{-0.5, -0.5},
		{float64(c.Width) - 0.5, -0.5},
		{-0.5, float64(c.Height) - 0.5},
		{float64(c.Width) - 0.5, float64(c.Height) - 0.5},
	}
	z := c.Boresight()
	var worst float64
	for _, p := range corners {
		worst = math.Max(worst, c.PixelToBody(p[0], p[1]).AngleTo(z))
	}
	return worst
}

// InImage reports whether (u, v) lies on the sensor.
func (c *CameraModel) InImage(u, v float64) bool {
	return u >= -0.5 && v >= -0.5 && u <= float64(c.Width)-0.5 && v <= float64(c.Height)-0.5
}

// NormalizedRadius is the distance from the principal point divided by the
// half diagonal, 0 at the centre and about 1 in the corners.
func (c *CameraModel) NormalizedRadius(u, v float64) float64 {
	if c.halfDiagonal == 0 {
		return 0
	}
	return math.Hypot(u-c.Cx, v-c.Cy) / c.halfDiagonal
}

// PixelToBody returns the unit body-frame line of sight through (u, v).
func (c *CameraModel) PixelToBody(u, v float64) vaod.Vec3 {
	yd := (v - c.Cy) / c.Fy
	xd := (u - c.Cx - c.Skew*yd) / c.Fx
	x, y := c.undistort(xd, yd)
	return c.BodyFromCamera.Rotate(vaod.Vec3{x, y, 1}.Unit())
}

// BodyToPixel projects a body-frame direction. ok is false for directions
// behind the camera and for those so far off axis that the distortion
// model would fold them back onto the sensor.
func (c *CameraModel) BodyToPixel(b vaod.Vec3) (u, v float64, ok bool) {
	p := c.BodyFromCamera.RotateInverse(b)
	if p[2] <= 1e-9 {
		return 0, 0, false
	}
	x, y := p[0]/p[2], p[1]/p[2]
	if x*x+y*y >= c.maxR2 {
		return 0, 0, false
	}
	xd, yd := c.distort(x, y)
	return c.Fx*xd + c.Skew*yd + c.Cx, c.Fy*yd + c.Cy, true
}

func (c *CameraModel) distort(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + c.K1*r2 + c.K2*r2*r2
	xd := x*radial + 2*c.P1*x*y + c.P2*(r2+2*x*x)
	yd := y*radial + c.P1*(r2+2*y*y) + 2*c.P2*x*y
	return xd, yd
}

// undistort inverts distort by fixed-point iteration.
func (c *CameraModel) undistort(xd, yd float64) (float64, float64) {
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + c.K1*r2 + c.K2*r2*r2
		dx := 2*c.P1*x*y + c.P2*(r2+2*x*x)
		dy := c.P1*(r2+2*y*y) + 2*c.P2*x*y
		nx, ny := (xd-dx)/radial, (yd-dy)/radial
		if math.Abs(nx-x) < undistortTolerance && math.Abs(ny-y) < undistortTolerance {
			return nx, ny
		}
		x, y = nx, ny
	}
	return x, y
}
