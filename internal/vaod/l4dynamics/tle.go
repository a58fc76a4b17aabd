package l4dynamics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

var ErrInvalidTLE = errors.New("invalid TLE")

// TLE is a two-line element set.
type TLE struct {
	Line1 string
	Line2 string
}

// Validate checks the line framing that SGP4 parsing relies on.
func (t TLE) Validate() error {
	l1, l2 := strings.TrimRight(t.Line1, "\r\n "), strings.TrimRight(t.Line2, "\r\n ")
	if len(l1) != 69 || len(l2) != 69 {
		return fmt.Errorf("%w: line lengths %d/%d, want 69", ErrInvalidTLE, len(l1), len(l2))
	}
	if l1[0] != '1' || l2[0] != '2' {
		return fmt.Errorf("%w: bad line numbers", ErrInvalidTLE)
	}
	if l1[2:7] != l2[2:7] {
		return fmt.Errorf("%w: catalog numbers differ", ErrInvalidTLE)
	}
	return nil
}

// Epoch ties the pipeline's monotonic frame clock to UTC.
type Epoch struct {
	Monotonic int64 // ns
	UTC       time.Time
}

// UTCAt maps a monotonic timestamp to UTC.
func (e Epoch) UTCAt(ts int64) time.Time {
	return e.UTC.Add(time.Duration(ts - e.Monotonic))
}

// OrbitPrior is an orbit seed with its own 1σ uncertainty.
type OrbitPrior struct {
	Position      vaod.Vec3 // ECI (TEME), m
	Velocity      vaod.Vec3 // m/s
	PositionSigma float64
	VelocitySigma float64
}

// TLEPrior evaluates SGP4 (WGS-72) for the TLE at time at. TEME is used as
// ECI; the difference is far below the prior sigma.
func TLEPrior(t TLE, at time.Time, posSigma, velSigma float64) (prior OrbitPrior, err error) {
	if err := t.Validate(); err != nil {
		return OrbitPrior{}, err
	}
	// go-satellite panics on unparsable fields.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidTLE, r)
		}
	}()

	sat := satellite.TLEToSat(t.Line1, t.Line2, satellite.GravityWGS72)
	at = at.UTC()
	whole := at.Truncate(time.Second)
	year, month, day := whole.Date()
	hour, min, sec := whole.Clock()
	pos, vel := satellite.Propagate(sat, year, int(month), day, hour, min, sec)

	const kmToM = 1000.0
	r := vaod.Vec3{pos.X, pos.Y, pos.Z}.Scale(kmToM)
	v := vaod.Vec3{vel.X, vel.Y, vel.Z}.Scale(kmToM)
	if !r.IsFinite() || !v.IsFinite() || r.Norm() < EarthRadius {
		return OrbitPrior{}, fmt.Errorf("%w: SGP4 returned r=%v", ErrInvalidTLE, r)
	}
	// Sub-second remainder, first order.
	frac := at.Sub(whole).Seconds()
	r = r.Add(v.Scale(frac))

	return OrbitPrior{Position: r, Velocity: v, PositionSigma: posSigma, VelocitySigma: velSigma}, nil
}
