package l4dynamics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ISS (ZARYA), epoch 2008-09-20.
var issTLE = TLE{
	Line1: "1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927",
	Line2: "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537",
}

func TestTLEValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, issTLE.Validate())

	short := TLE{Line1: issTLE.Line1[:40], Line2: issTLE.Line2}
	assert.ErrorIs(t, short.Validate(), ErrInvalidTLE)

	swapped := TLE{Line1: issTLE.Line2, Line2: issTLE.Line1}
	assert.ErrorIs(t, swapped.Validate(), ErrInvalidTLE)
}

func TestTLEPriorIsLowEarthOrbit(t *testing.T) {
	t.Parallel()
	at := time.Date(2008, 9, 20, 14, 0, 0, 500_000_000, time.UTC)
	prior, err := TLEPrior(issTLE, at, 20e3, 50)
	require.NoError(t, err)

	alt := prior.Position.Norm() - EarthRadius
	assert.Greater(t, alt, 300e3)
	assert.Less(t, alt, 450e3)
	assert.InDelta(t, 7700, prior.Velocity.Norm(), 150)
	assert.Equal(t, 20e3, prior.PositionSigma)
}

func TestEpochUTCAt(t *testing.T) {
	t.Parallel()
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Epoch{Monotonic: 5e9, UTC: ref}
	assert.Equal(t, ref.Add(2*time.Second), e.UTCAt(7e9))
	assert.Equal(t, ref.Add(-time.Second), e.UTCAt(4e9))
}
