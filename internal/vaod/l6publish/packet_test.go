package l6publish

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// bits compares float fields by bit pattern.
func bits(vs ...float64) []uint64 {
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = math.Float64bits(v)
	}
	return out
}

func packetBits(p StatePacket) []uint64 {
	var vs []float64
	vs = append(vs, p.Attitude.W, p.Attitude.X, p.Attitude.Y, p.Attitude.Z)
	vs = append(vs, p.AngularVelocity[:]...)
	vs = append(vs, p.Position[:]...)
	vs = append(vs, p.Velocity[:]...)
	vs = append(vs, p.Sigma[:]...)
	vs = append(vs, p.BlockTrace[:]...)
	return bits(vs...)
}

func TestStatePacketRoundTrip(t *testing.T) {
	p := NewStatePacket(estimate(7), ContentAll)
	got, err := UnmarshalPacket(MarshalPacket(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.Equal(t, math.Sqrt(1e-6), got.Sigma[0])
	assert.InDelta(t, 6e-6, got.BlockTrace[0], 1e-18)
}

func TestStatePacketRoundTripIsBitIdentical(t *testing.T) {
	nan := math.Float64frombits(0x7ff8_dead_beef_0001)
	negZero := math.Copysign(0, -1)
	p := StatePacket{
		Timestamp:       -42,
		Sequence:        math.MaxUint64,
		Content:         ContentAll,
		Attitude:        vaod.Quaternion{W: negZero, X: 1, Y: nan, Z: math.Inf(-1)},
		AngularVelocity: vaod.Vec3{math.SmallestNonzeroFloat64, negZero, nan},
		Position:        vaod.Vec3{nan, math.MaxFloat64, -1e-300},
		Velocity:        vaod.Vec3{negZero, negZero, math.Inf(1)},
		Mode:            vaod.ModeDegraded,
		Valid:           true,
	}
	p.Sigma[3] = nan
	p.BlockTrace[2] = negZero

	got, err := UnmarshalPacket(MarshalPacket(p))
	require.NoError(t, err)
	assert.Equal(t, packetBits(p), packetBits(got))
	assert.Equal(t, p.Timestamp, got.Timestamp)
	assert.Equal(t, p.Sequence, got.Sequence)
	assert.Equal(t, p.Mode, got.Mode)
	assert.True(t, got.Valid)
	assert.False(t, got.Authoritative)
}

func TestPartialContent(t *testing.T) {
	est := estimate(3)
	att, err := UnmarshalPacket(MarshalPacket(NewStatePacket(est, ContentAttitude)))
	require.NoError(t, err)
	assert.Equal(t, est.Attitude, att.Attitude)
	assert.Equal(t, vaod.Vec3{}, att.Position)
	assert.Zero(t, att.Sigma[vaod.IdxPosition])
	assert.NotZero(t, att.Sigma[vaod.IdxRate])

	orbit, err := UnmarshalPacket(MarshalPacket(NewStatePacket(est, ContentOrbit)))
	require.NoError(t, err)
	assert.Equal(t, est.Position, orbit.Position)
	assert.Equal(t, vaod.Quaternion{}, orbit.Attitude)
	assert.NotZero(t, orbit.BlockTrace[3])
	assert.Zero(t, orbit.BlockTrace[0])

	assert.Less(t, len(MarshalPacket(NewStatePacket(est, ContentOrbit))), len(MarshalPacket(NewStatePacket(est, ContentAll))))
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	p := NewStatePacket(estimate(1), ContentAll)
	b := MarshalPacket(p)
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 100, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)

	got, err := UnmarshalPacket(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	full := MarshalPacket(NewStatePacket(estimate(1), ContentAll))

	tests := map[string][]byte{
		"truncated":   full[:len(full)-3],
		"bad tag":     {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
		"short array": appendDoubles(nil, fieldPosition, 1, 2),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalPacket(b)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestFaultPacketRoundTrip(t *testing.T) {
	sig := vaod.FaultSignal{
		ID:        "5f0c8c1e-2f4e-4d63-9d0f-0d6c1f3a9b21",
		Timestamp: 123456789,
		Kind:      vaod.FaultPipelineStall,
		Stage:     "supervisor",
		Message:   "no cycle completed in 5s",
		SafeMode:  true,
	}
	got, err := UnmarshalFault(MarshalFault(sig))
	require.NoError(t, err)
	assert.Equal(t, sig, got)

	_, err = UnmarshalFault(MarshalFault(sig)[:5])
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
