package l6publish

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

// PacketContent selects which groups a state packet carries.
type PacketContent uint8

const (
	ContentAttitude PacketContent = 1 << iota // quaternion, body rate and their sigmas
	ContentOrbit                              // position, velocity and their sigmas

	ContentAll = ContentAttitude | ContentOrbit
)

// StatePacket is the bus form of a StateEstimate. The covariance is reduced
// to per-axis 1σ and per-block traces.
type StatePacket struct {
	Timestamp       int64
	Sequence        uint64
	Content         PacketContent
	Attitude        vaod.Quaternion
	AngularVelocity vaod.Vec3
	Position        vaod.Vec3
	Velocity        vaod.Vec3
	Sigma           [vaod.StateDim]float64
	BlockTrace      [4]float64 // attitude, rate, position, velocity
	Mode            vaod.FilterMode
	Valid           bool
	Authoritative   bool
}

// NewStatePacket summarises est. Groups outside content are left zero.
func NewStatePacket(est vaod.StateEstimate, content PacketContent) StatePacket {
	p := StatePacket{
		Timestamp:     est.Timestamp,
		Sequence:      est.Sequence,
		Content:       content,
		Mode:          est.Mode,
		Valid:         est.Valid,
		Authoritative: est.Authoritative,
	}
	blocks := [4]int{vaod.IdxAttitude, vaod.IdxRate, vaod.IdxPosition, vaod.IdxVelocity}
	for b, idx := range blocks {
		if !content.has(idx) {
			continue
		}
		s := est.Covariance.Sigma(idx)
		copy(p.Sigma[idx:idx+3], s[:])
		p.BlockTrace[b] = est.Covariance.BlockTrace(idx)
	}
	if content&ContentAttitude != 0 {
		p.Attitude = est.Attitude
		p.AngularVelocity = est.AngularVelocity
	}
	if content&ContentOrbit != 0 {
		p.Position = est.Position
		p.Velocity = est.Velocity
	}
	return p
}

func (c PacketContent) has(idx int) bool {
	if idx < vaod.IdxPosition {
		return c&ContentAttitude != 0
	}
	return c&ContentOrbit != 0
}

// Field numbers of the state packet.
const (
	fieldTimestamp protowire.Number = iota + 1
	fieldSequence
	fieldContent
	fieldAttitude
	fieldAngularVelocity
	fieldPosition
	fieldVelocity
	fieldSigma
	fieldBlockTrace
	fieldMode
	fieldValid
	fieldAuthoritative
)

// Field numbers of the fault packet.
const (
	faultFieldID protowire.Number = iota + 1
	faultFieldTimestamp
	faultFieldKind
	faultFieldStage
	faultFieldMessage
	faultFieldSafeMode
)

var ErrMalformedPacket = errors.New("malformed packet")

// MarshalPacket encodes p in protobuf wire format. Floats travel as fixed64
// bit patterns, so NaN payloads and negative zero survive a round trip.
func MarshalPacket(p StatePacket) []byte {
	b := make([]byte, 0, 320)
	b = appendVarint(b, fieldTimestamp, uint64(p.Timestamp))
	b = appendVarint(b, fieldSequence, p.Sequence)
	b = appendVarint(b, fieldContent, uint64(p.Content))
	if p.Content&ContentAttitude != 0 {
		q := p.Attitude
		b = appendDoubles(b, fieldAttitude, q.W, q.X, q.Y, q.Z)
		b = appendDoubles(b, fieldAngularVelocity, p.AngularVelocity[:]...)
	}
	if p.Content&ContentOrbit != 0 {
		b = appendDoubles(b, fieldPosition, p.Position[:]...)
		b = appendDoubles(b, fieldVelocity, p.Velocity[:]...)
	}
	if p.Content != 0 {
		b = appendDoubles(b, fieldSigma, p.Sigma[:]...)
		b = appendDoubles(b, fieldBlockTrace, p.BlockTrace[:]...)
	}
	b = appendVarint(b, fieldMode, uint64(p.Mode))
	b = appendVarint(b, fieldValid, protowire.EncodeBool(p.Valid))
	b = appendVarint(b, fieldAuthoritative, protowire.EncodeBool(p.Authoritative))
	return b
}

// UnmarshalPacket decodes a state packet. Unknown fields are skipped.
func UnmarshalPacket(b []byte) (StatePacket, error) {
	var p StatePacket
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Timestamp = int64(v)
			return n, nil
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Sequence = v
			return n, nil
		case num == fieldContent && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Content = PacketContent(v)
			return n, nil
		case num == fieldMode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Mode = vaod.FilterMode(v)
			return n, nil
		case num == fieldValid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Valid = protowire.DecodeBool(v)
			return n, nil
		case num == fieldAuthoritative && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.Authoritative = protowire.DecodeBool(v)
			return n, nil
		case typ == protowire.BytesType:
			var dst []float64
			var q [4]float64
			switch num {
			case fieldAttitude:
				dst = q[:]
			case fieldAngularVelocity:
				dst = p.AngularVelocity[:]
			case fieldPosition:
				dst = p.Position[:]
			case fieldVelocity:
				dst = p.Velocity[:]
			case fieldSigma:
				dst = p.Sigma[:]
			case fieldBlockTrace:
				dst = p.BlockTrace[:]
			default:
				return skipField, nil
			}
			n, err := consumeDoubles(b, dst)
			if num == fieldAttitude {
				p.Attitude = vaod.Quaternion{W: q[0], X: q[1], Y: q[2], Z: q[3]}
			}
			return n, err
		}
		return skipField, nil
	})
	return p, err
}

// MarshalFault encodes a fault signal.
func MarshalFault(f vaod.FaultSignal) []byte {
	b := make([]byte, 0, 64+len(f.Message))
	b = appendString(b, faultFieldID, f.ID)
	b = appendVarint(b, faultFieldTimestamp, uint64(f.Timestamp))
	b = appendVarint(b, faultFieldKind, uint64(f.Kind))
	b = appendString(b, faultFieldStage, f.Stage)
	b = appendString(b, faultFieldMessage, f.Message)
	b = appendVarint(b, faultFieldSafeMode, protowire.EncodeBool(f.SafeMode))
	return b
}

// UnmarshalFault decodes a fault packet.
func UnmarshalFault(b []byte) (vaod.FaultSignal, error) {
	var f vaod.FaultSignal
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case faultFieldTimestamp:
				f.Timestamp = int64(v)
			case faultFieldKind:
				f.Kind = vaod.FaultKind(v)
			case faultFieldSafeMode:
				f.SafeMode = protowire.DecodeBool(v)
			}
			return n, nil
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			switch num {
			case faultFieldID:
				f.ID = v
			case faultFieldStage:
				f.Stage = v
			case faultFieldMessage:
				f.Message = v
			}
			return n, nil
		}
		return skipField, nil
	})
	return f, err
}

// skipField asks walkFields to skip a field the caller does not decode.
const skipField = math.MinInt32

// walkFields calls fn for every field. fn returns the bytes it consumed, a
// negative protowire error code, or skipField.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformedPacket, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedPacket, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendDoubles writes vs as a packed repeated fixed64 field.
func appendDoubles(b []byte, num protowire.Number, vs ...float64) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// consumeDoubles reads a packed fixed64 field into dst. The packed length
// must match dst exactly.
func consumeDoubles(b []byte, dst []float64) (int, error) {
	payload, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	if len(payload) != 8*len(dst) {
		return 0, fmt.Errorf("%w: %d bytes of doubles, want %d", ErrMalformedPacket, len(payload), 8*len(dst))
	}
	for i := range dst {
		v, m := protowire.ConsumeFixed64(payload)
		dst[i] = math.Float64frombits(v)
		payload = payload[m:]
	}
	return n, nil
}
