package serialmux

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PacketType is the third byte of every packet.
type PacketType uint8

const (
	PacketHeader PacketType = 0x00
	PacketData   PacketType = 0x01
	PacketAck    PacketType = 0x02
	PacketReset  PacketType = 0x03
)

func (t PacketType) String() string {
	switch t {
	case PacketHeader:
		return "HEADER"
	case PacketData:
		return "DATA"
	case PacketAck:
		return "ACK"
	case PacketReset:
		return "RESET"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

const (
	PacketSize        = 64
	MetadataSize      = 4
	PayloadPerPacket  = PacketSize - MetadataSize
	headerPayloadSize = 4
	MaxPackets        = 0xFFFF
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrMessageTooLarge = errors.New("message too large")
)

// Meta is the 4-byte packet preamble: sequence (u16 LE), type, payload size.
type Meta struct {
	Seq  uint16
	Type PacketType
	Size uint8
}

func (m Meta) append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.Seq)
	return append(b, byte(m.Type), m.Size)
}

func parseMeta(b []byte) Meta {
	return Meta{Seq: binary.LittleEndian.Uint16(b), Type: PacketType(b[2]), Size: b[3]}
}

// carriesPayload reports whether a packet of type t is followed by a
// 60-byte payload on the wire. ACK and RESET are metadata only.
func (t PacketType) carriesPayload() bool { return t == PacketHeader || t == PacketData }

// Packet is one decoded packet.
type Packet struct {
	Meta
	Payload []byte // Size bytes
}

func controlPacket(t PacketType, seq uint16) []byte {
	return Meta{Seq: seq, Type: t}.append(make([]byte, 0, MetadataSize))
}

func fullPacket(m Meta, payload []byte) []byte {
	b := m.append(make([]byte, 0, PacketSize))
	b = append(b, payload...)
	return b[:PacketSize]
}

// Packetize splits msg into a header packet followed by its data packets.
// Data is zero-padded to a multiple of PayloadPerPacket; the final data
// packet's size byte carries the real remainder.
func Packetize(msg Message) ([][]byte, error) {
	n := (len(msg.Payload) + PayloadPerPacket - 1) / PayloadPerPacket
	if n > MaxPackets {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg.Payload))
	}
	pkts := make([][]byte, 0, n+1)

	hdr := make([]byte, PayloadPerPacket)
	hdr[0] = byte(msg.Type)
	binary.LittleEndian.PutUint16(hdr[2:], uint16(n))
	pkts = append(pkts, fullPacket(Meta{Seq: 0, Type: PacketHeader, Size: headerPayloadSize}, hdr))

	for i := 0; i < n; i++ {
		chunk := make([]byte, PayloadPerPacket)
		size := copy(chunk, msg.Payload[i*PayloadPerPacket:])
		pkts = append(pkts, fullPacket(Meta{Seq: uint16(i + 1), Type: PacketData, Size: uint8(size)}, chunk))
	}
	return pkts, nil
}

// parseHeader decodes a header payload into message type and packet count.
func parseHeader(p Packet) (MessageType, uint16, error) {
	if p.Size != headerPayloadSize || len(p.Payload) < headerPayloadSize {
		return 0, 0, fmt.Errorf("%w: header payload %d bytes", ErrMalformedPacket, p.Size)
	}
	return MessageType(p.Payload[0]), binary.LittleEndian.Uint16(p.Payload[2:]), nil
}

// packetReader decodes packets from a byte stream.
type packetReader struct {
	r   *bufio.Reader
	buf [PacketSize]byte
}

func newPacketReader(r io.Reader) *packetReader {
	return &packetReader{r: bufio.NewReaderSize(r, 4*PacketSize)}
}

// next returns the next packet. An unknown type or oversize payload is
// reported as ErrMalformedPacket after consuming only its metadata, so the
// stream stays usable.
func (pr *packetReader) next() (Packet, error) {
	if _, err := io.ReadFull(pr.r, pr.buf[:MetadataSize]); err != nil {
		return Packet{}, err
	}
	m := parseMeta(pr.buf[:MetadataSize])
	switch {
	case m.Type.carriesPayload():
	case m.Type == PacketAck || m.Type == PacketReset:
		return Packet{Meta: m}, nil
	default:
		return Packet{Meta: m}, fmt.Errorf("%w: type %d", ErrMalformedPacket, m.Type)
	}
	if _, err := io.ReadFull(pr.r, pr.buf[MetadataSize:]); err != nil {
		return Packet{}, err
	}
	if int(m.Size) > PayloadPerPacket {
		return Packet{Meta: m}, fmt.Errorf("%w: payload size %d", ErrMalformedPacket, m.Size)
	}
	payload := make([]byte, m.Size)
	copy(payload, pr.buf[MetadataSize:])
	return Packet{Meta: m, Payload: payload}, nil
}
