package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"shellbridge/internal/fault"
)

const (
	// Version is the only protocol version this build speaks. There is no
	// negotiation: a peer on another version is a protocol error.
	Version uint8 = 1

	// PrefixLen is the size of the length prefix.
	PrefixLen = 4
	// EnvelopeLen covers version, type, and correlation id.
	EnvelopeLen = 1 + 1 + 8
	// HeaderLen is everything before the payload.
	HeaderLen = PrefixLen + EnvelopeLen

	// DefaultMaxFrameBytes bounds the declared length of a single frame.
	DefaultMaxFrameBytes uint32 = 10 << 20
)

// Type tags the message carried by a frame.
type Type uint8

const (
	TypeRequest  Type = 1
	TypeResponse Type = 2
	TypeEvent    Type = 3
	TypePing     Type = 4
	TypePong     Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known message types.
func (t Type) Valid() bool {
	return t >= TypeRequest && t <= TypePong
}

// Frame is one complete wire message.
type Frame struct {
	Version       uint8
	Type          Type
	CorrelationID uint64
	Payload       []byte
}

// NewFrame builds a frame stamped with the compiled protocol version.
func NewFrame(t Type, correlationID uint64, payload []byte) Frame {
	return Frame{Version: Version, Type: t, CorrelationID: correlationID, Payload: payload}
}

// Length is the value written to the length prefix.
func (f Frame) Length() uint32 {
	return uint32(EnvelopeLen + len(f.Payload))
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxFrameBytes: DefaultMaxFrameBytes}
}

func (l Limits) max() uint32 {
	if l.MaxFrameBytes == 0 {
		return DefaultMaxFrameBytes
	}
	return l.MaxFrameBytes
}

// Encode serializes f into a freshly allocated buffer.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if err := checkEncodable(f, limits); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	putHeader(buf, f)
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// Decode parses exactly one frame from b. The declared length must match the
// bytes that follow the prefix.
func Decode(b []byte, limits Limits) (Frame, error) {
	if len(b) < PrefixLen {
		return Frame{}, protocolError("decode", "short length prefix", nil)
	}
	length := binary.BigEndian.Uint32(b[:PrefixLen])
	if err := checkLength(length, limits); err != nil {
		return Frame{}, err
	}
	rest := b[PrefixLen:]
	if uint64(len(rest)) != uint64(length) {
		return Frame{}, protocolError("decode", fmt.Sprintf("declared length %d but %d bytes follow", length, len(rest)), nil)
	}
	f, err := parseEnvelope(rest[:EnvelopeLen])
	if err != nil {
		return Frame{}, err
	}
	f.Payload = append([]byte(nil), rest[EnvelopeLen:]...)
	return f, nil
}

// ReadFrame reads one frame from r. A clean EOF before the first byte is
// returned as io.EOF; any shortfall inside a frame is a protocol error.
// Oversized frames are rejected before the payload is allocated.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var prefix [PrefixLen]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		if n == 0 {
			return Frame{}, err
		}
		return Frame{}, protocolError("read", "truncated length prefix", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if err := checkLength(length, limits); err != nil {
		return Frame{}, err
	}

	var envelope [EnvelopeLen]byte
	if _, err := io.ReadFull(r, envelope[:]); err != nil {
		return Frame{}, protocolError("read", "truncated envelope", err)
	}
	f, err := parseEnvelope(envelope[:])
	if err != nil {
		return Frame{}, err
	}

	payloadLen := length - EnvelopeLen
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, protocolError("read", fmt.Sprintf("truncated payload (declared %d bytes)", payloadLen), err)
		}
	}
	return f, nil
}

// WriteFrame encodes f and writes it with a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	buf, err := Encode(f, limits)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

func checkEncodable(f Frame, limits Limits) error {
	if f.Version != Version {
		return protocolError("encode", fmt.Sprintf("version %d, want %d", f.Version, Version), nil)
	}
	if !f.Type.Valid() {
		return protocolError("encode", fmt.Sprintf("unknown message type %d", uint8(f.Type)), nil)
	}
	if uint64(EnvelopeLen)+uint64(len(f.Payload)) > uint64(limits.max()) {
		return fault.Wrap(fault.ErrFrameTooLarge, "wire", "encode",
			fmt.Sprintf("payload of %d bytes exceeds %d byte ceiling", len(f.Payload), limits.max()), nil)
	}
	return nil
}

func checkLength(length uint32, limits Limits) error {
	if length < EnvelopeLen {
		return protocolError("decode", fmt.Sprintf("declared length %d below envelope size", length), nil)
	}
	if length > limits.max() {
		return fault.Wrap(fault.ErrFrameTooLarge, "wire", "decode",
			fmt.Sprintf("declared length %d exceeds %d byte ceiling", length, limits.max()), nil)
	}
	return nil
}

func putHeader(buf []byte, f Frame) {
	binary.BigEndian.PutUint32(buf[0:4], f.Length())
	buf[4] = f.Version
	buf[5] = uint8(f.Type)
	binary.BigEndian.PutUint64(buf[6:14], f.CorrelationID)
}

func parseEnvelope(b []byte) (Frame, error) {
	f := Frame{
		Version:       b[0],
		Type:          Type(b[1]),
		CorrelationID: binary.BigEndian.Uint64(b[2:10]),
	}
	if f.Version != Version {
		return Frame{}, protocolError("decode", fmt.Sprintf("peer speaks version %d, want %d", f.Version, Version), nil)
	}
	if !f.Type.Valid() {
		return Frame{}, protocolError("decode", fmt.Sprintf("unknown message type %d", b[1]), nil)
	}
	return f, nil
}

func protocolError(operation, message string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fault.Wrap(fault.ErrProtocol, "wire", operation, message, err)
}
