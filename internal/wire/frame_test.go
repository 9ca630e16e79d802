package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellbridge/internal/fault"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	in := NewFrame(TypeRequest, 42, []byte("payload"))
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, in, DefaultLimits()))

	raw := append([]byte(nil), buf.Bytes()...)
	assert.Equal(t, uint32(EnvelopeLen+len("payload")), binary.BigEndian.Uint32(raw[:4]))

	out, err := ReadFrame(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	again, err := Encode(out, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, raw, again, "encode(decode(bytes)) must reproduce the input")
}

func TestEncodeLayoutIsExact(t *testing.T) {
	raw, err := Encode(NewFrame(TypePing, 7, []byte{0xAA}), DefaultLimits())
	require.NoError(t, err)
	want := []byte{
		0, 0, 0, 11, // length of the remainder
		Version,
		byte(TypePing),
		0, 0, 0, 0, 0, 0, 0, 7,
		0xAA,
	}
	assert.Equal(t, want, raw)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	raw, err := Encode(NewFrame(TypeEvent, 1, []byte("abc")), DefaultLimits())
	require.NoError(t, err)

	_, err = Decode(raw[:len(raw)-1], DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)

	_, err = Decode(append(raw, 0), DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	raw, err := Encode(NewFrame(TypeRequest, 9, nil), DefaultLimits())
	require.NoError(t, err)
	raw[4] = Version + 1

	_, err = Decode(raw, DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)

	_, err = ReadFrame(bytes.NewReader(raw), DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw, err := Encode(NewFrame(TypeRequest, 9, nil), DefaultLimits())
	require.NoError(t, err)
	raw[5] = 0x7f

	_, err = Decode(raw, DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

func TestDecodeRejectsLengthBelowEnvelope(t *testing.T) {
	raw := []byte{0, 0, 0, 3, Version, byte(TypePing), 0}
	_, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, errors.Is(err, fault.ErrProtocol))
}

func TestReadFrameTruncatedPrefixIsProtocolError(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

// A frame declaring a 10 byte payload whose bytes never arrive must fail
// with a protocol error once the read deadline passes.
func TestReadFrameTruncatedPayloadTimesOut(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	header := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(header[0:4], EnvelopeLen+10)
	header[4] = Version
	header[5] = byte(TypeRequest)
	binary.BigEndian.PutUint64(header[6:14], 3)

	go func() {
		_, _ = client.Write(header)
	}()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err := ReadFrame(server, DefaultLimits())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrProtocol)
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
}

type countingReader struct {
	r    io.Reader
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func TestReadFrameRejectsOversizeBeforeBuffering(t *testing.T) {
	var prefix [PrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], 20<<20)
	body := bytes.Repeat([]byte{0}, 64)
	reader := &countingReader{r: io.MultiReader(bytes.NewReader(prefix[:]), bytes.NewReader(body))}

	allocs := testing.AllocsPerRun(1, func() {
		reader.r = io.MultiReader(bytes.NewReader(prefix[:]), bytes.NewReader(body))
		reader.read = 0
		_, err := ReadFrame(reader, DefaultLimits())
		if !errors.Is(err, fault.ErrFrameTooLarge) {
			t.Fatalf("expected ErrFrameTooLarge, got %v", err)
		}
	})
	assert.Equal(t, PrefixLen, reader.read, "only the length prefix may be consumed")
	assert.Less(t, allocs, float64(64), "oversized frame must not allocate its payload")
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	limits := Limits{MaxFrameBytes: 64}
	_, err := Encode(NewFrame(TypeEvent, 1, make([]byte, 64)), limits)
	assert.ErrorIs(t, err, fault.ErrFrameTooLarge)

	_, err = Encode(NewFrame(TypeEvent, 1, make([]byte, 64-EnvelopeLen)), limits)
	assert.NoError(t, err)
}

func TestEncodeRejectsForeignVersion(t *testing.T) {
	_, err := Encode(Frame{Version: 9, Type: TypePing}, DefaultLimits())
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

func TestReadFrameSequentialFramesPreserveOrder(t *testing.T) {
	var buf bytes.Buffer
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, WriteFrame(&buf, NewFrame(TypeEvent, i, []byte{byte(i)}), DefaultLimits()))
	}
	for i := uint64(1); i <= 3; i++ {
		f, err := ReadFrame(&buf, DefaultLimits())
		require.NoError(t, err)
		assert.Equal(t, i, f.CorrelationID)
	}
	_, err := ReadFrame(&buf, DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
}
