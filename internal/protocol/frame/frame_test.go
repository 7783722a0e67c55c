package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteChunkRoundTrip(t *testing.T) {
	in := Chunk{
		Signature: Signature{PayloadType: TypeCommandRequest, AdditionalPacketCount: 3},
		Payload:   []byte("check_ok"),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteChunk(&buf, in))
	require.Equal(t, SignatureLen+len(in.Payload), buf.Len())

	out, err := ReadChunk(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, TypeCommandRequest, out.Signature.PayloadType)
	assert.EqualValues(t, 3, out.Signature.AdditionalPacketCount)
	assert.EqualValues(t, len(in.Payload), out.Signature.PayloadLength)
	assert.Zero(t, out.Signature.HeaderLength)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestSignatureLayoutIsLittleEndian(t *testing.T) {
	b := EncodeSignature(Signature{
		HeaderLength:          1,
		PayloadLength:         0x0102,
		PayloadType:           TypeCommandResponse,
		AdditionalPacketCount: 7,
	})
	want := []byte{
		1, 0, 0, 0,
		0x02, 0x01, 0, 0,
		4, 0, 0, 0,
		7, 0, 0, 0,
	}
	assert.Equal(t, want, b)
}

func TestReadChunkShortSignature(t *testing.T) {
	_, err := ReadChunk(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	assert.ErrorIs(t, err, ErrShortSignature)
}

func TestReadChunkTruncatedPayload(t *testing.T) {
	raw := EncodeSignature(Signature{PayloadLength: 100, PayloadType: TypeCommandRequest})
	raw = append(raw, make([]byte, 40)...)
	_, err := ReadChunk(bytes.NewReader(raw), DefaultLimits())
	assert.ErrorIs(t, err, ErrTruncatedPayload)
}

func TestReadChunkPayloadTooLarge(t *testing.T) {
	raw := EncodeSignature(Signature{PayloadLength: 1 << 30, PayloadType: TypeCommandRequest})
	_, err := ReadChunk(bytes.NewReader(raw), DefaultLimits())
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadChunkHeaderTooLarge(t *testing.T) {
	limits := DefaultLimits()
	raw := EncodeSignature(Signature{HeaderLength: limits.MaxHeaderBytes + 1, PayloadLength: 2, PayloadType: TypeCommandRequest})
	raw = append(raw, bytes.Repeat([]byte{0}, 64)...)
	_, err := ReadChunk(bytes.NewReader(raw), limits)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)

	sig, _, ok := DigestSignature(raw)
	require.True(t, ok)
	assert.ErrorIs(t, limits.Check(sig), ErrHeaderTooLarge)
	assert.NoError(t, Limits{}.Check(sig), "zero limits are unbounded")
}

func TestChunkBytesCarriesHeaderBlock(t *testing.T) {
	in := Chunk{
		Signature: Signature{PayloadType: TypeEnvelopeRequest},
		Header:    []byte{0xAA, 0xBB},
		Payload:   []byte{1, 2, 3},
	}
	out, err := ReadChunk(bytes.NewReader(in.Bytes()), DefaultLimits())
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.Signature.HeaderLength)
	assert.Equal(t, in.Header, out.Header)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestPayloadTypeString(t *testing.T) {
	assert.Equal(t, "command_request", TypeCommandRequest.String())
	assert.Equal(t, "type(99)", PayloadType(99).String())
}
