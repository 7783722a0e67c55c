package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Version: 1, MaxSupportedVersion: 1}
	out, err := DecodeEnvelope(EncodeEnvelope(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRequestRoundTrip(t *testing.T) {
	in := RequestMessage{Payload: []Request{
		{ID: 1, Command: "check_ok", Arguments: []string{"message=fine"}},
		{Command: "echo", Arguments: []string{"a", "b"}},
	}}
	out, err := DecodeRequest(EncodeRequest(in))
	require.NoError(t, err)
	require.Len(t, out.Payload, 2)
	assert.EqualValues(t, 1, out.Payload[0].ID)
	assert.Equal(t, "check_ok", out.Payload[0].Command)
	assert.Equal(t, []string{"message=fine"}, out.Payload[0].Arguments)
	assert.Equal(t, "echo", out.Payload[1].Command)
	assert.Equal(t, []string{"a", "b"}, out.Payload[1].Arguments)
}

func TestResponseRoundTrip(t *testing.T) {
	in := ResponseMessage{Payload: []Response{
		{ID: 4, Command: "check_cpu", Result: ResultWarning, Message: "load high", Perf: "'load'=91%;80;90"},
	}}
	out, err := DecodeResponse(EncodeResponse(in))
	require.NoError(t, err)
	require.Len(t, out.Payload, 1)
	assert.Equal(t, in.Payload[0], out.Payload[0])
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := EncodeEnvelope(Envelope{Version: 1})
	b = protowire.AppendTag(b, 42, protowire.BytesType)
	b = protowire.AppendString(b, "future")
	b = protowire.AppendTag(b, 43, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	out, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Version)
}

func TestDecodeMalformedIsDeterministic(t *testing.T) {
	_, err := DecodeRequest([]byte{0x12, 0x05, 'a'})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "CRITICAL", ResultCritical.String())
	assert.Equal(t, "UNKNOWN", Result(9).String())
}
