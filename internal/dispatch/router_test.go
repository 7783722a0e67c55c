package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/danmuck/nscpd/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func process(t *testing.T, d Dispatcher, reqs ...schema.Request) []schema.Response {
	t.Helper()
	raw := d.Process(context.Background(), schema.EncodeRequest(schema.RequestMessage{Payload: reqs}))
	msg, err := schema.DecodeResponse(raw)
	require.NoError(t, err)
	return msg.Payload
}

func TestRouterRoutesByName(t *testing.T) {
	r := NewRouter(testlog.Start(t))
	require.NoError(t, RegisterBuiltins(r, "1.2.3"))

	out := process(t, r,
		schema.Request{ID: 1, Command: "CHECK_OK", Arguments: []string{"message=all good"}},
		schema.Request{ID: 2, Command: "check_version"},
		schema.Request{ID: 3, Command: "echo", Arguments: []string{"a", "b"}},
	)
	require.Len(t, out, 3)
	assert.Equal(t, schema.Response{ID: 1, Command: "CHECK_OK", Result: schema.ResultOK, Message: "all good"}, out[0])
	assert.Equal(t, "1.2.3", out[1].Message)
	assert.Equal(t, "a b", out[2].Message)
	assert.Equal(t, []string{"check_ok", "check_version", "echo"}, r.Commands())
}

func TestRouterUnknownCommand(t *testing.T) {
	r := NewRouter(testlog.Start(t))
	out := process(t, r, schema.Request{Command: "check_missing"})
	require.Len(t, out, 1)
	assert.Equal(t, schema.ResultUnknown, out[0].Result)
	assert.Equal(t, "Unknown command(s): check_missing", out[0].Message)
}

func TestRouterFoldsFailuresIntoResponse(t *testing.T) {
	r := NewRouter(testlog.Start(t))
	require.NoError(t, r.Register("fails", HandlerFunc(func(context.Context, schema.Request) (Reply, error) {
		return Reply{}, errors.New("disk unreadable")
	})))
	require.NoError(t, r.Register("panics", HandlerFunc(func(context.Context, schema.Request) (Reply, error) {
		panic("boom")
	})))

	out := process(t, r, schema.Request{Command: "fails"}, schema.Request{Command: "panics"})
	require.Len(t, out, 2)
	assert.Equal(t, schema.ResultUnknown, out[0].Result)
	assert.Equal(t, "Command failed: disk unreadable", out[0].Message)
	assert.Equal(t, schema.ResultUnknown, out[1].Result)
	assert.Equal(t, "Command failed: boom", out[1].Message)
}

func TestRouterUndecodableRequest(t *testing.T) {
	r := NewRouter(testlog.Start(t))
	raw := r.Process(context.Background(), []byte{0x12, 0x7F})
	msg, err := schema.DecodeResponse(raw)
	require.NoError(t, err)
	require.Len(t, msg.Payload, 1)
	assert.Equal(t, schema.ResultUnknown, msg.Payload[0].Result)
	assert.Contains(t, msg.Payload[0].Message, "Failed to decode request")

	raw = r.Process(context.Background(), nil)
	msg, err = schema.DecodeResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "No commands in request", msg.Payload[0].Message)
}

func TestRouterRegisterValidation(t *testing.T) {
	r := NewRouter(testlog.Start(t))
	noop := HandlerFunc(func(context.Context, schema.Request) (Reply, error) { return Reply{}, nil })
	assert.ErrorIs(t, r.Register("  ", noop), ErrInvalidName)
	assert.ErrorIs(t, r.Register("two words", noop), ErrInvalidName)
	assert.ErrorIs(t, r.Register("check_nil", nil), ErrHandlerNil)
	require.NoError(t, r.Register("check_x", noop))
	assert.ErrorIs(t, r.Register("CHECK_X", noop), ErrHandlerExists)
}
