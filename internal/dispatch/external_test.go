package dispatch

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/danmuck/nscpd/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runCall struct {
	name string
	args []string
}

func fakeRunner(stdout, stderr string, code int32, err error, calls *[]runCall) tools.CommandRunner {
	return tools.FuncRunner(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
		*calls = append(*calls, runCall{name: name, args: args})
		return []byte(stdout), []byte(stderr), code, err
	})
}

func TestExternalHandlerMapsExitCode(t *testing.T) {
	cases := []struct {
		code int32
		want schema.Result
	}{
		{0, schema.ResultOK},
		{1, schema.ResultWarning},
		{2, schema.ResultCritical},
		{3, schema.ResultUnknown},
		{42, schema.ResultUnknown},
	}
	for _, tc := range cases {
		var calls []runCall
		var err error
		if tc.code != 0 {
			err = errors.New("exit status")
		}
		h, herr := NewExternalHandler("check_disk", []string{"/usr/lib/check_disk", "-w", "80"}, fakeRunner("DISK OK | '/'=40%;80\nmore detail\n", "", tc.code, err, &calls), ExternalOptions{})
		require.NoError(t, herr)

		reply, rerr := h.Handle(context.Background(), schema.Request{Command: "check_disk"})
		require.NoError(t, rerr)
		assert.Equal(t, tc.want, reply.Result, "exit %d", tc.code)
		assert.Equal(t, "DISK OK", reply.Message)
		assert.Equal(t, "'/'=40%;80", reply.Perf)
		require.Len(t, calls, 1)
		assert.Equal(t, "/usr/lib/check_disk", calls[0].name)
		assert.Equal(t, []string{"-w", "80"}, calls[0].args)
	}
}

func TestExternalHandlerArguments(t *testing.T) {
	var calls []runCall
	h, err := NewExternalHandler("check_ping", []string{"ping"}, fakeRunner("up", "", 0, nil, &calls), ExternalOptions{})
	require.NoError(t, err)

	reply, err := h.Handle(context.Background(), schema.Request{Arguments: []string{"host"}})
	require.NoError(t, err)
	assert.Equal(t, schema.ResultUnknown, reply.Result)
	assert.Contains(t, reply.Message, "arguments are not allowed")
	assert.Empty(t, calls)

	h, err = NewExternalHandler("check_ping", []string{"ping", "-c1"}, fakeRunner("up", "", 0, nil, &calls), ExternalOptions{AllowArguments: true})
	require.NoError(t, err)
	reply, err = h.Handle(context.Background(), schema.Request{Arguments: []string{"host"}})
	require.NoError(t, err)
	assert.Equal(t, schema.ResultOK, reply.Result)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-c1", "host"}, calls[0].args)
}

func TestExternalHandlerFallsBackToStderr(t *testing.T) {
	var calls []runCall
	h, err := NewExternalHandler("check_x", []string{"missing"}, fakeRunner("", "no such file\n", 127, &exec.Error{Name: "missing", Err: exec.ErrNotFound}, &calls), ExternalOptions{})
	require.NoError(t, err)
	reply, err := h.Handle(context.Background(), schema.Request{})
	require.NoError(t, err)
	assert.Equal(t, schema.ResultUnknown, reply.Result)
	assert.Equal(t, "no such file", reply.Message)
}

func TestExternalHandlerTimeout(t *testing.T) {
	runner := tools.FuncRunner(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
		<-ctx.Done()
		return nil, nil, -1, ctx.Err()
	})
	h, err := NewExternalHandler("check_slow", []string{"slow"}, runner, ExternalOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	reply, err := h.Handle(context.Background(), schema.Request{})
	require.NoError(t, err)
	assert.Equal(t, schema.ResultUnknown, reply.Result)
	assert.Contains(t, reply.Message, "timed out")
}

func TestExternalHandlerCanceled(t *testing.T) {
	runner := tools.FuncRunner(func(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
		<-ctx.Done()
		return nil, nil, -1, ctx.Err()
	})
	h, err := NewExternalHandler("check_slow", []string{"slow"}, runner, ExternalOptions{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Handle(ctx, schema.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExternalHandlerRequiresCommandLine(t *testing.T) {
	_, err := NewExternalHandler("empty", nil, nil, ExternalOptions{})
	assert.ErrorIs(t, err, ErrEmptyCommandLine)
}

func TestExternalHandlerRunsRealProgram(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	h, err := NewExternalHandler("check_sh", []string{"sh", "-c", "echo 'LOAD WARNING | load=3'; exit 1"}, tools.ExecRunner{}, ExternalOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	reply, err := h.Handle(context.Background(), schema.Request{})
	require.NoError(t, err)
	assert.Equal(t, schema.ResultWarning, reply.Result)
	assert.Equal(t, "LOAD WARNING", reply.Message)
	assert.Equal(t, "load=3", reply.Perf)
}
