package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/danmuck/nscpd/internal/tools"
)

var ErrEmptyCommandLine = errors.New("dispatch: external command line is empty")

// ExternalHandler runs a host program per request. The exit code is the
// result (0 OK, 1 WARNING, 2 CRITICAL, anything else UNKNOWN) and the first
// line of stdout is "message|perf".
type ExternalHandler struct {
	name      string
	argv      []string
	runner    tools.CommandRunner
	timeout   time.Duration
	allowArgs bool
}

// ExternalOptions tune an ExternalHandler. A zero Timeout means the request
// context alone bounds the program.
type ExternalOptions struct {
	Timeout        time.Duration
	AllowArguments bool
}

func NewExternalHandler(name string, argv []string, runner tools.CommandRunner, opts ExternalOptions) (*ExternalHandler, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCommandLine, name)
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &ExternalHandler{
		name:      name,
		argv:      append([]string(nil), argv...),
		runner:    runner,
		timeout:   opts.Timeout,
		allowArgs: opts.AllowArguments,
	}, nil
}

func (h *ExternalHandler) Handle(ctx context.Context, req schema.Request) (Reply, error) {
	args := append([]string(nil), h.argv[1:]...)
	if len(req.Arguments) > 0 {
		if !h.allowArgs {
			return Reply{
				Result:  schema.ResultUnknown,
				Message: fmt.Sprintf("%s: arguments are not allowed", h.name),
			}, nil
		}
		args = append(args, req.Arguments...)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	stdout, stderr, code, err := h.runner.Run(ctx, h.argv[0], args...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Reply{
				Result:  schema.ResultUnknown,
				Message: fmt.Sprintf("%s: timed out after %s", h.name, h.timeout),
			}, nil
		}
		return Reply{}, ctxErr
	}

	message, perf := splitPluginOutput(stdout)
	if message == "" {
		message = strings.TrimSpace(string(stderr))
	}
	if err != nil && (code < 0 || code > int32(schema.ResultUnknown)) {
		if message == "" {
			message = err.Error()
		}
		return Reply{Result: schema.ResultUnknown, Message: message, Perf: perf}, nil
	}
	if err != nil && code == 0 {
		return Reply{}, fmt.Errorf("external %s: %w", h.name, err)
	}
	return Reply{Result: schema.Result(code), Message: message, Perf: perf}, nil
}

// splitPluginOutput takes the first non-empty line and splits it on the
// first '|'.
func splitPluginOutput(out []byte) (string, string) {
	for _, line := range bytes.Split(out, []byte("\n")) {
		s := strings.TrimSpace(string(line))
		if s == "" {
			continue
		}
		message, perf, _ := strings.Cut(s, "|")
		return strings.TrimSpace(message), strings.TrimSpace(perf)
	}
	return "", ""
}
