// Package dispatch turns decoded command payloads into response payloads.
//
// Ownership boundary:
// - the Dispatcher contract consumed by the connection core
// - command routing by name
// - script and NATS backed command execution
//
// A Dispatcher never fails across its boundary: every failure is folded
// into the returned response bytes.
package dispatch

import (
	"context"
	"fmt"

	"github.com/danmuck/nscpd/internal/protocol/schema"
)

// Dispatcher produces response bytes for one command payload.
type Dispatcher interface {
	Process(ctx context.Context, command []byte) []byte
}

// Func adapts a plain function to Dispatcher.
type Func func(ctx context.Context, command []byte) []byte

func (f Func) Process(ctx context.Context, command []byte) []byte {
	return f(ctx, command)
}

// UnknownResponse encodes a single UNKNOWN response carrying msg.
func UnknownResponse(command, format string, args ...any) []byte {
	return schema.EncodeResponse(schema.ResponseMessage{Payload: []schema.Response{{
		Command: command,
		Result:  schema.ResultUnknown,
		Message: fmt.Sprintf(format, args...),
	}}})
}
