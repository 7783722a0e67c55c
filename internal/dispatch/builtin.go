package dispatch

import (
	"context"
	"strings"

	"github.com/danmuck/nscpd/internal/protocol/schema"
)

// RegisterBuiltins installs the commands every daemon answers.
func RegisterBuiltins(r *Router, version string) error {
	builtins := map[string]Handler{
		"check_ok": HandlerFunc(func(_ context.Context, req schema.Request) (Reply, error) {
			msg := "Everything is fine"
			for _, arg := range req.Arguments {
				if v, ok := strings.CutPrefix(arg, "message="); ok {
					msg = v
				}
			}
			return Reply{Result: schema.ResultOK, Message: msg}, nil
		}),
		"check_version": HandlerFunc(func(context.Context, schema.Request) (Reply, error) {
			return Reply{Result: schema.ResultOK, Message: version}, nil
		}),
		"echo": HandlerFunc(func(_ context.Context, req schema.Request) (Reply, error) {
			return Reply{Result: schema.ResultOK, Message: strings.Join(req.Arguments, " ")}, nil
		}),
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}
