package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var (
	ErrHandlerExists = errors.New("dispatch: handler already registered")
	ErrHandlerNil    = errors.New("dispatch: handler is nil")
	ErrInvalidName   = errors.New("dispatch: invalid command name")
)

// Reply is what a handler reports for one command.
type Reply struct {
	Result  schema.Result
	Message string
	Perf    string
}

// Handler executes one named command.
type Handler interface {
	Handle(ctx context.Context, req schema.Request) (Reply, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req schema.Request) (Reply, error)

func (f HandlerFunc) Handle(ctx context.Context, req schema.Request) (Reply, error) {
	return f(ctx, req)
}

// Router is a Dispatcher that routes each request in a command message to
// the handler registered under its name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   zerolog.Logger
}

func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Router) Register(name string, h Handler) error {
	key := normalizeName(name)
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if h == nil {
		return ErrHandlerNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, key)
	}
	r.handlers[key] = h
	return nil
}

func (r *Router) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalizeName(name)]
	return h, ok
}

// Commands lists registered command names in sorted order.
func (r *Router) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Process(ctx context.Context, command []byte) []byte {
	msg, err := schema.DecodeRequest(command)
	if err != nil {
		r.logger.Error().Err(err).Msg("dispatch.Router decode request")
		return UnknownResponse("", "Failed to decode request: %v", err)
	}
	if len(msg.Payload) == 0 {
		r.logger.Warn().Msg("dispatch.Router empty request")
		return UnknownResponse("", "No commands in request")
	}

	out := schema.ResponseMessage{Payload: make([]schema.Response, 0, len(msg.Payload))}
	for _, req := range msg.Payload {
		out.Payload = append(out.Payload, r.execute(ctx, req))
	}
	return schema.EncodeResponse(out)
}

func (r *Router) execute(ctx context.Context, req schema.Request) (resp schema.Response) {
	resp = schema.Response{ID: req.ID, Command: req.Command}
	h, ok := r.Resolve(req.Command)
	if !ok {
		r.logger.Warn().Str("command", req.Command).Msg("dispatch.Router unknown command")
		resp.Result = schema.ResultUnknown
		resp.Message = "Unknown command(s): " + req.Command
		return resp
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("command", req.Command).Interface("panic", rec).Msg("dispatch.Router handler panic")
			resp.Result = schema.ResultUnknown
			resp.Message = fmt.Sprintf("Command failed: %v", rec)
			resp.Perf = ""
		}
	}()

	reply, err := h.Handle(ctx, req)
	if err != nil {
		r.logger.Error().Str("command", req.Command).Err(err).Msg("dispatch.Router handler failed")
		resp.Result = schema.ResultUnknown
		resp.Message = "Command failed: " + err.Error()
		return resp
	}
	resp.Result = reply.Result
	resp.Message = reply.Message
	resp.Perf = reply.Perf
	r.logger.Debug().Str("command", req.Command).Stringer("result", reply.Result).Msg("dispatch.Router executed")
	return resp
}
