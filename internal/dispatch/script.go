package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/danmuck/nscpd/internal/protocol/schema"
)

// ScriptModules are the tengo stdlib modules a command script may import.
var ScriptModules = []string{"math", "text", "times", "rand", "fmt", "json", "base64", "hex", "enum"}

// ScriptHandler runs a tengo script per command. The script reads
// `command` and `args` and assigns `result`, `message` and optionally
// `perf`.
type ScriptHandler struct {
	name     string
	compiled *tengo.Compiled
}

func NewScriptHandler(name string, src []byte) (*ScriptHandler, error) {
	sc := tengo.NewScript(src)
	sc.EnableFileImport(false)
	sc.SetImports(stdlib.GetModuleMap(ScriptModules...))
	defaults := map[string]any{
		"command": name,
		"args":    []any{},
		"result":  int64(schema.ResultUnknown),
		"message": "",
		"perf":    "",
	}
	for k, v := range defaults {
		if err := sc.Add(k, v); err != nil {
			return nil, fmt.Errorf("dispatch: script %s: add %s: %w", name, k, err)
		}
	}
	compiled, err := sc.Compile()
	if err != nil {
		return nil, fmt.Errorf("dispatch: script %s: %w", name, err)
	}
	return &ScriptHandler{name: name, compiled: compiled}, nil
}

func LoadScriptHandler(name, path string) (*ScriptHandler, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dispatch: script %s: %w", name, err)
	}
	return NewScriptHandler(name, src)
}

func (s *ScriptHandler) Handle(ctx context.Context, req schema.Request) (Reply, error) {
	run := s.compiled.Clone()
	args := make([]any, len(req.Arguments))
	for i, a := range req.Arguments {
		args[i] = a
	}
	if err := run.Set("command", req.Command); err != nil {
		return Reply{}, err
	}
	if err := run.Set("args", args); err != nil {
		return Reply{}, err
	}
	if err := run.RunContext(ctx); err != nil {
		return Reply{}, fmt.Errorf("script %s: %w", s.name, err)
	}

	result := schema.Result(run.Get("result").Int())
	if result > schema.ResultUnknown {
		result = schema.ResultUnknown
	}
	return Reply{
		Result:  result,
		Message: run.Get("message").String(),
		Perf:    run.Get("perf").String(),
	}, nil
}
