package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// CommandRunner abstracts process execution so handlers can be tested
// without a shell.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host. Dir and Env are passed
// through to exec.Cmd when set.
type ExecRunner struct {
	Dir string
	Env []string
}

// Run returns stdout, stderr and the exit code. A non-zero exit is reported
// both as the code and as an *exec.ExitError; a program that could not be
// started reports 127.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// FuncRunner adapts a function to CommandRunner.
type FuncRunner func(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)

func (f FuncRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	return f(ctx, name, args...)
}
