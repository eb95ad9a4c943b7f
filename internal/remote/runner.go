// Package remote executes command text against the Proxmox VE host and
// its LXC containers. It provides the CommandRunner strategy used by
// the executor, with two implementations: ExecRunner (direct os/exec)
// and BashRunner (wrapped in a bash shell, which works around Proxmox
// IPC issues seen with direct exec).
package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// ErrContainerNotFound is returned when an attach targets a container
// id that does not exist on the hypervisor.
var ErrContainerNotFound = errors.New("container not found")

// Result captures one command execution. A non-zero ExitCode is not an
// error at this layer; callers decide whether it is fatal.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner defines the interface for executing shell commands.
// The abstraction allows different execution strategies and enables
// testing with recording fakes.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands via os/exec. This is the default runner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return runCmd(exec.CommandContext(ctx, name, args...), ctx)
}

// BashRunner wraps commands in bash to provide shell context. Going
// through bash works around Proxmox IPC issues seen with direct exec.
type BashRunner struct{}

func (BashRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	full := strings.Join(append([]string{name}, args...), " ")
	return runCmd(exec.CommandContext(ctx, "bash", "-c", full), ctx)
}

func runCmd(cmd *exec.Cmd, ctx context.Context) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, err
	}
	return result, nil
}
