// Package runner executes server-side shell_command steps.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/aromcp/workflow-server/pkg/logger"
	wferrors "github.com/aromcp/workflow-server/pkg/workflow/errors"
)

// Result captures one command execution.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// CommandRunner is an interface for executing commands and capturing output.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*Result, error)
}

// DefaultCommandRunner runs commands through the shell.
type DefaultCommandRunner struct{}

var _ CommandRunner = &DefaultCommandRunner{}

// Run executes command under sh -c with the given timeout. A non-zero
// exit is returned as a ToolError carrying the captured result; deadline
// expiry is returned as a Timeout error.
func (d *DefaultCommandRunner) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Debugf("Running command: %s", command)
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, wferrors.Newf(wferrors.KindTimeout, "command timed out after %s", timeout).
			With("command", command)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, wferrors.Newf(wferrors.KindTool, "command exited with code %d", result.ExitCode).
				With("command", command).
				With("stderr", result.Stderr)
		}
		result.ExitCode = -1
		return result, wferrors.Wrap(wferrors.KindTool, "command failed to start", err).
			With("command", command)
	}
	return result, nil
}

// FakeCommandRunner returns canned results for tests.
type FakeCommandRunner struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Calls counts invocations, which retry tests assert on.
	Calls int
}

var _ CommandRunner = &FakeCommandRunner{}

// Run implements CommandRunner.
func (f *FakeCommandRunner) Run(_ context.Context, command string, _ time.Duration) (*Result, error) {
	f.Calls++
	result := &Result{Stdout: f.Stdout, Stderr: f.Stderr, ExitCode: f.ExitCode}
	if f.ExitCode != 0 {
		return result, wferrors.Newf(wferrors.KindTool, "command exited with code %d", f.ExitCode).
			With("command", command)
	}
	return result, nil
}
