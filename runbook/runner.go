package runbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// CommandRequest describes one command or script invocation.
type CommandRequest struct {
	Command string            // command line passed to the shell
	Shell   string            // interpreter; empty means the runner's default
	Timeout time.Duration     // wall-clock limit; the executor always sets it
	Env     map[string]string // merged over the parent environment
	Dir     string            // working directory; empty inherits
}

// CommandResult is the outcome of one invocation. A non-zero exit code and a
// timeout are step failures, not runner errors; the runner returns an error
// only when the process could not be run at all or the context was cancelled.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Output joins stdout and stderr for result recording.
func (r *CommandResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// CommandRunner runs command and script step bodies. Implementations must
// honor the request timeout and kill the subprocess when the context is
// cancelled; partial output captured before the kill must still be returned.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (*CommandResult, error)
}

// ShellRunner executes commands through a local shell. The zero value runs
// /bin/sh.
type ShellRunner struct {
	Shell string
	Dir   string
}

// Run executes the request. On timeout the result carries TimedOut with
// whatever output was captured; on cancellation the partial result is
// returned alongside the context error.
func (r *ShellRunner) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	shell := req.Shell
	if shell == "" {
		shell = r.Shell
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", req.Command)
	// Grandchildren spawned by the shell can keep the output pipes open
	// after the shell itself is killed; WaitDelay bounds how long Run waits
	// for them once the context is done.
	cmd.WaitDelay = time.Second
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	} else if r.Dir != "" {
		cmd.Dir = r.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
		return res, nil
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("start command: %w", err)
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(extra))
	copy(merged, base)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}
