package runbook

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestShellRunnerCapturesStdout(t *testing.T) {
	r := &ShellRunner{}
	res, err := r.Run(context.Background(), CommandRequest{
		Command: "echo hello",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestShellRunnerNonZeroExit(t *testing.T) {
	r := &ShellRunner{}
	res, err := r.Run(context.Background(), CommandRequest{
		Command: "exit 3",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("non-zero exit must not be a runner error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestShellRunnerStderr(t *testing.T) {
	r := &ShellRunner{}
	res, err := r.Run(context.Background(), CommandRequest{
		Command: "echo oops >&2; exit 1",
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if !strings.Contains(res.Output(), "oops") {
		t.Errorf("Output() should include stderr, got %q", res.Output())
	}
}

func TestShellRunnerTimeout(t *testing.T) {
	r := &ShellRunner{}
	start := time.Now()
	res, err := r.Run(context.Background(), CommandRequest{
		Command: "sleep 10",
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must not be a runner error: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout did not kill the process, elapsed %s", elapsed)
	}
}

func TestShellRunnerEnvironment(t *testing.T) {
	r := &ShellRunner{}
	res, err := r.Run(context.Background(), CommandRequest{
		Command: "echo $DEPLOY_TARGET",
		Timeout: 10 * time.Second,
		Env:     map[string]string{"DEPLOY_TARGET": "staging"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "staging" {
		t.Errorf("env not merged, stdout = %q", res.Stdout)
	}
}

func TestShellRunnerCancellationPreservesOutput(t *testing.T) {
	r := &ShellRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, CommandRequest{
		Command: "echo partial; sleep 10",
		Timeout: 30 * time.Second,
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if res == nil || !strings.Contains(res.Stdout, "partial") {
		t.Errorf("partial output not preserved: %+v", res)
	}
}
