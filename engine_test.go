package opsrun

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsrun/opsrun/deploy"
	"github.com/opsrun/opsrun/notify"
	"github.com/opsrun/opsrun/runbook"
	"github.com/opsrun/opsrun/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, opts ...func(*Builder)) (*Engine, *fakeRunner) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	runner := &fakeRunner{}
	b := NewBuilder().
		WithLogger(testLogger()).
		WithStore(st).
		WithRunner(runner)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return engine, runner
}

func TestBuilder_BuildDefaults(t *testing.T) {
	engine, _ := newTestEngine(t)

	want := []string{"blue-green", "canary", "rolling"}
	if got := engine.Strategies(); !reflect.DeepEqual(got, want) {
		t.Errorf("Strategies() = %v, want %v", got, want)
	}
	if engine.MetricsHandler() == nil {
		t.Error("MetricsHandler() returned nil")
	}
}

func TestEngine_RunWorkflow(t *testing.T) {
	mem := notify.NewMemoryNotifier()
	engine, runner := newTestEngine(t, func(b *Builder) {
		b.WithNotifier("#deploys", mem)
	})

	wf := &runbook.Workflow{
		Name: "deploy-api",
		Steps: []runbook.Step{
			{ID: "lookup", Type: runbook.StepCommand, Command: "cat VERSION", Register: "current"},
			{ID: "apply", Type: runbook.StepCommand, Command: "deploy {{ .current }}", DependsOn: []string{"lookup"}},
			{ID: "announce", Type: runbook.StepNotify, DependsOn: []string{"apply"},
				Notify: &runbook.NotifySpec{Channel: "#deploys", Message: "deployed {{ .current }}"}},
		},
	}

	res, err := engine.Run(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runbook.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	wantCommands := []string{"cat VERSION", "deploy ok"}
	if got := runner.seen(); !reflect.DeepEqual(got, wantCommands) {
		t.Errorf("commands = %v, want %v", got, wantCommands)
	}

	msgs := mem.Messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d notifications, want 1", len(msgs))
	}
	if msgs[0].Channel != "#deploys" || msgs[0].Text != "deployed ok" {
		t.Errorf("notification = %+v", msgs[0])
	}
}

func TestEngine_RunFileDryRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restart-api.yaml")
	definition := `name: restart-api
steps:
  - id: stop
    type: command
    command: systemctl stop api
  - id: start
    type: command
    command: systemctl start api
    depends_on: [stop]
`
	if err := os.WriteFile(path, []byte(definition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	engine, runner := newTestEngine(t, func(b *Builder) {
		b.WithDryRun(true)
	})

	res, err := engine.RunFile(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if !res.DryRun {
		t.Error("result not flagged dry_run")
	}
	if res.Status != runbook.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	for _, sr := range res.Steps {
		if !strings.HasPrefix(sr.Output, "would execute: ") {
			t.Errorf("step %s output = %q, want would-execute trace", sr.StepID, sr.Output)
		}
	}
	if got := runner.seen(); len(got) != 0 {
		t.Errorf("dry run executed commands: %v", got)
	}
}

func TestEngine_RunFileMissing(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.RunFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing definition file")
	}
}

func TestEngine_DeployRecordsOutcome(t *testing.T) {
	engine, _ := newTestEngine(t)

	d, err := engine.Deploy(context.Background(), deploy.Request{
		Name:     "api",
		Strategy: "rolling",
		Version:  "v2.1.0",
		Config:   map[string]any{"batch_size": 3, "instances": 3},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if d.Status != deploy.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", d.Status)
	}

	records, err := engine.Deployments(context.Background(), deploy.Filter{})
	if err != nil {
		t.Fatalf("Deployments: %v", err)
	}
	if len(records) != 1 || records[0].ID != d.ID {
		t.Fatalf("listed %d records, want the deployed one", len(records))
	}

	body := scrapeMetrics(t, engine)
	if !strings.Contains(body, `opsrun_deployments_total{status="succeeded",strategy="rolling"} 1`) {
		t.Errorf("metrics missing deployment outcome:\n%s", body)
	}
}

func TestEngine_CleanupDeployments(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	engine, err := NewBuilder().WithLogger(testLogger()).WithStore(st).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := context.Background()
	old := deploy.NewDeployment("api", "prod", "rolling", "v1.0.0")
	old.Status = deploy.StatusSucceeded
	old.CreatedAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	if err := st.Save(ctx, old); err != nil {
		t.Fatalf("Save old: %v", err)
	}
	active := deploy.NewDeployment("worker", "prod", "canary", "v2.0.0")
	active.Status = deploy.StatusInProgress
	active.CreatedAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	if err := st.Save(ctx, active); err != nil {
		t.Fatalf("Save active: %v", err)
	}

	removed, err := engine.CleanupDeployments(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupDeployments: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	remaining, err := engine.ActiveDeployments(ctx)
	if err != nil {
		t.Fatalf("ActiveDeployments: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != active.ID {
		t.Errorf("active rollout should survive cleanup, got %d records", len(remaining))
	}
}

func TestEngine_RegisterStrategy(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.RegisterStrategy(&noopStrategy{name: "recreate"})

	found := false
	for _, name := range engine.Strategies() {
		if name == "recreate" {
			found = true
		}
	}
	if !found {
		t.Errorf("Strategies() = %v, want recreate registered", engine.Strategies())
	}
}

func TestBuilder_EventFanout(t *testing.T) {
	rec := &recordingEvents{}
	engine, _ := newTestEngine(t, func(b *Builder) {
		b.WithEvents(rec)
	})

	wf := &runbook.Workflow{
		Name: "fanout",
		Steps: []runbook.Step{
			{ID: "a", Type: runbook.StepCommand, Command: "true"},
			{ID: "b", Type: runbook.StepCommand, Command: "true", DependsOn: []string{"a"}},
		},
	}
	if _, err := engine.Run(context.Background(), wf, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := atomic.LoadInt32(&rec.started); got != 2 {
		t.Errorf("custom sink saw %d step starts, want 2", got)
	}
	if got := atomic.LoadInt32(&rec.runs); got != 1 {
		t.Errorf("custom sink saw %d run completions, want 1", got)
	}

	// The collector stays wired alongside the custom sink.
	body := scrapeMetrics(t, engine)
	if !strings.Contains(body, `opsrun_workflow_runs_total{status="success",workflow="fanout"} 1`) {
		t.Errorf("metrics not collected alongside custom sink:\n%s", body)
	}
}

func scrapeMetrics(t *testing.T, engine *Engine) string {
	t.Helper()
	srv := httptest.NewServer(engine.MetricsHandler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

// fakeRunner records every command and reports success with output "ok".
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *fakeRunner) Run(_ context.Context, req runbook.CommandRequest) (*runbook.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, req.Command)
	return &runbook.CommandResult{Stdout: "ok\n"}, nil
}

func (r *fakeRunner) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type recordingEvents struct {
	started int32
	runs    int32
}

func (r *recordingEvents) StepStarted(string, string) { atomic.AddInt32(&r.started, 1) }

func (r *recordingEvents) StepFinished(string, *runbook.StepResult) {}

func (r *recordingEvents) RunFinished(string, *runbook.WorkflowResult) {
	atomic.AddInt32(&r.runs, 1)
}

type noopStrategy struct{ name string }

func (s *noopStrategy) Name() string { return s.name }

func (s *noopStrategy) Validate(map[string]any) error { return nil }

func (s *noopStrategy) Execute(context.Context, *deploy.Deployment) error { return nil }

func (s *noopStrategy) Rollback(context.Context, *deploy.Deployment) error { return nil }
