package runbook

import (
	"errors"
	"strings"
	"testing"

	"github.com/opsrun/opsrun/graph"
)

func boolPtr(b bool) *bool { return &b }

func TestValidateEmptyWorkflow(t *testing.T) {
	wf := &Workflow{Name: "empty"}
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for workflow without steps")
	}
}

func TestValidateDuplicateID(t *testing.T) {
	wf := &Workflow{
		Name: "dup",
		Steps: []Step{
			{ID: "a", Type: StepCommand, Command: "true"},
			{ID: "a", Type: StepCommand, Command: "true"},
		},
	}
	err := wf.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestValidateDuplicateNestedID(t *testing.T) {
	wf := &Workflow{
		Name: "dup-nested",
		Steps: []Step{
			{ID: "a", Type: StepCommand, Command: "true"},
			{ID: "p", Type: StepParallel, Parallel: &ParallelSpec{
				Steps: []Step{{ID: "a", Type: StepCommand, Command: "true"}},
			}},
		},
	}
	if err := wf.Validate(); err == nil {
		t.Fatal("expected duplicate id error for nested child")
	}
}

func TestValidateUnknownDependency(t *testing.T) {
	wf := &Workflow{
		Name: "unknown-dep",
		Steps: []Step{
			{ID: "a", Type: StepCommand, Command: "true", DependsOn: []string{"ghost"}},
		},
	}
	err := wf.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown dependency error, got %v", err)
	}
}

func TestValidateInvalidOnFailure(t *testing.T) {
	wf := &Workflow{
		Name: "bad-policy",
		Steps: []Step{
			{ID: "a", Type: StepCommand, Command: "true", OnFailure: "explode"},
		},
	}
	if err := wf.Validate(); err == nil {
		t.Fatal("expected error for invalid on_failure")
	}
}

func TestValidateCycle(t *testing.T) {
	wf := &Workflow{
		Name: "cycle",
		Steps: []Step{
			{ID: "a", Type: StepCommand, Command: "true", DependsOn: []string{"b"}},
			{ID: "b", Type: StepCommand, Command: "true", DependsOn: []string{"a"}},
		},
	}
	err := wf.Validate()
	var ce *graph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *graph.CycleError, got %v", err)
	}
}

func TestValidateStepPayloads(t *testing.T) {
	cases := []struct {
		name string
		step Step
	}{
		{"command without command", Step{ID: "s", Type: StepCommand}},
		{"unknown type", Step{ID: "s", Type: "teleport"}},
		{"prompt without message", Step{ID: "s", Type: StepPrompt, Prompt: &PromptSpec{}}},
		{"choice without choices", Step{ID: "s", Type: StepPrompt, Prompt: &PromptSpec{Message: "pick", Type: PromptChoice}}},
		{"parallel without children", Step{ID: "s", Type: StepParallel, Parallel: &ParallelSpec{}}},
		{"parallel child with depends_on", Step{ID: "s", Type: StepParallel, Parallel: &ParallelSpec{
			Steps: []Step{{ID: "c", Type: StepCommand, Command: "true", DependsOn: []string{"s"}}},
		}}},
		{"wait without condition", Step{ID: "s", Type: StepWait, Wait: &WaitSpec{}}},
		{"notify without channel", Step{ID: "s", Type: StepNotify, Notify: &NotifySpec{Message: "hi"}}},
		{"conditional without condition", Step{ID: "s", Type: StepConditional, Conditional: &ConditionalSpec{}}},
	}
	for _, tc := range cases {
		wf := &Workflow{Name: "payloads", Steps: []Step{tc.step}}
		if err := wf.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestGraphLinearModeChains(t *testing.T) {
	wf := &Workflow{
		Name: "linear",
		Steps: []Step{
			{ID: "one", Type: StepCommand, Command: "true"},
			{ID: "two", Type: StepCommand, Command: "true"},
			{ID: "three", Type: StepCommand, Command: "true"},
		},
	}
	g, err := wf.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	layers, err := g.Layers()
	if err != nil {
		t.Fatalf("Layers: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("linear workflow should produce one layer per step, got %d layers", len(layers))
	}
}

func TestGraphDeclaredModeUsesOnlyDeclaredEdges(t *testing.T) {
	wf := &Workflow{
		Name: "declared",
		Steps: []Step{
			{ID: "a", Type: StepCommand, Command: "true"},
			{ID: "b", Type: StepCommand, Command: "true"},
			{ID: "c", Type: StepCommand, Command: "true", DependsOn: []string{"a"}},
		},
	}
	g, err := wf.Graph()
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	layers, err := g.Layers()
	if err != nil {
		t.Fatalf("Layers: %v", err)
	}
	// a and b are independent, c waits for a.
	if len(layers) != 2 {
		t.Fatalf("expected 2 layers, got %d: %v", len(layers), layers)
	}
	if len(layers[0]) != 2 {
		t.Errorf("expected a and b in the first layer, got %v", layers[0])
	}
}

func TestDefaultOnFailure(t *testing.T) {
	wf := &Workflow{Name: "d"}
	if wf.DefaultOnFailure() != OnFailureFail {
		t.Error("unset stop_on_failure should default to fail")
	}
	wf.StopOnFailure = boolPtr(false)
	if wf.DefaultOnFailure() != OnFailureContinue {
		t.Error("stop_on_failure=false should default to continue")
	}
	wf.StopOnFailure = boolPtr(true)
	if wf.DefaultOnFailure() != OnFailureFail {
		t.Error("stop_on_failure=true should default to fail")
	}
}

func TestScopeLayering(t *testing.T) {
	wf := &Workflow{
		Name:      "scope",
		Variables: map[string]any{"region": "us-east-1", "replicas": 2},
		Parameters: []Parameter{
			{Name: "replicas", Default: 3},
			{Name: "version", Required: true},
		},
	}

	scope, err := wf.Scope(map[string]any{"version": "1.2.3"})
	if err != nil {
		t.Fatalf("Scope: %v", err)
	}
	if scope["region"] != "us-east-1" {
		t.Errorf("variable lost: %v", scope["region"])
	}
	if scope["replicas"] != 3 {
		t.Errorf("parameter default should override variable, got %v", scope["replicas"])
	}
	if scope["version"] != "1.2.3" {
		t.Errorf("input not applied: %v", scope["version"])
	}
}

func TestScopeMissingRequiredParameter(t *testing.T) {
	wf := &Workflow{
		Name:       "missing",
		Parameters: []Parameter{{Name: "version", Required: true}},
	}
	if _, err := wf.Scope(nil); err == nil {
		t.Fatal("expected error for missing required parameter")
	}
}
