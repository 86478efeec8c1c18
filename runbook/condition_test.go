package runbook

import (
	"strings"
	"testing"
)

func TestEvalConditionEmpty(t *testing.T) {
	ok, err := EvalCondition("", nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Error("empty condition must be vacuously true")
	}
	ok, err = EvalCondition("   ", map[string]any{"x": 1})
	if err != nil || !ok {
		t.Errorf("blank condition must be true, got %t, %v", ok, err)
	}
}

func TestEvalConditionComparisons(t *testing.T) {
	scope := map[string]any{
		"env":      "prod",
		"replicas": 3,
		"ratio":    0.5,
		"enabled":  true,
	}
	cases := []struct {
		expr string
		want bool
	}{
		{`env == "prod"`, true},
		{`env != "prod"`, false},
		{`replicas > 2`, true},
		{`replicas >= 4`, false},
		{`ratio < 1.0`, true},
		{`enabled && replicas == 3`, true},
		{`enabled || false`, true},
		{`!enabled`, false},
		{`env == "prod" && replicas > 1`, true},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, scope)
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s = %t, want %t", tc.expr, got, tc.want)
		}
	}
}

func TestEvalConditionUndefinedVariable(t *testing.T) {
	// Unknown identifiers resolve to nil, which is falsy, so a when guard
	// over an unset variable skips rather than errors.
	ok, err := EvalCondition("missing", map[string]any{"present": 1})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Error("undefined variable should be falsy")
	}
}

func TestEvalConditionTruthiness(t *testing.T) {
	cases := []struct {
		expr  string
		scope map[string]any
		want  bool
	}{
		{"flag", map[string]any{"flag": true}, true},
		{"flag", map[string]any{"flag": false}, false},
		{"count", map[string]any{"count": 0}, false},
		{"count", map[string]any{"count": 7}, true},
		{"name", map[string]any{"name": ""}, false},
		{"name", map[string]any{"name": "web"}, true},
		{"hosts", map[string]any{"hosts": []any{}}, false},
		{"hosts", map[string]any{"hosts": []any{"a"}}, true},
		{"ratio", map[string]any{"ratio": 0.0}, false},
		{"ratio", map[string]any{"ratio": 0.1}, true},
	}
	for _, tc := range cases {
		got, err := EvalCondition(tc.expr, tc.scope)
		if err != nil {
			t.Errorf("%s: %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s over %v = %t, want %t", tc.expr, tc.scope, got, tc.want)
		}
	}
}

func TestEvalConditionCompileError(t *testing.T) {
	_, err := EvalCondition("1 +", nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "compile condition") {
		t.Errorf("error should name the failing phase: %v", err)
	}
}

func TestEvalConditionBuiltins(t *testing.T) {
	ok, err := EvalCondition(`len(hosts) >= 2`, map[string]any{"hosts": []any{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Error("len builtin should work over scope slices")
	}
}
