package runbook

import (
	"errors"
	"fmt"

	"github.com/opsrun/opsrun/graph"
)

// Parameter declares an external input to a workflow. Required parameters
// without a default must be supplied by the caller at run time.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Workflow is a named collection of steps plus the shared variable scope they
// execute against. A workflow whose steps declare no depends_on at all runs
// as a chain in declaration order; any depends_on switches it to graph mode
// with only the declared edges.
type Workflow struct {
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Source      string   `json:"source,omitempty" yaml:"source,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Variables  map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Parameters []Parameter    `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// StopOnFailure is the workflow-level default failure policy, applied
	// to steps that do not set on_failure. Unset means true.
	StopOnFailure *bool `json:"stop_on_failure,omitempty" yaml:"stop_on_failure,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`
}

// DefaultOnFailure returns the policy applied to steps without an explicit
// on_failure.
func (w *Workflow) DefaultOnFailure() OnFailure {
	if w.StopOnFailure != nil && !*w.StopOnFailure {
		return OnFailureContinue
	}
	return OnFailureFail
}

// Validate checks the whole definition eagerly: step payloads, id
// uniqueness (including nested parallel and conditional children), dependency
// references and graph acyclicity. It reports the first problem found; no
// side effect happens before validation passes.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return errors.New("workflow has no steps")
	}
	seen := make(map[string]bool)
	var collect func(steps []Step) error
	collect = func(steps []Step) error {
		for i := range steps {
			s := &steps[i]
			if err := s.validate(); err != nil {
				return err
			}
			if seen[s.ID] {
				return fmt.Errorf("duplicate step id %q", s.ID)
			}
			seen[s.ID] = true
			if s.Parallel != nil {
				if err := collect(s.Parallel.Steps); err != nil {
					return err
				}
			}
			if s.Conditional != nil {
				if err := collect(s.Conditional.Then); err != nil {
					return err
				}
				if err := collect(s.Conditional.Else); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := collect(w.Steps); err != nil {
		return err
	}
	for i := range w.Steps {
		for _, dep := range w.Steps[i].DependsOn {
			if !topLevelID(w.Steps, dep) {
				return fmt.Errorf("step %q depends on unknown step %q", w.Steps[i].ID, dep)
			}
		}
	}
	g, err := w.Graph()
	if err != nil {
		return err
	}
	return g.Validate()
}

// Graph builds the dependency graph over the top-level steps.
func (w *Workflow) Graph() (*graph.Graph, error) {
	declared := false
	for i := range w.Steps {
		if len(w.Steps[i].DependsOn) > 0 {
			declared = true
			break
		}
	}
	nodes := make([]graph.Node, len(w.Steps))
	for i := range w.Steps {
		n := graph.Node{ID: w.Steps[i].ID, DependsOn: w.Steps[i].DependsOn}
		if !declared && i > 0 {
			// Linear mode: each step depends on its predecessor.
			n.DependsOn = []string{w.Steps[i-1].ID}
		}
		nodes[i] = n
	}
	return graph.Build(nodes)
}

// Scope assembles the initial variable scope: declared variables first, then
// parameter defaults, then caller-supplied inputs on top. A required
// parameter with no default and no input is an error.
func (w *Workflow) Scope(inputs map[string]any) (map[string]any, error) {
	scope := make(map[string]any, len(w.Variables)+len(w.Parameters)+len(inputs))
	for k, v := range w.Variables {
		scope[k] = v
	}
	for _, p := range w.Parameters {
		if p.Default != nil {
			scope[p.Name] = p.Default
		}
	}
	for k, v := range inputs {
		scope[k] = v
	}
	for _, p := range w.Parameters {
		if _, ok := scope[p.Name]; !ok && p.Required {
			return nil, fmt.Errorf("required parameter %q not supplied", p.Name)
		}
	}
	return scope, nil
}

// step returns the top-level step with the given id.
func (w *Workflow) step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

func topLevelID(steps []Step, id string) bool {
	for i := range steps {
		if steps[i].ID == id {
			return true
		}
	}
	return false
}
