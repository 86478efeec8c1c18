// Package graph builds execution plans from step dependency declarations.
// A Graph is an immutable DAG over string identifiers; it validates that
// every referenced dependency exists and that no cycle is present, and it
// partitions the nodes into layers that can run concurrently.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoProgress is returned by Layers when nodes remain but none is ready.
// With a validated graph this indicates internal state corruption, so callers
// should treat it as fatal rather than retry.
var ErrNoProgress = errors.New("no runnable nodes remain")

// Node is a single unit in the graph: an identifier plus the identifiers it
// depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// CycleError reports a dependency cycle. Path holds the ids along the cycle
// in dependency order; the first and last entries are the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Graph is a validated-on-demand dependency graph. The zero value is not
// usable; construct one with Build.
type Graph struct {
	order      []string            // ids in declaration order
	deps       map[string][]string // id -> ids it depends on
	dependents map[string][]string // id -> ids that depend on it, declaration order
}

// Build constructs a graph from nodes. Duplicate ids and references to
// unknown ids are definition errors reported immediately; cycle detection is
// deferred to Validate so that callers can distinguish the two failure modes.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.New("node with empty id")
		}
		if _, exists := g.deps[n.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.order = append(g.order, n.ID)
		g.deps[n.ID] = append([]string(nil), n.DependsOn...)
	}
	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			if _, known := g.deps[dep]; !known {
				return nil, fmt.Errorf("node %q depends on unknown node %q", id, dep)
			}
			if dep == id {
				return nil, fmt.Errorf("node %q depends on itself", id)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	return g, nil
}

// Dependencies returns the ids the given node depends on.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the ids that directly depend on the given node.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Validate walks the graph and returns a *CycleError describing the first
// cycle found, or nil if the graph is acyclic.
func (g *Graph) Validate() error {
	// States: 0=unvisited, 1=visiting, 2=visited.
	state := make(map[string]int, len(g.order))
	stack := make([]string, 0, len(g.order))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 2:
			return nil
		case 1:
			// Back edge: the cycle is the stack suffix starting at id,
			// closed by repeating id.
			for i, s := range stack {
				if s == id {
					path := append(append([]string(nil), stack[i:]...), id)
					return &CycleError{Path: path}
				}
			}
			return &CycleError{Path: []string{id, id}}
		}
		state[id] = 1
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = 2
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Layers validates the graph and partitions it into execution layers. Every
// node in layer N has all of its dependencies in layers < N, so the nodes of
// a single layer are safe to run concurrently. Within a layer, nodes keep
// declaration order.
func (g *Graph) Layers() ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(g.order))
	remaining := len(g.order)
	var layers [][]string

	for remaining > 0 {
		var ready []string
		for _, id := range g.order {
			if done[id] {
				continue
			}
			ok := true
			for _, dep := range g.deps[id] {
				if !done[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("%d nodes blocked: %w", remaining, ErrNoProgress)
		}
		for _, id := range ready {
			done[id] = true
		}
		remaining -= len(ready)
		layers = append(layers, ready)
	}
	return layers, nil
}
