// Package config loads runbook workflow definitions from YAML files and
// watches them for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsrun/opsrun/runbook"
)

// ParseWorkflow decodes and validates a workflow definition from YAML bytes.
func ParseWorkflow(data []byte) (*runbook.Workflow, error) {
	var w runbook.Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow %q: %w", w.Name, err)
	}
	return &w, nil
}

// LoadWorkflow reads a workflow definition from a YAML file. The path is
// recorded as the workflow's Source; a definition without a name takes the
// file's base name.
func LoadWorkflow(path string) (*runbook.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	w, err := ParseWorkflow(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w.Source = path
	if w.Name == "" {
		w.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return w, nil
}

// LoadDir loads every .yaml/.yml definition directly under dir, in file-name
// order. A single broken definition fails the whole load; a runbook library
// with a corrupt entry should be fixed, not silently thinned.
func LoadDir(dir string) ([]*runbook.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow directory: %w", err)
	}

	var workflows []*runbook.Workflow
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		w, err := LoadWorkflow(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
