package runbook

import (
	"context"
	"strings"
)

// Prompter supplies answers to prompt steps. Interactive front ends block on
// operator input; unattended runs use NonInteractivePrompter.
type Prompter interface {
	Confirm(ctx context.Context, message string, def bool) (bool, error)
	Input(ctx context.Context, message, def string) (string, error)
	Choice(ctx context.Context, message string, choices []string, def string) (string, error)
}

// NonInteractivePrompter resolves every prompt to its declared default
// without blocking. It is the executor's fallback when no Prompter is
// injected, and the answer source in dry-run mode.
type NonInteractivePrompter struct{}

func (NonInteractivePrompter) Confirm(_ context.Context, _ string, def bool) (bool, error) {
	return def, nil
}

func (NonInteractivePrompter) Input(_ context.Context, _ string, def string) (string, error) {
	return def, nil
}

func (NonInteractivePrompter) Choice(_ context.Context, _ string, choices []string, def string) (string, error) {
	if def == "" && len(choices) > 0 {
		return choices[0], nil
	}
	return def, nil
}

// parseConfirmDefault maps a prompt's declared default string onto the
// boolean a confirm prompt expects. Anything other than an affirmative
// answer defaults to declining.
func parseConfirmDefault(def string) bool {
	switch strings.ToLower(strings.TrimSpace(def)) {
	case "y", "yes", "true", "1":
		return true
	}
	return false
}
