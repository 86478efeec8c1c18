package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"run":         runRun,
	"validate":    runValidate,
	"deployments": runDeployments,
}

func usage() {
	fmt.Fprintf(os.Stderr, `opsrun - runbook execution and deployment tracking (version %s)

Usage:
  opsrun <command> [options]

Commands:
  run          Execute a runbook definition file
  validate     Validate runbook definition files
  deployments  Inspect and clean up deployment records (list, active, cleanup)

Run 'opsrun <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the CLI logger. Logs go to stderr so JSON output on
// stdout stays machine-readable.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
