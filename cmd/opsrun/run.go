package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opsrun/opsrun"
	"github.com/opsrun/opsrun/notify"
	"github.com/opsrun/opsrun/runbook"
	"github.com/opsrun/opsrun/store"
)

// paramFlags collects repeated -param key=value flags into workflow inputs.
type paramFlags map[string]any

func (p *paramFlags) String() string { return "" }

func (p *paramFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	if *p == nil {
		*p = make(map[string]any)
	}
	(*p)[key] = value
	return nil
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	dryRun := fs.Bool("dry-run", false, "Trace execution without running commands or sending notifications")
	asJSON := fs.Bool("json", false, "Print the full run result as JSON")
	maxParallel := fs.Int("max-parallel", 0, "Cap concurrent steps per layer (0 = engine default)")
	storeDir := fs.String("store", "", "Deployment store directory (default ~/.opsrun/deployments)")
	webhook := fs.String("webhook", "", "Webhook URL receiving notify-step messages for all channels")
	var params paramFlags
	fs.Var(&params, "param", "Workflow parameter as key=value (repeatable)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: opsrun run [options] <runbook.yaml>\n\nExecute a runbook definition file.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("runbook file path is required")
	}

	logger := newLogger(*logLevel)

	b := opsrun.NewBuilder().
		WithLogger(logger).
		WithPrompter(&stdioPrompter{in: bufio.NewReader(os.Stdin), out: os.Stderr}).
		WithDryRun(*dryRun).
		WithMaxParallel(*maxParallel)
	if *storeDir != "" {
		st, err := store.NewFileStore(*storeDir, logger)
		if err != nil {
			return err
		}
		b.WithStore(st)
	}
	if *webhook != "" {
		b.WithDefaultNotifier(notify.NewWebhookNotifier(*webhook, logger))
	}
	engine, err := b.Build()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	res, runErr := engine.RunFile(ctx, fs.Arg(0), map[string]any(params))
	if res == nil {
		return runErr
	}

	if *asJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("workflow %s: %s (%d succeeded, %d failed, %d skipped) in %s\n",
			res.WorkflowName, res.Status, res.Succeeded, res.Failed, res.Skipped, res.Duration())
	}

	if runErr != nil {
		return runErr
	}
	if res.Status == runbook.StatusFailed {
		return fmt.Errorf("workflow %q failed", res.WorkflowName)
	}
	return nil
}
