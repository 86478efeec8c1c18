package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/opsrun/opsrun/config"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: opsrun validate <runbook.yaml> [more files...]\n\nValidate runbook definition files without executing them.\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("at least one runbook file is required")
	}

	failed := 0
	for _, path := range fs.Args() {
		wf, err := config.LoadWorkflow(path)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Printf("ok   %s (%s, %d steps)\n", path, wf.Name, len(wf.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, fs.NArg())
	}
	return nil
}
