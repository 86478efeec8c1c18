package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opsrun/opsrun/deploy"
	"github.com/opsrun/opsrun/store"
)

func deploymentsUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  opsrun deployments list [-status s] [-namespace ns] [-limit n] [store options]
  opsrun deployments active [store options]
  opsrun deployments cleanup [-older-than d] [store options]

Store options:
  -dir path   File store directory (default ~/.opsrun/deployments)
  -db path    SQLite database path (overrides -dir)
`)
}

func runDeployments(args []string) error {
	if len(args) < 1 {
		deploymentsUsage()
		return fmt.Errorf("deployments subcommand is required")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return runDeploymentsList(rest)
	case "active":
		return runDeploymentsActive(rest)
	case "cleanup":
		return runDeploymentsCleanup(rest)
	case "-h", "--help", "help":
		deploymentsUsage()
		return nil
	default:
		deploymentsUsage()
		return fmt.Errorf("unknown deployments subcommand: %s", sub)
	}
}

// storeFlags registers the shared store selection flags on fs and returns a
// resolver to call after parsing.
func storeFlags(fs *flag.FlagSet) func(logger *slog.Logger) (deploy.Store, error) {
	dir := fs.String("dir", "", "File store directory (default ~/.opsrun/deployments)")
	db := fs.String("db", "", "SQLite database path (overrides -dir)")
	return func(logger *slog.Logger) (deploy.Store, error) {
		if *db != "" {
			return store.NewSQLiteStore(*db, logger)
		}
		d := *dir
		if d == "" {
			var err error
			d, err = store.DefaultDir()
			if err != nil {
				return nil, err
			}
		}
		return store.NewFileStore(d, logger)
	}
}

func runDeploymentsList(args []string) error {
	fs := flag.NewFlagSet("deployments list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (pending, in_progress, succeeded, failed, rolled_back)")
	namespace := fs.String("namespace", "", "Filter by namespace")
	limit := fs.Int("limit", 0, "Cap the number of records (0 = all)")
	openStore := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(newLogger("warn"))
	if err != nil {
		return err
	}
	records, err := st.List(context.Background(), deploy.Filter{
		Status:    deploy.DeploymentStatus(*status),
		Namespace: *namespace,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runDeploymentsActive(args []string) error {
	fs := flag.NewFlagSet("deployments active", flag.ExitOnError)
	openStore := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(newLogger("warn"))
	if err != nil {
		return err
	}
	records, err := st.ListActive(context.Background())
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runDeploymentsCleanup(args []string) error {
	fs := flag.NewFlagSet("deployments cleanup", flag.ExitOnError)
	olderThan := fs.Duration("older-than", 7*24*time.Hour, "Delete complete records older than this")
	openStore := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(newLogger("warn"))
	if err != nil {
		return err
	}
	removed, err := st.CleanupOld(context.Background(), *olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d deployment records\n", removed)
	return nil
}
