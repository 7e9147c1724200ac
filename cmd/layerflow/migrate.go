package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/layerflow/internal/migration"
)

func runMigrate(args []string) error {
	if len(args) < 1 {
		printMigrateUsage()
		return errors.New("missing migrate subcommand")
	}

	sub, rest := args[0], args[1:]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage()
		return nil
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	target := fs.String("target", "", "Database URL (default: store.target from config)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	url := *target
	if url == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		url = cfg.Store.Target
	}

	ctx := context.Background()
	m, err := migration.NewMigratorFromTarget(ctx, url)
	if errors.Is(err, migration.ErrAutoMigrated) {
		fmt.Println("sqlite tables are created automatically; nothing to migrate.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	switch sub {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "force":
		if fs.NArg() < 1 {
			return errors.New("migrate force needs a version")
		}
		v, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", fs.Arg(0), err)
		}
		return cli.RunForce(ctx, v)
	default:
		printMigrateUsage()
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		return errors.New("unknown migrate subcommand")
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  layerflow migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  version     Show the current migration version
  status      Show every migration and whether it is applied
  force <v>   Force the recorded version (use with caution)

Options:
  --config <path>   Path to configuration file (YAML)
  --target <url>    postgres:// or mysql:// URL (default: store.target)`)
}
