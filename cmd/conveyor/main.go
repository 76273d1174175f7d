// Command conveyor operates a conveyor deployment.
//
// Subcommands:
//
//	migrate   apply store migrations and exit
//	worker    run a worker process until SIGINT or SIGTERM
//	push      push one job
//	get       print one job
//	list      list jobs by state or task type
//	stats     count jobs per state
//	reap      reclaim orphaned leases once
//	vacuum    delete finished jobs older than a cutoff
//	schedule  manage recurring schedules
//
// Configuration comes from CONVEYOR_* environment variables; the root
// flags override them.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newRootCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:   "conveyor",
		Short: "Storage-agnostic background job engine",
		// Errors are printed by main through slog.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "store backend: postgres, mysql, sqlite, redis, mongo or memory")
	flags.StringVar(&cfg.DSN, "dsn", cfg.DSN, "backend connection string")
	flags.StringVar(&cfg.Namespace, "namespace", cfg.Namespace, "key or collection prefix for redis and mongo")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")

	root.AddCommand(
		migrateCmd(cfg),
		workerCmd(cfg),
		pushCmd(cfg),
		getCmd(cfg),
		listCmd(cfg),
		statsCmd(cfg),
		reapCmd(cfg),
		vacuumCmd(cfg),
		scheduleCmd(cfg),
	)
	return root
}
