package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/xraph/conveyor"
	audithook "github.com/xraph/conveyor/audit_hook"
	"github.com/xraph/conveyor/engine"
	"github.com/xraph/conveyor/id"
	"github.com/xraph/conveyor/job"
)

// withBackend opens the configured backend, runs fn and closes it.
func withBackend(cmd *cobra.Command, cfg *config, fn func(ctx context.Context, b *backend) error) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			slog.Warn("close backend", slog.String("error", cerr.Error()))
		}
	}()
	return fn(ctx, b)
}

// ── migrate ──────────────────────────────────────────────────────────────

func migrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				if err := b.store.Migrate(ctx); err != nil {
					return err
				}
				slog.Info("migrations applied", slog.String("backend", cfg.Backend))
				return nil
			})
		},
	}
}

// ── worker ───────────────────────────────────────────────────────────────

// logTask is the built-in task type the worker always handles. It logs its
// payload, which makes it useful for smoke tests of a deployment.
const logTask = "log"

func workerCmd(cfg *config) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker process until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				if migrate {
					if err := b.store.Migrate(ctx); err != nil {
						return err
					}
				}
				return runWorker(ctx, cfg, b)
			})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before starting")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "concurrent job executions")
	cmd.Flags().BoolVar(&cfg.Audit, "audit", cfg.Audit, "log lifecycle events as audit records")
	return cmd
}

func runWorker(ctx context.Context, cfg *config, b *backend) error {
	logger := slog.Default()

	c, err := conveyor.New(
		conveyor.WithStore(b.store),
		conveyor.WithConfig(cfg.engineConfig()),
		conveyor.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var opts []engine.Option
	if b.listener != nil {
		opts = append(opts, engine.WithWaker(b.listener))
	}
	if cfg.Audit {
		opts = append(opts, engine.WithExtension(audithook.New(audithook.SlogRecorder(logger))))
	}
	if cfg.ClaimRate > 0 {
		opts = append(opts, engine.WithClaimRate(rate.Limit(cfg.ClaimRate), max(1, int(cfg.ClaimRate))))
	}
	eng, err := engine.Build(c, opts...)
	if err != nil {
		return err
	}
	engine.Register(eng, job.NewDefinition(logTask, logTaskHandler(logger)))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if b.listener != nil {
		if err := b.listener.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = b.listener.Stop(context.Background()) }()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("worker started",
		slog.String("worker_id", eng.WorkerID().String()),
		slog.String("backend", cfg.Backend),
		slog.Int("concurrency", cfg.Concurrency),
	)

	<-ctx.Done()
	stop()

	logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))
	return eng.Stop(context.Background())
}

// ── push ─────────────────────────────────────────────────────────────────

func pushCmd(cfg *config) *cobra.Command {
	var (
		delay       time.Duration
		maxAttempts int
		jobID       string
	)
	cmd := &cobra.Command{
		Use:   "push TASK_TYPE [JSON_PAYLOAD]",
		Short: "Push one job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
				if !json.Valid(payload) {
					return fmt.Errorf("%w: payload is not valid JSON", conveyor.ErrSerialization)
				}
			}
			opts := job.DefaultOptions()
			opts.MaxAttempts = maxAttempts
			opts.Delay = delay
			opts.ID = jobID

			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				j, err := job.New(args[0], payload, opts)
				if err != nil {
					return err
				}
				if err := b.store.Push(ctx, j); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), j.ID.String())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "run the job after this delay")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", job.DefaultMaxAttempts, "retry ceiling")
	cmd.Flags().StringVar(&jobID, "id", "", "explicit job ID (idempotent push)")
	return cmd
}

// ── get / list ───────────────────────────────────────────────────────────

func getCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := id.ParseJobID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				j, err := b.store.GetJob(ctx, jobID)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(j)
			})
		},
	}
}

func listCmd(cfg *config) *cobra.Command {
	var (
		state    string
		taskType string
		limit    int
		offset   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := job.ListOptions{
				State:    job.State(state),
				TaskType: taskType,
				Limit:    limit,
				Offset:   offset,
			}
			if state != "" && !opts.State.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				jobs, err := b.store.ListJobs(ctx, opts)
				if err != nil {
					return err
				}
				return printJobs(cmd, jobs)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "pending, running, done, failed or killed")
	cmd.Flags().StringVar(&taskType, "task", "", "filter by task type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	return cmd
}

func printJobs(cmd *cobra.Command, jobs []*job.Job) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATE\tATTEMPTS\tRUN AT\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.TaskType, j.State, j.Attempts, j.MaxAttempts,
			j.RunAt.Format(time.RFC3339), j.LastError)
	}
	return w.Flush()
}

// ── stats ────────────────────────────────────────────────────────────────

var allStates = []job.State{
	job.StatePending, job.StateRunning, job.StateDone, job.StateFailed, job.StateKilled,
}

func statsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "STATE\tJOBS")
				for _, s := range allStates {
					n, err := b.store.CountJobs(ctx, s)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\n", s, n)
				}
				return w.Flush()
			})
		},
	}
}

// ── reap / vacuum ────────────────────────────────────────────────────────

func reapCmd(cfg *config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Reclaim jobs whose lease expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				n, err := b.store.ReapOrphans(ctx, job.ReapOptions{
					Visibility:   cfg.VisibilityTimeout,
					CountAttempt: cfg.CountOrphanAttempt,
					Limit:        limit,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&cfg.VisibilityTimeout, "visibility", cfg.VisibilityTimeout, "lease visibility timeout")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum jobs to reclaim (0 = all)")
	return cmd
}

func vacuumCmd(cfg *config) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Delete done jobs finished before a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				n, err := b.store.Vacuum(ctx, conveyor.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "age of done jobs to delete")
	return cmd
}

// logTaskHandler handles the built-in log task by logging its payload.
func logTaskHandler(logger *slog.Logger) func(context.Context, json.RawMessage) error {
	return func(ctx context.Context, p json.RawMessage) error {
		info, _ := job.InfoFromContext(ctx)
		logger.Info("log task",
			slog.String("job_id", info.ID.String()),
			slog.String("task_type", info.TaskType),
			slog.String("payload", string(p)),
		)
		return nil
	}
}
