package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/conveyor"
	"github.com/xraph/conveyor/job"
	"github.com/xraph/conveyor/schedule"
)

func scheduleCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring schedules",
	}
	cmd.AddCommand(
		scheduleAddCmd(cfg),
		scheduleListCmd(cfg),
		scheduleEnableCmd(cfg, "pause", false),
		scheduleEnableCmd(cfg, "resume", true),
		scheduleDeleteCmd(cfg),
	)
	return cmd
}

func scheduleAddCmd(cfg *config) *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "add NAME SPEC TASK_TYPE [JSON_PAYLOAD]",
		Short: "Register a schedule; an existing name is an error",
		Example: `  conveyor schedule add nightly-report "0 3 * * *" report '{"full":true}'
  conveyor schedule add ping "@every 30s" log`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 4 {
				payload = []byte(args[3])
				if !json.Valid(payload) {
					return fmt.Errorf("%w: payload is not valid JSON", conveyor.ErrSerialization)
				}
			}
			e, err := schedule.NewEntry(args[0], args[1], args[2], payload, maxAttempts, conveyor.Now())
			if err != nil {
				return err
			}
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				if err := b.store.SaveSchedule(ctx, e); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s next fires at %s\n", e.Name, e.NextFireAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", job.DefaultMaxAttempts, "retry ceiling of pushed jobs")
	return cmd
}

func scheduleListCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				entries, err := b.store.ListSchedules(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSPEC\tTASK\tENABLED\tNEXT FIRE\tLAST FIRE")
				for _, e := range entries {
					last := "-"
					if e.LastFireAt != nil {
						last = e.LastFireAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
						e.Name, e.Spec, e.TaskType, e.Enabled, e.NextFireAt.Format(time.RFC3339), last)
				}
				return w.Flush()
			})
		},
	}
}

func scheduleEnableCmd(cfg *config, use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: fmt.Sprintf("Set a schedule's enabled flag to %t", enabled),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				return b.store.SetScheduleEnabled(ctx, args[0], enabled)
			})
		},
	}
}

func scheduleDeleteCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, cfg, func(ctx context.Context, b *backend) error {
				return b.store.DeleteSchedule(ctx, args[0])
			})
		},
	}
}
