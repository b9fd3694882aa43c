package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/engine"
)

func newStepCommand() *cobra.Command {
	var (
		phase      string
		dryRun     bool
		autoFix    bool
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "step PLAN",
		Short: "Execute exactly one runnable task",
		Long: `Execute the single next runnable task, checkpoint its result, and stop.

The next task is the lowest-numbered pending task whose dependencies are all
satisfied.`,
		Example: `  # Execute the next task
  planrun step plan.md

  # Preview the next task without executing
  planrun step plan.md --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(ctx, args[0], !dryRun, !dryRun)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			opts := engine.Options{
				Phase:                phase,
				DryRun:               dryRun,
				AutoFix:              autoFix,
				MaxRetries:           maxRetries,
				VerifyTimeout:        rt.cfg.VerifyTimeout,
				SkippedSatisfiesDeps: rt.cfg.SkippedSatisfiesDeps,
			}
			driver, err := rt.newDriver(opts)
			if err != nil {
				return err
			}

			result, err := driver.Step(ctx)
			if err != nil {
				return err
			}

			switch {
			case result.WouldRun != nil:
				cmd.Printf("would run %s  %-7s  %s\n",
					result.WouldRun.ID, result.WouldRun.Action, result.WouldRun.Description)
			case result.Outcome != nil:
				cmd.Printf("%s: %s (attempts: %d)\n",
					result.Outcome.TaskID, result.Outcome.Status, result.Outcome.Attempts)
				if result.Halt != nil {
					cmd.Printf("halted: %s\n", result.Halt.Reason)
					if result.Halt.Output != "" {
						cmd.Printf("--- last output ---\n%s\n", result.Halt.Output)
					}
					return taskFailure("task %s failed", result.Outcome.TaskID)
				}
			case len(result.Blocked) > 0:
				cmd.Printf("no runnable task; blocked: %s\n", strings.Join(result.Blocked, ", "))
			default:
				cmd.Println("nothing to run")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "step only within this phase")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview the next task without executing")
	cmd.Flags().BoolVar(&autoFix, "auto-fix", false, "run the fix command between verification attempts")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 2, "verification retries when --auto-fix is on")

	return cmd
}
