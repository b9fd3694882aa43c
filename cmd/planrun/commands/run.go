package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/gitrev"
	"github.com/planrun/planrun/pkg/plan"
	"github.com/planrun/planrun/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		phase       string
		dryRun      bool
		autoFix     bool
		maxRetries  int
		parallel    bool
		workers     int
		resume      bool
		timeout     time.Duration
		applier     string
		fixer       string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run PLAN",
		Short: "Execute a plan until done or a task fails",
		Long: `Execute runnable tasks from the plan document, one at a time by default.

Each task's effect is applied, its verification command is run, and the
resulting status is checkpointed into the document before the next task
starts. A terminal failure blocks only its dependents; unrelated tasks keep
executing, and the run exits non-zero once nothing more is runnable.`,
		Example: `  # Execute the whole plan
  planrun run plan.md

  # Execute only phase B
  planrun run plan.md --phase B

  # Show what would run without executing
  planrun run plan.md --dry-run

  # Retry failed verifications up to 2 times with the configured fix command
  planrun run plan.md --auto-fix --max-retries 2

  # Run independent tasks concurrently
  planrun run plan.md --parallel --workers 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(ctx, args[0], !dryRun, !dryRun)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if !dryRun && !resume && hasProgress(rt.plan) {
				return taskFailure("plan already has progress; pass --resume to continue it")
			}

			// Flags trump the config file.
			if cmd.Flags().Changed("timeout") {
				rt.cfg.VerifyTimeout = timeout
			}
			if applier != "" {
				rt.cfg.ApplyCommand = applier
			}
			if fixer != "" {
				rt.cfg.FixCommand = fixer
			}
			if metricsAddr != "" {
				metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
					Enabled:       true,
					ListenAddress: metricsAddr,
					Path:          "/metrics",
					Namespace:     "planrun",
				})
				if err != nil {
					return err
				}
				if err := metrics.StartMetricsServer(); err != nil {
					return fmt.Errorf("starting metrics server: %w", err)
				}
				rt.metrics = metrics
			}

			opts := engine.Options{
				Phase:                phase,
				DryRun:               dryRun,
				AutoFix:              autoFix,
				MaxRetries:           maxRetries,
				Parallel:             parallel,
				Workers:              workers,
				VerifyTimeout:        rt.cfg.VerifyTimeout,
				SkippedSatisfiesDeps: rt.cfg.SkippedSatisfiesDeps,
			}
			driver, err := rt.newDriver(opts)
			if err != nil {
				return err
			}

			var head string
			log := rt.logger.NewComponentLogger("run").WithPlanID(rt.plan.ID)
			if gitrev.IsRepo(rt.cfg.Root) {
				if h, err := gitrev.Head(rt.cfg.Root); err == nil {
					head = h
					log = log.WithField("git_head", head)
				}
			}
			log.WithField("tasks", len(rt.plan.Tasks())).Info("starting run")

			if rt.journal != nil {
				_ = rt.journal.RecordRunStart(ctx, driver.RunID(), head)
			}

			result, runErr := driver.Run(ctx)

			if rt.journal != nil {
				status := "completed"
				if runErr != nil || result.Halt != nil {
					status = "failed"
				}
				_ = rt.journal.RecordRunFinish(ctx, driver.RunID(), status)
			}

			if dryRun {
				printDryRun(cmd, result.WouldRun)
				return nil
			}

			printRunSummary(cmd, rt, result)

			if runErr != nil {
				return runErr
			}
			if result.Halt != nil {
				return taskFailure("run halted at task %s: %s", result.Halt.TaskID, result.Halt.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "execute only this phase")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would run without executing")
	cmd.Flags().BoolVar(&autoFix, "auto-fix", false, "run the fix command between verification attempts")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 2, "verification retries when --auto-fix is on")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "run independent tasks concurrently")
	cmd.Flags().IntVar(&workers, "workers", 4, "max concurrent tasks with --parallel")
	cmd.Flags().BoolVar(&resume, "resume", false, "continue a plan that already has progress")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-task verification timeout (overrides config)")
	cmd.Flags().StringVar(&applier, "applier", "", "command producing content for CREATE and MODIFY tasks")
	cmd.Flags().StringVar(&fixer, "fixer", "", "command run between verification attempts with --auto-fix")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address for the run")

	return cmd
}

// hasProgress reports whether any task already reached a terminal state
// while others are still pending.
func hasProgress(p *plan.Plan) bool {
	terminal, pending := 0, 0
	for _, t := range p.Tasks() {
		switch {
		case t.Status.IsTerminal():
			terminal++
		case t.Status == plan.StatusPending:
			pending++
		}
	}
	return terminal > 0 && pending > 0
}

func printDryRun(cmd *cobra.Command, tasks []*plan.Task) {
	if len(tasks) == 0 {
		cmd.Println("nothing to run")
		return
	}
	cmd.Printf("would run %d task(s):\n", len(tasks))
	for _, t := range tasks {
		cmd.Printf("  %s  %-7s  %s\n", t.ID, t.Action, t.Description)
	}
}

func printRunSummary(cmd *cobra.Command, rt *runtime, result *engine.RunResult) {
	cmd.Printf("run %s: %d task(s) executed, %d completed\n",
		result.RunID, len(result.Outcomes), result.Completed())

	if result.Halt != nil {
		cmd.Printf("\nhalted: %s\n", result.Halt.Reason)
		if result.Halt.Output != "" {
			cmd.Printf("--- last output ---\n%s\n", result.Halt.Output)
		}
		if len(result.Halt.Blocked) > 0 {
			cmd.Printf("blocked tasks: %v\n", result.Halt.Blocked)
		}
	}

	report := engine.Progress(rt.plan, engine.ResolveOptions{
		SkippedSatisfiesDeps: rt.cfg.SkippedSatisfiesDeps,
	})
	fmt.Fprint(cmd.OutOrStdout(), report.String())
}
