package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/config"
	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/plan"
)

func newStatusCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status PLAN",
		Short: "Report a plan's execution progress",
		Long: `Report completion counts, per-phase progress, runnable and blocked tasks,
and the remaining time estimate.

With --watch the report is reprinted whenever the plan document changes on
disk, which happens after every checkpoint.`,
		Example: `  # One-shot status report
  planrun status plan.md

  # Follow a run from another terminal
  planrun status plan.md --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(ctx, args[0], false, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			printStatus := func(p *plan.Plan) error {
				report := engine.Progress(p, engine.ResolveOptions{
					SkippedSatisfiesDeps: rt.cfg.SkippedSatisfiesDeps,
				})
				if jsonOutput {
					data, err := json.MarshalIndent(report, "", "  ")
					if err != nil {
						return err
					}
					cmd.Println(string(data))
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), report.String())
				return nil
			}

			if err := printStatus(rt.plan); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			err = config.WatchFile(ctx, rt.planPath, func() error {
				p, err := plan.ParseFile(rt.planPath)
				if err != nil {
					// Mid-rename reads can race; the next event retries.
					return err
				}
				cmd.Println()
				return printStatus(p)
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reprint on document changes until interrupted")

	return cmd
}
