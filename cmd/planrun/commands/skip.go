package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/plan"
)

func newSkipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip PLAN TASK_ID",
		Short: "Mark a pending task as skipped",
		Long: `Mark a pending task as skipped and checkpoint the change.

Skipping is a human decision the engine never makes on its own. A skipped
task does not satisfy its dependents unless skipped_satisfies_deps is set in
the configuration.`,
		Example: `  planrun skip plan.md B.2`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			taskID, err := plan.ParseTaskID(args[1])
			if err != nil {
				return err
			}

			rt, err := loadRuntime(ctx, args[0], true, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			task, ok := rt.plan.Task(taskID)
			if !ok {
				return fmt.Errorf("no task %s in %s", taskID, rt.plan.ID)
			}
			if task.Status != plan.StatusPending {
				return fmt.Errorf("task %s is %s; only pending tasks can be skipped", taskID, task.Status)
			}

			if err := rt.store.Commit(ctx, rt.plan, taskID, plan.StatusSkipped, 0); err != nil {
				return err
			}

			cmd.Printf("%s skipped\n", taskID)
			return nil
		},
	}
	return cmd
}
