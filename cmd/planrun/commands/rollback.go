package commands

import (
	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/engine"
)

func newRollbackCommand() *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "rollback PLAN --phase ID",
		Short: "Restore a phase's targets and reset its statuses",
		Long: `Restore every file the phase's tasks touched from the snapshots recorded
before their effects, newest first, then reset the phase's completed and
failed tasks back to pending in the document.

Rollback needs the journal written during the original run; a plan executed
without one cannot be rolled back.`,
		Example: `  planrun rollback plan.md --phase B`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(ctx, args[0], true, true)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			mgr := engine.NewRollbackManager(rt.journal, rt.store, rt.logger, rt.metrics)
			if err := mgr.Rollback(ctx, rt.plan, phase); err != nil {
				return err
			}

			cmd.Printf("phase %s rolled back\n", phase)
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "phase to roll back")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}
