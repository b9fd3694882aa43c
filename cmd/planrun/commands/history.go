package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "history PLAN",
		Short:   "Show recent checkpoint history from the journal",
		Example: `  planrun history plan.md --limit 20`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := loadRuntime(ctx, args[0], true, false)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			records, err := rt.journal.History(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}

			if len(records) == 0 {
				cmd.Println("no history")
				return nil
			}
			for _, r := range records {
				cmd.Printf("%s  %-6s %-15s attempts=%d  run=%s\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"), r.TaskID, r.Status, r.Attempts, r.RunID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max records to show")

	return cmd
}
