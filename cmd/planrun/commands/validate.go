package commands

import (
	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/plan"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate PLAN",
		Short: "Check a plan document without executing anything",
		Long: `Parse the plan document and build its dependency graph.

Malformed tasks, duplicate ids, dangling dependencies, missing verification
declarations, and dependency cycles are all reported here, before any task
could run.`,
		Example: `  planrun validate plan.md`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.ParseFile(args[0])
			if err != nil {
				return engine.NewParseError("parsing plan document", err)
			}

			g, err := engine.BuildGraph(p)
			if err != nil {
				return err
			}

			cmd.Printf("%s: %d phase(s), %d task(s), %d dependency level(s)\n",
				p.ID, len(p.Phases), len(p.Tasks()), g.Depth)
			return nil
		},
	}
	return cmd
}
