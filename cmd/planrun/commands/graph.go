package commands

import (
	"github.com/spf13/cobra"

	"github.com/planrun/planrun/pkg/engine"
	"github.com/planrun/planrun/pkg/plan"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "graph PLAN",
		Short:   "Render the plan's dependency graph as Graphviz DOT",
		Example: `  planrun graph plan.md | dot -Tsvg -o plan.svg`,
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

			cmd.Print(engine.ToDOT(p, g))
			return nil
		},
	}
	return cmd
}
