package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
)

func newGraphCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph [stack]",
		Short: "Print the dependency graph in Graphviz DOT format",
		Example: `  cascade graph stack.cue | dot -Tsvg > stack.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := a.logger()
			if err != nil {
				return err
			}
			stack, err := config.NewLoader(logger).Load(ctx, a.stackPath(args))
			if err != nil {
				return err
			}

			graph, err := engine.BuildGraph(stack.Groups)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
			return nil
		},
	}
}
