package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [stack]",
		Short: "Validate a stack without applying it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, a.stackPath(args), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			plan, err := rt.orchestrator().Plan(ctx, rt.stack.Groups)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"stack":   rt.stack.Name,
					"valid":   true,
					"groups":  len(plan.Order),
					"enabled": len(plan.Apply),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d groups (%d enabled)\n",
				okStyle.Render("valid"), rt.stack.Name, len(plan.Order), len(plan.Apply))
			return nil
		},
	}
}
