package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [stack]",
		Short: "Show the order in which groups would be applied",
		Long: `Plan loads the stack, validates its references, checks provisioner kinds
and guardrail policies, and prints the application order. No provisioner
is invoked.`,
		Args: cobra.MaximumNArgs(1),
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

			view := newPlanView(rt.stack, plan, rt.router)
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), view)
			}
			renderPlan(cmd.OutOrStdout(), view)
			return nil
		},
	}
}
