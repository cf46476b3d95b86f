package commands

import (
	"github.com/spf13/cobra"
)

func newApplyCommand(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply [stack]",
		Short: "Apply every enabled group in dependency order",
		Long: `Apply provisions the stack's groups in dependency order, passing outputs
to the groups that reference them. The run report is recorded in the run
history and, when configured, archived to S3.

With --dry-run every provisioner echoes its resolved inputs back as
outputs, which exercises ordering and reference resolution end to end.

Exit status is 0 when the run completes, 2 for configuration errors and
1 for any other failure.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, a.stackPath(args), runtimeOptions{
				dryRun:  dryRun,
				history: true,
				archive: !dryRun,
			})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			rt.logger.Info().
				Str("stack", rt.stack.Name).
				Int("groups", len(rt.stack.Groups)).
				Bool("dry_run", dryRun).
				Msg("Applying stack")

			report, runErr := rt.orchestrator().Apply(ctx, rt.stack.Groups)

			if a.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				renderReport(cmd.OutOrStdout(), report)
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "echo inputs as outputs instead of provisioning")
	return cmd
}
