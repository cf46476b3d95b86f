package commands

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					BuildInfo
					GoVersion string `json:"go_version"`
				}{a.build, goruntime.Version()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cascade %s\n", a.build.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", a.build.Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", a.build.BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s\n", goruntime.Version())
			return nil
		},
	}
}
