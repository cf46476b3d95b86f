package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/telemetry"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// app carries the state shared by every subcommand of one invocation.
type app struct {
	build      BuildInfo
	configPath string
	jsonOutput bool
	verbose    bool

	viper    *viper.Viper
	settings *config.Settings
}

// Execute runs the root command.
func Execute(ctx context.Context, build BuildInfo, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCommand(build)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status: 0 on success,
// 2 for configuration errors and 1 otherwise.
func ExitCode(err error) int {
	return engine.ExitCode(err)
}

// NewRootCommand builds the cascade command tree.
func NewRootCommand(build BuildInfo) *cobra.Command {
	a := &app{build: build}

	rootCmd := &cobra.Command{
		Use:   "cascade",
		Short: "Cascade - declarative resource orchestration",
		Long: `Cascade applies named resource groups in dependency order.

Groups declare inputs that are literals or references to the outputs of
other groups. Cascade orders the groups, merges the policy defaults into
every request, checks guardrail policies and hands each group to its
provisioner, passing outputs downstream as they become available.

Stacks are written in CUE, YAML or Starlark.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", build.Version, build.Commit, build.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadSettings(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "settings file (default: ./cascade.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&a.jsonOutput, "json", false, "output in JSON format")
	flags.String("state-db", "", "run history database path")
	flags.StringSlice("policy-dir", nil, "directory of extra .rego policies (repeatable)")
	flags.Int("concurrency", 0, "max sibling groups applied in parallel")
	flags.Duration("group-timeout", 0, "timeout for a single provisioner call")

	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newPlanCommand(a))
	rootCmd.AddCommand(newApplyCommand(a))
	rootCmd.AddCommand(newGraphCommand(a))
	rootCmd.AddCommand(newRunsCommand(a))
	rootCmd.AddCommand(newPoliciesCommand(a))
	rootCmd.AddCommand(newWatchCommand(a))
	rootCmd.AddCommand(newVersionCommand(a))

	return rootCmd
}

// loadSettings merges cascade.yaml, CASCADE_* variables and flags.
func (a *app) loadSettings(cmd *cobra.Command) error {
	v := config.NewViper(a.configPath)

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"state_db":      "state-db",
		"policy_dirs":   "policy-dir",
		"concurrency":   "concurrency",
		"group_timeout": "group-timeout",
	} {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}

	settings, err := config.LoadSettings(v)
	if err != nil {
		return engine.NewConfigurationError("failed to load settings", err)
	}
	if a.verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	settings.Telemetry.ServiceVersion = a.build.Version

	a.viper = v
	a.settings = settings
	return nil
}

// logger builds a standalone logger for commands that need no runtime.
func (a *app) logger() (zerolog.Logger, error) {
	l, err := telemetry.NewLogger(a.settings.Telemetry.Logging)
	if err != nil {
		return zerolog.Nop(), engine.NewConfigurationError("invalid logging settings", err)
	}
	return l.Zerolog(), nil
}

// stackPath returns the positional stack argument or the configured default.
func (a *app) stackPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.settings.Stack
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
