package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/policy"
	"github.com/openfroyo/cascade/pkg/stores"
)

func newPoliciesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect and toggle guardrail policies",
		Long: `Policies lists the built-in guardrails and the policies found under
--policy-dir. Enabling or disabling a policy is recorded in the run
history and applies to every later plan, apply and watch.`,
	}
	cmd.AddCommand(newPoliciesListCommand(a))
	cmd.AddCommand(newPoliciesShowCommand(a))
	cmd.AddCommand(newPolicyToggleCommand(a, true))
	cmd.AddCommand(newPolicyToggleCommand(a, false))
	return cmd
}

// policyRow is the JSON form of one `cascade policies list` entry.
type policyRow struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Severity    policy.Severity `json:"severity"`
	Enabled     bool            `json:"enabled"`
	Source      string          `json:"source,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

func newPoliciesListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies and whether they are enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pe, err := a.policyEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}

			policies := pe.ListPolicies()
			rows := make([]policyRow, len(policies))
			for i, p := range policies {
				rows[i] = policyRow{
					Name:        p.Name,
					Description: p.Description,
					Severity:    p.Severity,
					Enabled:     p.Enabled,
					Source:      p.Source,
					Tags:        p.Tags,
				}
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			renderPolicies(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func newPoliciesShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a policy and its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pe, err := a.policyEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			p, err := pe.GetPolicy(args[0])
			if err != nil {
				return engine.NewConfigurationError("unknown policy", err)
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}

			w := cmd.OutOrStdout()
			state := okStyle.Render("enabled")
			if !p.Enabled {
				state = warningStyle.Render("disabled")
			}
			fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(p.Name), dimStyle.Render("["+string(p.Severity)+"]"), state)
			if p.Description != "" {
				fmt.Fprintln(w, p.Description)
			}
			if p.Source != "" {
				fmt.Fprintln(w, dimStyle.Render("source: "+p.Source))
			}
			fmt.Fprintln(w)
			fmt.Fprint(w, p.Rego)
			return nil
		},
	}
}

func newPolicyToggleCommand(a *app, enable bool) *cobra.Command {
	use, short, verb := "disable <name>", "Stop evaluating a policy", "disabled"
	if enable {
		use, short, verb = "enable <name>", "Evaluate a previously disabled policy", "enabled"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			pe, err := a.policyEngine(ctx, store)
			if err != nil {
				return err
			}
			toggle := pe.DisablePolicy
			if enable {
				toggle = pe.EnablePolicy
			}
			if err := toggle(name); err != nil {
				return engine.NewConfigurationError("unknown policy", err)
			}
			if err := store.SetPolicyState(ctx, name, enable); err != nil {
				return err
			}

			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"policy": name, "enabled": enable})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy %s %s\n", name, verb)
			return nil
		},
	}
}

// policyEngine builds the policy engine the way a run does, without stack
// guardrails. store may be nil.
func (a *app) policyEngine(ctx context.Context, store *stores.SQLiteStore) (*policy.Engine, error) {
	logger, err := a.logger()
	if err != nil {
		return nil, err
	}
	states, err := policyStates(ctx, a.settings, store, logger)
	if err != nil {
		return nil, err
	}
	return newPolicyEngine(ctx, a.settings, config.Guardrails{}, states, logger)
}
