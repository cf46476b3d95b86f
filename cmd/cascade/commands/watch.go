package commands

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
)

func newWatchCommand(a *app) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch [stack]",
		Short: "Re-plan the stack on every change and serve metrics",
		Long: `Watch plans the stack, then re-plans it whenever one of its files or a
policy under --policy-dir changes. A reloaded stack also updates the
guardrail parameters (required tags, encryption). SIGHUP re-reads the
policy directories on demand. Plan failures are logged and watching
continues. Prometheus metrics and /healthz are served on the telemetry
metrics address until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.newRuntime(ctx, a.stackPath(args), runtimeOptions{history: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			w := &stackWatch{rt: rt}
			w.replan(ctx, "start")

			watcher := config.NewWatcher(config.NewLoader(rt.logger), rt.stackPath, debounce)
			err = watcher.Start(ctx, func(stack *config.Stack, err error) {
				w.onStack(ctx, stack, err)
			})
			if err != nil {
				return err
			}

			if len(rt.settings.PolicyDirs) > 0 {
				err := rt.policy.Watch(ctx, debounce, func(err error) {
					w.onPolicies(ctx, err)
				})
				if err != nil {
					return err
				}

				hup := make(chan os.Signal, 1)
				signal.Notify(hup, syscall.SIGHUP)
				defer signal.Stop(hup)
				go func() {
					for {
						select {
						case <-ctx.Done():
							return
						case <-hup:
							w.refreshPolicies(ctx)
						}
					}
				}()
			}

			return rt.telemetry.Metrics.ServeMetrics(ctx, rt.health)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "delay before re-planning after a change")
	return cmd
}

// stackWatch re-plans a stack whenever the stack or its policies change.
// The latest outcome is kept for inspection.
type stackWatch struct {
	rt *runtime

	mu   sync.Mutex
	plan *engine.Plan
	err  error
}

func (w *stackWatch) replan(ctx context.Context, trigger string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rt := w.rt
	plan, err := rt.orchestrator().Plan(ctx, rt.stack.Groups)
	w.plan, w.err = plan, err
	if err != nil {
		rt.logger.Error().Err(err).Str("trigger", trigger).Msg("Stack plan failed")
		return
	}
	rt.logger.Info().
		Str("trigger", trigger).
		Str("stack", rt.stack.Name).
		Strs("order", plan.Apply).
		Int("skipped", len(plan.Skipped)).
		Msg("Stack planned")
}

// onStack installs a reloaded stack and its guardrails, then re-plans. A
// stack that failed to load leaves the previous one in place.
func (w *stackWatch) onStack(ctx context.Context, stack *config.Stack, err error) {
	rt := w.rt
	if err != nil {
		rt.logger.Error().Err(err).Msg("Stack reload failed")
		return
	}

	w.mu.Lock()
	if stack.Name == "" {
		stack.Name = rt.stack.Name
	}
	rt.stack = stack
	err = rt.applyGuardrails(ctx, stack)
	w.mu.Unlock()

	if err != nil {
		rt.logger.Error().Err(err).Msg("Stack reload failed")
		return
	}
	w.replan(ctx, "stack")
}

// onPolicies re-plans after the policy engine swapped in a reloaded set.
// A failed reload keeps the previous set, so there is nothing to re-plan.
func (w *stackWatch) onPolicies(ctx context.Context, err error) {
	if err != nil {
		w.rt.logger.Error().Err(err).Msg("Policy reload failed")
		return
	}
	w.replan(ctx, "policy")
}

func (w *stackWatch) refreshPolicies(ctx context.Context) {
	w.onPolicies(ctx, w.rt.policy.ReloadPolicies(ctx))
}

func (w *stackWatch) last() (*engine.Plan, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.plan, w.err
}
