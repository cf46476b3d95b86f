package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/stores"
)

func newRunsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run history",
	}
	cmd.AddCommand(newRunsListCommand(a))
	cmd.AddCommand(newRunsShowCommand(a))
	cmd.AddCommand(newRunsDeleteCommand(a))
	cmd.AddCommand(newRunsLastCommand(a))
	cmd.AddCommand(newRunsAuditCommand(a))
	return cmd
}

func newRunsListCommand(a *app) *cobra.Command {
	var (
		stack   string
		state   string
		limit   int
		archive bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if archive {
				a3, err := a.openArchive(ctx)
				if err != nil {
					return err
				}
				ids, err := a3.ListRunIDs(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return printJSON(cmd.OutOrStdout(), ids)
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, stores.RunFilter{
				Stack: stack,
				State: engine.RunState(state),
				Limit: limit,
			})
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&stack, "stack", "", "only runs of this stack")
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state (completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&archive, "archive", false, "list run IDs from the S3 archive")
	return cmd
}

func newRunsShowCommand(a *app) *cobra.Command {
	var (
		archive bool
		events  bool
	)

	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show the report of a run",
		Long: `Show prints the full report of a recorded run. With --archive the report
is read from the S3 archive, and omitting the run ID shows the latest
archived run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if archive {
				a3, err := a.openArchive(ctx)
				if err != nil {
					return err
				}
				var report *engine.RunReport
				if len(args) == 0 {
					report, err = a3.Latest(ctx)
				} else {
					report, err = a3.GetReport(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				renderReport(cmd.OutOrStdout(), report)
				return nil
			}

			if len(args) == 0 {
				return engine.NewConfigurationError("a run ID is required", nil)
			}

			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			var timeline []*stores.EventRecord
			if events {
				timeline, err = store.GetEvents(ctx, run.ID, nil, 0, 0)
				if err != nil {
					return err
				}
			}

			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), struct {
					*stores.RunRecord
					Events []*stores.EventRecord `json:"events,omitempty"`
				}{run, timeline})
			}
			renderReport(cmd.OutOrStdout(), run.Report)
			renderEvents(cmd.OutOrStdout(), timeline)
			return nil
		},
	}

	cmd.Flags().BoolVar(&archive, "archive", false, "read the report from the S3 archive")
	cmd.Flags().BoolVar(&events, "events", false, "include the run's event timeline")
	return cmd
}

func newRunsDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its events from the history",
		Long: `Delete removes a recorded run, its group results and its event timeline.
The deletion itself is kept in the audit log (see runs audit).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteRun(ctx, args[0]); err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return engine.NewConfigurationError("unknown run", err)
				}
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s deleted\n", args[0])
			return nil
		},
	}
}

// lastView is the JSON form of `cascade runs last`.
type lastView struct {
	*stores.GroupRecord
	Outputs map[string]any `json:"outputs,omitempty"`
}

func newRunsLastCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "last <group>",
		Short: "Show the most recent successful result of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.LastSucceeded(ctx, args[0])
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return engine.NewConfigurationError(fmt.Sprintf("group %s never succeeded", args[0]), err)
				}
				return err
			}

			view := lastView{GroupRecord: record}
			if record.Outputs != nil {
				if err := json.Unmarshal([]byte(*record.Outputs), &view.Outputs); err != nil {
					return fmt.Errorf("failed to decode outputs: %w", err)
				}
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), view)
			}
			renderLast(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func newRunsAuditCommand(a *app) *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the audit log, newest first",
		Long: `Audit lists recorded history changes: finished runs, deleted runs and
policy toggles.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if actor != "" {
				actorFilter = &actor
			}
			entries, err := store.ListAuditEntries(ctx, actionFilter, actorFilter, limit, 0)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			renderAudit(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action (e.g. run.deleted, policy.disabled)")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func (a *app) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.settings.StateDB == "" {
		return nil, engine.NewConfigurationError("no run history configured (set state_db or --state-db)", nil)
	}
	logger, err := a.logger()
	if err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.settings.StateDB, Actor: historyActor(), Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	return store, nil
}

func (a *app) openArchive(ctx context.Context) (*stores.S3Archive, error) {
	cfg := a.settings.Archive
	if cfg.Bucket == "" {
		return nil, engine.NewConfigurationError("no report archive configured (set archive.bucket)", nil)
	}
	logger, err := a.logger()
	if err != nil {
		logger = zerolog.Nop()
	}
	return stores.NewS3Archive(ctx, stores.ArchiveConfig{
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		PathStyle: cfg.PathStyle,
		Logger:    logger,
	})
}
