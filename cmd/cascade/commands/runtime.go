package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/policy"
	"github.com/openfroyo/cascade/pkg/provisioners"
	"github.com/openfroyo/cascade/pkg/provisioners/remote"
	"github.com/openfroyo/cascade/pkg/provisioners/script"
	"github.com/openfroyo/cascade/pkg/provisioners/static"
	"github.com/openfroyo/cascade/pkg/provisioners/wasm"
	"github.com/openfroyo/cascade/pkg/stores"
	"github.com/openfroyo/cascade/pkg/telemetry"
)

// runtimeOptions select the collaborators a command needs.
type runtimeOptions struct {
	dryRun  bool
	history bool
	archive bool
}

// runtime wires a loaded stack to telemetry, policies, provisioners and
// run history.
type runtime struct {
	stackPath string
	stack     *config.Stack
	settings  *config.Settings

	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
	policy    *policy.Engine
	router    *provisioners.Router
	store     *stores.SQLiteStore
	archive   *stores.S3Archive

	closers []func(context.Context) error
}

func (a *app) newRuntime(ctx context.Context, stackPath string, opts runtimeOptions) (*runtime, error) {
	tel, err := telemetry.NewTelemetry(&a.settings.Telemetry)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid telemetry settings", err)
	}

	rt := &runtime{
		stackPath: stackPath,
		settings:  a.settings,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}
	rt.closers = append(rt.closers, tel.Shutdown)

	if err := rt.init(ctx, opts); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(ctx context.Context, opts runtimeOptions) error {
	if err := rt.loadStack(ctx); err != nil {
		return err
	}
	if opts.history && rt.settings.StateDB != "" {
		if err := rt.openStore(ctx); err != nil {
			return err
		}
	}
	if err := rt.initPolicy(ctx); err != nil {
		return err
	}

	router, err := buildRouter(ctx, rt.settings.Provisioners, rt.settings, rt.logger, opts.dryRun, &rt.closers)
	if err != nil {
		return err
	}
	rt.router = router

	if opts.archive && rt.settings.Archive.Bucket != "" {
		archive, err := stores.NewS3Archive(ctx, stores.ArchiveConfig{
			Bucket:    rt.settings.Archive.Bucket,
			Prefix:    rt.settings.Archive.Prefix,
			Region:    rt.settings.Archive.Region,
			Endpoint:  rt.settings.Archive.Endpoint,
			PathStyle: rt.settings.Archive.PathStyle,
			Logger:    rt.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create report archive: %w", err)
		}
		rt.archive = archive
	}
	return nil
}

func (rt *runtime) loadStack(ctx context.Context) error {
	stack, err := config.NewLoader(rt.logger).Load(ctx, rt.stackPath)
	if err != nil {
		return err
	}
	if stack.Name == "" {
		stack.Name = strings.TrimSuffix(filepath.Base(rt.stackPath), filepath.Ext(rt.stackPath))
	}
	rt.stack = stack
	return nil
}

func (rt *runtime) initPolicy(ctx context.Context) error {
	states, err := policyStates(ctx, rt.settings, rt.store, rt.logger)
	if err != nil {
		return err
	}
	pe, err := newPolicyEngine(ctx, rt.settings, rt.stack.Guardrails, states, rt.logger)
	if err != nil {
		return err
	}
	rt.policy = pe
	return nil
}

// applyGuardrails pushes the guardrails of a reloaded stack into the
// policy engine.
func (rt *runtime) applyGuardrails(ctx context.Context, stack *config.Stack) error {
	if err := rt.policy.SetGuardrails(ctx, stack.Guardrails.RequiredTags, stack.Guardrails.RequireEncryption); err != nil {
		return fmt.Errorf("failed to update guardrails: %w", err)
	}
	return nil
}

// newPolicyEngine builds the policy engine with the settings params, the
// stack guardrails, the policy directories and every enable or disable
// toggle applied. Toggles recorded in the history win over the settings.
func newPolicyEngine(ctx context.Context, settings *config.Settings, guardrails config.Guardrails, states map[string]bool, logger zerolog.Logger) (*policy.Engine, error) {
	var opts []policy.Option
	for key, value := range settings.Policies.Params {
		opts = append(opts, policy.WithParam(key, value))
	}
	opts = append(opts,
		policy.WithRequiredTags(guardrails.RequiredTags...),
		policy.WithEncryptionRequired(guardrails.RequireEncryption),
		policy.WithEnvironment(settings.Telemetry.Environment),
	)

	pe, err := policy.NewEngine(logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(settings.PolicyDirs) > 0 {
		if err := pe.LoadPolicies(ctx, settings.PolicyDirs); err != nil {
			return nil, engine.NewConfigurationError("failed to load policies", err)
		}
	}

	for _, name := range settings.Policies.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, engine.NewConfigurationError("invalid policies.disabled", err)
		}
	}

	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		toggle := pe.DisablePolicy
		if states[name] {
			toggle = pe.EnablePolicy
		}
		// The policy file may have been removed since it was toggled.
		if err := toggle(name); err != nil {
			logger.Warn().Err(err).Str("policy", name).Msg("Ignoring recorded policy state")
		}
	}
	return pe, nil
}

// policyStates reads the toggles recorded by `cascade policies
// enable|disable`. Without a history database nothing was toggled.
func policyStates(ctx context.Context, settings *config.Settings, store *stores.SQLiteStore, logger zerolog.Logger) (map[string]bool, error) {
	if store != nil {
		return store.PolicyStates(ctx)
	}
	if settings.StateDB == "" {
		return nil, nil
	}
	if _, err := os.Stat(settings.StateDB); err != nil {
		return nil, nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: settings.StateDB, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}
	defer store.Close()
	return store.PolicyStates(ctx)
}

// historyActor names the operator in audit entries.
func historyActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cascade"
}

func (rt *runtime) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:   rt.settings.StateDB,
		Actor:  historyActor(),
		Logger: rt.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create run history store: %w", err)
	}
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	rt.store = store
	// The store must outlive the event publisher flush.
	rt.closers = append([]func(context.Context) error{func(context.Context) error { return store.Close() }}, rt.closers...)
	rt.telemetry.Events.Subscribe(store.RecordEvent, nil)
	return nil
}

// orchestrator returns an orchestrator using the stack settings overridden
// by the CLI settings.
func (rt *runtime) orchestrator(extra ...engine.Option) *engine.Orchestrator {
	opts := []engine.Option{
		engine.WithPolicyDefaults(rt.stack.Policy),
		engine.WithPolicyEvaluator(rt.policy),
		engine.WithObserver(rt.telemetry.Observer()),
	}
	opts = append(opts, rt.settings.Override(rt.stack.Settings).Options()...)
	if rt.store != nil {
		opts = append(opts, engine.WithReportSink(rt.store.Sink(rt.stack.Name)))
	}
	if rt.archive != nil {
		opts = append(opts, engine.WithReportSink(rt.archive))
	}
	opts = append(opts, extra...)
	return engine.NewOrchestrator(rt.router, opts...)
}

// Close releases every collaborator in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to release resource")
		}
	}
	rt.closers = nil
}

// buildRouter registers a backend for every configured kind. In dry-run
// mode every kind echoes its inputs instead.
func buildRouter(ctx context.Context, ps config.ProvisionerSettings, settings *config.Settings, logger zerolog.Logger, dryRun bool, closers *[]func(context.Context) error) (*provisioners.Router, error) {
	routerOpts := []provisioners.Option{provisioners.WithLogger(logger)}
	if ps.Default != "" {
		routerOpts = append(routerOpts, provisioners.WithDefaultKind(ps.Default))
	}
	router := provisioners.NewRouter(routerOpts...)

	kinds := append(ps.Kinds(), provisioners.DefaultKind)
	if dryRun {
		dry := static.DryRun()
		for _, kind := range kinds {
			router.Register(kind, dry)
		}
		return router, nil
	}

	router.Register(provisioners.DefaultKind, static.New())

	evaluator := config.NewStarlarkEvaluator(settings.GroupTimeout)
	for kind, path := range ps.Scripts {
		p, err := script.Load(path, evaluator, logger)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("provisioner %q", kind), err)
		}
		router.Register(kind, p)
	}

	for kind, path := range ps.WASM {
		p, err := wasm.Load(ctx, path, wasm.Config{Timeout: settings.GroupTimeout}, logger)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("provisioner %q", kind), err)
		}
		*closers = append(*closers, p.Close)
		router.Register(kind, p)
	}

	for kind, rs := range ps.Remote {
		p, err := remote.New(remoteConfig(rs), logger)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("provisioner %q", kind), err)
		}
		*closers = append(*closers, func(context.Context) error { return p.Close() })
		router.Register(kind, p)
	}

	return router, nil
}

func remoteConfig(rs config.RemoteSettings) *remote.Config {
	cfg := remote.DefaultConfig(rs.Host, rs.User)
	if rs.Port > 0 {
		cfg.Port = rs.Port
	}
	if rs.Auth != "" {
		cfg.AuthMethod = remote.AuthMethod(rs.Auth)
	}
	cfg.Password = rs.Password
	cfg.PrivateKeyPath = expandHome(rs.PrivateKey)
	cfg.PrivateKeyPassphrase = rs.Passphrase
	if rs.KnownHosts != "" {
		cfg.KnownHostsPath = expandHome(rs.KnownHosts)
	}
	cfg.StrictHostKeyChecking = !rs.InsecureHostKey
	if rs.Timeout > 0 {
		cfg.ConnectionTimeout = rs.Timeout
	}
	cfg.Command = rs.Command
	if rs.WorkDir != "" {
		cfg.WorkDir = rs.WorkDir
	}
	cfg.KeepFiles = rs.KeepFiles
	return cfg
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

// health reports whether the run history is reachable.
func (rt *runtime) health(ctx context.Context) error {
	if rt.store == nil {
		return nil
	}
	if err := rt.store.HealthCheck(ctx); err != nil {
		return errors.Join(errors.New("run history unavailable"), err)
	}
	return nil
}
