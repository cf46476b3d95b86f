package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/engine"
)

// paramsPath is where policy parameters live in the data document.
var paramsPath = storage.MustParsePath("/cascade/params")

// Parameters read by the built-in guardrail policies.
const (
	ParamRequiredTags      = "required_tags"
	ParamRequireEncryption = "require_encryption"
)

func tagList(keys []string) []interface{} {
	tags := make([]interface{}, len(keys))
	for i, k := range keys {
		tags[i] = k
	}
	return tags
}

// Engine evaluates provision requests against Rego policies. It implements
// engine.PolicyEvaluator.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	store       storage.Store
	logger      zerolog.Logger
	params      map[string]interface{}
	environment string
	paths       []string
	overrides   map[string]bool
	now         func() time.Time
}

var _ engine.PolicyEvaluator = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRequiredTags sets the tag keys the required-tags policy enforces.
func WithRequiredTags(keys ...string) Option {
	return func(e *Engine) {
		e.params[ParamRequiredTags] = tagList(keys)
	}
}

// WithEncryptionRequired toggles the encryption-at-rest policy.
func WithEncryptionRequired(required bool) Option {
	return func(e *Engine) {
		e.params[ParamRequireEncryption] = required
	}
}

// WithParam sets an arbitrary parameter visible to policies as
// data.cascade.params.<key>.
func WithParam(key string, value interface{}) Option {
	return func(e *Engine) {
		e.params[key] = value
	}
}

// WithEnvironment sets the environment reported in the policy context.
func WithEnvironment(env string) Option {
	return func(e *Engine) {
		e.environment = env
	}
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies:  make(map[string]*compiledPolicy),
		logger:    logger.With().Str("component", "policy-engine").Logger(),
		params:    make(map[string]interface{}),
		overrides: make(map[string]bool),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.store = inmem.NewFromObject(map[string]interface{}{
		"cascade": map[string]interface{}{
			"params": e.params,
		},
	})

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// SetParam updates a policy parameter in the data store.
func (e *Engine) SetParam(ctx context.Context, key string, value interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.params[key] = value
	if err := storage.WriteOne(ctx, e.store, storage.AddOp, paramsPath, e.params); err != nil {
		return fmt.Errorf("failed to write policy parameter %s: %w", key, err)
	}
	return nil
}

// SetGuardrails replaces both guardrail parameters, as when a reloaded stack
// changes its required tags or encryption requirement.
func (e *Engine) SetGuardrails(ctx context.Context, requiredTags []string, requireEncryption bool) error {
	if err := e.SetParam(ctx, ParamRequiredTags, tagList(requiredTags)); err != nil {
		return err
	}
	return e.SetParam(ctx, ParamRequireEncryption, requireEncryption)
}

// EvaluateRequests evaluates every enabled policy against every request.
// Policies run in name order and requests in the given order, so the
// violation list is deterministic. An evaluation failure fails the whole
// call; callers treat that as a configuration error.
func (e *Engine) EvaluateRequests(ctx context.Context, requests []engine.ProvisionRequest) (*engine.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	groups := make([]string, len(requests))
	for i := range requests {
		groups[i] = requests[i].Group
	}
	pctx := Context{
		Operation:   "apply",
		Environment: e.environment,
		Groups:      groups,
		Timestamp:   e.now(),
	}

	result := &engine.PolicyResult{
		Allowed:     true,
		EvaluatedAt: pctx.Timestamp,
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		for i := range requests {
			input := &Input{Request: requests[i], Context: pctx}
			violations, err := e.evaluatePolicy(ctx, cp, input)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", name).
					Str("group", requests[i].Group).
					Msg("Policy evaluation failed")
				return nil, fmt.Errorf("policy %s failed on group %s: %w", name, requests[i].Group, err)
			}

			for _, v := range violations {
				if Severity(v.Severity).Blocking() {
					result.Allowed = false
				} else {
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", v.Policy, v.Message))
				}
				result.Violations = append(result.Violations, v)
			}
		}
	}

	e.logger.Debug().
		Int("requests", len(requests)).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Msg("Policies evaluated")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	return violations, nil
}

// createViolation creates a PolicyViolation from a deny set member.
func createViolation(policy *Policy, result interface{}, input *Input) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
		Group:    input.Request.Group,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok && Severity(sev).Valid() {
			violation.Severity = sev
		}
		if g, ok := v["group"].(string); ok && g != "" {
			violation.Group = g
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileAndStorePolicy parses the module and prepares its deny query.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	if !policy.Severity.Valid() {
		return fmt.Errorf("policy %s has invalid severity %q", policy.Name, policy.Severity)
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return fmt.Errorf("policy %s is empty", policy.Name)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if enabled, ok := e.overrides[policy.Name]; ok {
		policy.Enabled = enabled
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// AddPolicy compiles and registers a policy, replacing one with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.compileAndStorePolicy(ctx, &policy); err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}
	return nil
}

// LoadPolicies loads .rego and .json policies from files or directories.
// The paths are remembered for ReloadPolicies and Watch.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewSource(e.logger, paths...).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.install(ctx, policies); err != nil {
		return err
	}
	e.paths = append(e.paths, paths...)

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

func (e *Engine) install(ctx context.Context, policies []Policy) error {
	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// ReplacePolicies swaps all file-loaded policies for the given set, keeping
// the built-ins and any enable or disable overrides. On a compile error the
// previous set stays active.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)
	if err := e.loadBuiltinPolicies(ctx); err != nil {
		e.policies = previous
		return err
	}
	if err := e.install(ctx, policies); err != nil {
		e.policies = previous
		return err
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies replaced")
	return nil
}

// ReloadPolicies re-reads every path previously passed to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	var policies []Policy
	if paths := e.Paths(); len(paths) > 0 {
		loaded, err := NewSource(e.logger, paths...).Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to reload policies: %w", err)
		}
		policies = loaded
	}
	return e.ReplacePolicies(ctx, policies)
}

// Paths returns the files and directories policies were loaded from.
func (e *Engine) Paths() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.paths...)
}

// Watch replaces the loaded policies whenever a file under the loaded paths
// changes, then calls onReload with the outcome. A failed reload keeps the
// previous set. onReload may be nil.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration, onReload func(error)) error {
	paths := e.Paths()
	if len(paths) == 0 {
		return fmt.Errorf("no policy paths loaded")
	}

	w := NewWatcher(NewSource(e.logger, paths...), debounce)
	return w.Start(ctx, func(policies []Policy, err error) {
		if err == nil {
			err = e.ReplacePolicies(ctx, policies)
		}
		if err != nil {
			e.logger.Error().Err(err).Msg("Keeping previous policies")
		}
		if onReload != nil {
			onReload(err)
		}
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := e.sortedNames()
	policies := make([]Policy, 0, len(names))
	for _, name := range names {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.overrides[name] = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
