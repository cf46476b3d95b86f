// Package provisioners routes resource groups to provisioner backends by
// kind. Backends live in the subpackages: static, script, wasm and remote.
package provisioners

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/engine"
)

// DefaultKind is used for groups that do not name a provisioner when the
// router has no explicit default.
const DefaultKind = "static"

// Router dispatches Apply calls to the provisioner registered for each
// group's kind. Routes are learned during planning through CheckGroup, so a
// Router must be passed to the orchestrator as its provisioner.
type Router struct {
	mu       sync.RWMutex
	backends map[string]engine.Provisioner
	routes   map[string]string
	fallback string
	logger   zerolog.Logger
}

var (
	_ engine.Provisioner        = (*Router)(nil)
	_ engine.ProvisionerChecker = (*Router)(nil)
)

// Option configures a Router.
type Option func(*Router)

// WithDefaultKind sets the kind used for groups without a provisioner.
func WithDefaultKind(kind string) Option {
	return func(r *Router) { r.fallback = kind }
}

// WithLogger sets the router logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		backends: make(map[string]engine.Provisioner),
		routes:   make(map[string]string),
		fallback: DefaultKind,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "provisioner-router").Logger()
	return r
}

// Register adds or replaces the backend for kind.
func (r *Router) Register(kind string, p engine.Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = p
}

// Kinds returns the registered kinds, sorted.
func (r *Router) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// KindOf returns the kind that applies group's effective provisioner name.
func (r *Router) KindOf(group *engine.ResourceGroup) string {
	if group.Provisioner != "" {
		return group.Provisioner
	}
	return r.fallback
}

// CheckGroup rejects groups whose kind has no backend and remembers the
// route for Apply. Backends that implement engine.ProvisionerChecker are
// consulted too.
func (r *Router) CheckGroup(group *engine.ResourceGroup) error {
	kind := r.KindOf(group)

	r.mu.Lock()
	backend, ok := r.backends[kind]
	if ok {
		r.routes[group.Name] = kind
	}
	r.mu.Unlock()

	if !ok {
		return engine.NewConfigurationError(
			fmt.Sprintf("no provisioner registered for kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind).
			WithResource(group.Name)
	}
	if checker, ok := backend.(engine.ProvisionerChecker); ok {
		return checker.CheckGroup(group)
	}
	return nil
}

// Apply forwards the call to the group's backend. Groups never seen by
// CheckGroup go to the default kind.
func (r *Router) Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error) {
	r.mu.RLock()
	kind, ok := r.routes[group]
	if !ok {
		kind = r.fallback
	}
	backend, found := r.backends[kind]
	r.mu.RUnlock()

	if !found {
		return nil, engine.NewPermanentError(fmt.Sprintf("no provisioner registered for kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind).
			WithResource(group)
	}

	start := time.Now()
	outputs, err := backend.Apply(ctx, group, inputs, tags)
	event := r.logger.Debug()
	if err != nil {
		event = r.logger.Warn().Err(err)
	}
	event.Str("group", group).Str("kind", kind).Dur("duration", time.Since(start)).Msg("Provisioner call finished")
	return outputs, err
}
