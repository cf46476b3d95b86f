// Package static provides a provisioner that returns preconfigured outputs.
// It backs `cascade apply --dry-run` and serves as a test double.
package static

import (
	"context"
	"maps"
	"sync"

	"github.com/openfroyo/cascade/pkg/engine"
)

// Call records one Apply invocation.
type Call struct {
	Group  string
	Inputs map[string]any
	Tags   map[string]string
}

// Provisioner returns fixed outputs per group. In echo mode the resolved
// inputs are returned as outputs together with a synthetic "id".
type Provisioner struct {
	mu       sync.Mutex
	outputs  map[string]map[string]any
	failures map[string]error
	echo     bool
	calls    []Call
}

var _ engine.Provisioner = (*Provisioner)(nil)

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithOutputs fixes the outputs returned for group.
func WithOutputs(group string, outputs map[string]any) Option {
	return func(p *Provisioner) { p.outputs[group] = outputs }
}

// WithFailure makes every Apply of group return err.
func WithFailure(group string, err error) Option {
	return func(p *Provisioner) { p.failures[group] = err }
}

// WithEcho returns inputs as outputs for every group.
func WithEcho() Option {
	return func(p *Provisioner) { p.echo = true }
}

// New creates a static provisioner.
func New(opts ...Option) *Provisioner {
	p := &Provisioner{
		outputs:  make(map[string]map[string]any),
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DryRun returns a provisioner in echo mode.
func DryRun() *Provisioner {
	return New(WithEcho())
}

// Apply records the call and returns the configured result.
func (p *Provisioner) Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Group: group, Inputs: maps.Clone(inputs), Tags: maps.Clone(tags)})

	if err, ok := p.failures[group]; ok {
		return nil, err
	}

	out := make(map[string]any)
	if p.echo {
		maps.Copy(out, inputs)
		out["id"] = group + "-dry-run"
	}
	maps.Copy(out, p.outputs[group])
	return out, nil
}

// Calls returns the recorded invocations in call order.
func (p *Provisioner) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Groups returns the applied group names in call order.
func (p *Provisioner) Groups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := make([]string, len(p.calls))
	for i, c := range p.calls {
		groups[i] = c.Group
	}
	return groups
}
