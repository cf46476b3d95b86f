// Package script implements a provisioner backed by a Starlark script.
//
// The script must define
//
//	def apply(group, inputs, tags):
//	    return {"id": ...}
//
// and return a dict of outputs, or None for no outputs. A script signals a
// retryable failure by calling fail() with a message starting with
// "transient:".
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/config"
	"github.com/openfroyo/cascade/pkg/engine"
)

// EntryPoint is the function every provisioning script defines.
const EntryPoint = "apply"

const transientPrefix = "transient:"

// Provisioner calls a Starlark apply function once per group.
type Provisioner struct {
	filename  string
	source    string
	evaluator *config.StarlarkEvaluator
	logger    zerolog.Logger
}

var _ engine.Provisioner = (*Provisioner)(nil)

// Load reads the script at path.
func Load(path string, evaluator *config.StarlarkEvaluator, logger zerolog.Logger) (*Provisioner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return New(path, string(data), evaluator, logger), nil
}

// New creates a provisioner from script source. filename is used in
// backtraces only.
func New(filename, source string, evaluator *config.StarlarkEvaluator, logger zerolog.Logger) *Provisioner {
	if evaluator == nil {
		evaluator = config.NewStarlarkEvaluator(0)
	}
	return &Provisioner{
		filename:  filename,
		source:    source,
		evaluator: evaluator,
		logger:    logger.With().Str("component", "script-provisioner").Str("script", filename).Logger(),
	}
}

// Apply runs apply(group, inputs, tags).
func (p *Provisioner) Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	if tags == nil {
		tags = map[string]string{}
	}

	res, err := p.evaluator.Call(ctx, p.filename, p.source, EntryPoint, group, inputs, tags)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Join(ctxErr, err)
		}
		if strings.Contains(err.Error(), transientPrefix) {
			return nil, engine.NewTransientError("script requested retry", err).WithResource(group)
		}
		return nil, engine.NewPermanentError("script failed", err).WithResource(group)
	}

	for _, line := range res.Printed {
		p.logger.Info().Str("group", group).Msg(line)
	}
	p.logger.Debug().Str("group", group).Dur("duration", res.ExecutionTime).Msg("Script applied")

	switch out := res.Output["result"].(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]interface{}:
		return out, nil
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s must return a dict or None, got %T", EntryPoint, out), nil).WithResource(group)
	}
}
