package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// Schema names registered by default.
const (
	SchemaStack    = "#Stack"
	SchemaGroup    = "#Group"
	SchemaPolicy   = "#Policy"
	SchemaSettings = "#Settings"
)

// SchemaRegistry manages CUE definitions used to validate stack documents.
// It shares the parser's cue.Context so schemas unify with parsed values.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in stack schema.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchemas(builtinStackSchema); err != nil {
		// built-in schema is a constant
		panic(err)
	}
	return sr
}

// RegisterSchemas compiles src and registers every definition it declares
// under its name (e.g. "#Stack").
func (sr *SchemaRegistry) RegisterSchemas(src string) error {
	val := sr.ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list schema definitions: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		sr.schemas[iter.Selector().String()] = iter.Value()
	}
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and validates the result.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates arbitrary Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, name string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	_, err := sr.Unify(name, dataVal)
	return err
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinStackSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

// Group is one independently toggleable unit of provisioning
#Group: {
	name?:        string & !=""
	enabled?:     bool
	provisioner?: string
	timeout?:     #Duration
	description?: string
	tags?: [string]: string

	// Scalars are literals. Objects are {ref, fallback?, default?} or {literal}.
	inputs?: [string]: _
}

#Policy: {
	tags?: [string]: string
	required_tags?: [...string]
	encryption?: {
		enabled?:    bool
		required?:   bool
		kms_key_id?: string
	}
	naming?: {
		prefix?:    string
		separator?: string
	}
	inputs?: [string]: _
}

#Settings: {
	concurrency?:   int & >=0
	group_timeout?: #Duration
	retry?: {
		max_attempts?:     int & >=0
		initial_interval?: #Duration
		max_interval?:     #Duration
		multiplier?:       number & >=1
		max_elapsed_time?: #Duration
	}
}

#Stack: {
	name?:     string
	policy?:   #Policy
	settings?: #Settings
	groups:    [...#Group] | {[string]: #Group}
}
`
