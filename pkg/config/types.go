package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/cascade/pkg/engine"
)

// Format identifies a stack document syntax.
type Format string

const (
	FormatCUE      Format = "cue"
	FormatYAML     Format = "yaml"
	FormatStarlark Format = "starlark"
)

// Document is the decoded stack document before it is converted to engine
// types. All three formats decode into it.
type Document struct {
	// Name identifies the stack in reports.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Policy is the uniform policy layer.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Settings tune the orchestrator.
	Settings SettingsConfig `json:"settings" yaml:"settings"`

	// Groups in declaration order.
	Groups []GroupConfig `json:"groups" yaml:"groups" validate:"dive"`
}

// PolicyConfig mirrors engine.PolicyDefaults plus the guardrail parameters
// consumed by the policy engine.
type PolicyConfig struct {
	Tags         map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	RequiredTags []string          `json:"required_tags,omitempty" yaml:"required_tags,omitempty" validate:"dive,required"`
	Encryption   EncryptionConfig  `json:"encryption" yaml:"encryption"`
	Naming       NamingConfig      `json:"naming" yaml:"naming"`
	Inputs       map[string]any    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// EncryptionConfig configures encryption defaults. Required turns on the
// encryption-at-rest guardrail.
type EncryptionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Required bool   `json:"required" yaml:"required"`
	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`
}

// NamingConfig configures the Name tag.
type NamingConfig struct {
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty" validate:"max=3"`
}

// SettingsConfig holds orchestrator settings as written in the document.
// Durations are Go duration strings.
type SettingsConfig struct {
	Concurrency  int         `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0,lte=64"`
	GroupTimeout string      `json:"group_timeout,omitempty" yaml:"group_timeout,omitempty"`
	Retry        RetryConfig `json:"retry" yaml:"retry"`
}

// RetryConfig holds the provisioner retry policy.
type RetryConfig struct {
	MaxAttempts     int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"gte=0,lte=20"`
	InitialInterval string  `json:"initial_interval,omitempty" yaml:"initial_interval,omitempty"`
	MaxInterval     string  `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty" validate:"omitempty,gte=1"`
	MaxElapsedTime  string  `json:"max_elapsed_time,omitempty" yaml:"max_elapsed_time,omitempty"`
}

// GroupConfig is one group as written in the document. Inputs are decoded
// separately to keep their declaration order.
type GroupConfig struct {
	Name        string            `json:"name" yaml:"name" validate:"required,max=128"`
	Enabled     *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Provisioner string            `json:"provisioner,omitempty" yaml:"provisioner,omitempty"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Inputs      []InputConfig     `json:"-" yaml:"-"`
}

// InputConfig is a raw input value: a scalar literal or a binding object.
type InputConfig struct {
	Name  string
	Value any
}

// Stack is a loaded, validated stack ready for the orchestrator.
type Stack struct {
	// Name identifies the stack.
	Name string `json:"name,omitempty"`

	// Groups in declaration order.
	Groups []engine.ResourceGroup `json:"groups"`

	// Policy is the defaults layer merged into every request.
	Policy engine.PolicyDefaults `json:"policy"`

	// Guardrails are the policy engine parameters.
	Guardrails Guardrails `json:"guardrails"`

	// Settings are the orchestrator settings.
	Settings RunSettings `json:"settings"`

	// SourceFiles are the files the stack was read from.
	SourceFiles []string `json:"source_files"`

	// Format is the syntax the stack was written in.
	Format Format `json:"format"`

	// LoadedAt is when the stack was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Guardrails are the parameters passed to the policy engine.
type Guardrails struct {
	RequiredTags      []string `json:"required_tags,omitempty"`
	RequireEncryption bool     `json:"require_encryption"`
}

// RunSettings are parsed orchestrator settings. Zero values mean the
// orchestrator default.
type RunSettings struct {
	Concurrency  int                `json:"concurrency,omitempty"`
	GroupTimeout time.Duration      `json:"group_timeout,omitempty"`
	Retry        engine.RetryPolicy `json:"retry"`
}

// Options converts the settings to orchestrator options.
func (s RunSettings) Options() []engine.Option {
	var opts []engine.Option
	if s.Concurrency > 0 {
		opts = append(opts, engine.WithConcurrency(s.Concurrency))
	}
	if s.GroupTimeout > 0 {
		opts = append(opts, engine.WithGroupTimeout(s.GroupTimeout))
	}
	if s.Retry.MaxAttempts > 0 {
		opts = append(opts, engine.WithRetry(s.Retry))
	}
	return opts
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "groups.network.inputs").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements error.
func (ve ValidationError) Error() string {
	loc := ve.File
	if ve.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", ve.File, ve.Line, ve.Column)
	}
	switch {
	case loc != "" && ve.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, ve.Path, ve.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, ve.Message)
	case ve.Path != "":
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	default:
		return ve.Message
	}
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output holds the exported globals, or the function's return value
	// under "result" for Call.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Printed collects print() output.
	Printed []string `json:"printed,omitempty"`
}
