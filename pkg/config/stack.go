package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cascade/pkg/engine"
)

// Keys of an object-form input.
const (
	keyRef      = "ref"
	keyFallback = "fallback"
	keyDefault  = "default"
	keyLiteral  = "literal"
)

// Loader reads stack documents in any supported format and converts them to
// engine types.
type Loader struct {
	logger   zerolog.Logger
	cue      *CUEParser
	starlark *StarlarkEvaluator
	validate *validator.Validate
	now      func() time.Time
}

// NewLoader creates a stack loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "stack-loader").Logger(),
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(DefaultStarlarkTimeout),
		validate: validator.New(),
		now:      time.Now,
	}
}

// DetectFormat returns the stack format for path. Directories are CUE
// packages; .json files are read as YAML.
func DetectFormat(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".star":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("unsupported stack file type: %s", path)
	}
}

// Load reads and validates the stack at path. Every failure is a
// configuration error.
func (l *Loader) Load(ctx context.Context, path string) (*Stack, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to open stack", err)
	}

	var (
		doc   *Document
		files = []string{path}
	)
	switch {
	case format == FormatCUE && isDir(path):
		doc, files, err = l.cue.ParseDirectory(path)
	case format == FormatCUE:
		doc, err = l.cue.ParseFile(path)
	default:
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, engine.NewConfigurationError("failed to read stack", err)
		}
		doc, err = l.parseBytes(ctx, format, path, data)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid stack %s", path), err)
	}

	stack, err := l.Build(doc)
	if err != nil {
		return nil, err
	}
	stack.SourceFiles = files
	stack.Format = format

	l.logger.Debug().
		Str("path", path).
		Str("format", string(format)).
		Int("groups", len(stack.Groups)).
		Msg("Stack loaded")

	return stack, nil
}

// LoadBytes parses an in-memory document. name is used in error positions.
func (l *Loader) LoadBytes(ctx context.Context, format Format, name string, data []byte) (*Stack, error) {
	var (
		doc *Document
		err error
	)
	if format == FormatCUE {
		doc, err = l.cue.ParseInline(name, string(data))
	} else {
		doc, err = l.parseBytes(ctx, format, name, data)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid stack %s", name), err)
	}

	stack, err := l.Build(doc)
	if err != nil {
		return nil, err
	}
	stack.SourceFiles = []string{name}
	stack.Format = format
	return stack, nil
}

func (l *Loader) parseBytes(ctx context.Context, format Format, name string, data []byte) (*Document, error) {
	switch format {
	case FormatYAML:
		return parseYAML(l.cue.Schemas(), name, data)
	case FormatStarlark:
		return parseStarlark(ctx, l.starlark, l.cue.Schemas(), name, string(data))
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// Build validates a decoded document and converts it to a Stack. All
// problems are collected before returning.
func (l *Loader) Build(doc *Document) (*Stack, error) {
	var errs *multierror.Error

	if err := l.validate.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = multierror.Append(errs, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	stack := &Stack{
		Name: doc.Name,
		Policy: engine.PolicyDefaults{
			Tags: doc.Policy.Tags,
			Encryption: engine.EncryptionPolicy{
				Enabled:  doc.Policy.Encryption.Enabled,
				KMSKeyID: doc.Policy.Encryption.KMSKeyID,
			},
			Naming: engine.NamingPolicy{
				Prefix:    doc.Policy.Naming.Prefix,
				Separator: doc.Policy.Naming.Separator,
			},
			Inputs: doc.Policy.Inputs,
		},
		Guardrails: Guardrails{
			RequiredTags:      doc.Policy.RequiredTags,
			RequireEncryption: doc.Policy.Encryption.Required,
		},
		Groups:   make([]engine.ResourceGroup, 0, len(doc.Groups)),
		LoadedAt: l.now(),
	}

	settings, err := parseSettings(doc.Settings)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	stack.Settings = settings

	for _, gc := range doc.Groups {
		group, err := buildGroup(gc)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		stack.Groups = append(stack.Groups, group)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, engine.NewConfigurationError("invalid stack", err).WithCode(engine.ErrCodeValidation)
	}
	return stack, nil
}

func buildGroup(gc GroupConfig) (engine.ResourceGroup, error) {
	group := engine.ResourceGroup{
		Name:        gc.Name,
		Enabled:     gc.Enabled == nil || *gc.Enabled,
		Tags:        gc.Tags,
		Provisioner: gc.Provisioner,
		Description: gc.Description,
	}

	var errs *multierror.Error
	if gc.Timeout != "" {
		d, err := time.ParseDuration(gc.Timeout)
		if err != nil || d <= 0 {
			errs = multierror.Append(errs, ValidationError{Path: "groups." + gc.Name + ".timeout", Message: fmt.Sprintf("invalid duration %q", gc.Timeout)})
		}
		group.Timeout = d
	}

	for _, in := range gc.Inputs {
		binding, err := ParseBinding(in.Value)
		if err != nil {
			errs = multierror.Append(errs, ValidationError{Path: "groups." + gc.Name + ".inputs." + in.Name, Message: err.Error()})
			continue
		}
		group.Inputs = append(group.Inputs, engine.Input{Name: in.Name, Binding: binding})
	}

	return group, errs.ErrorOrNil()
}

// ParseBinding converts a raw input value into a binding. Scalars and lists
// are literals. Objects must be {ref, fallback?, default?} or {literal}.
func ParseBinding(v interface{}) (engine.Binding, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return engine.Literal(v), nil
	}

	if lit, ok := obj[keyLiteral]; ok {
		if len(obj) != 1 {
			return engine.Binding{}, fmt.Errorf("literal binding must not have other keys")
		}
		return engine.Literal(lit), nil
	}

	raw, ok := obj[keyRef]
	if !ok {
		return engine.Binding{}, fmt.Errorf("object input needs a %q or %q key; wrap map literals in {literal: ...}", keyRef, keyLiteral)
	}
	for k := range obj {
		if k != keyRef && k != keyFallback && k != keyDefault {
			return engine.Binding{}, fmt.Errorf("unknown binding key %q", k)
		}
	}

	target, ok := raw.(string)
	if !ok {
		return engine.Binding{}, fmt.Errorf("ref must be a string of the form group.output")
	}
	group, output, found := strings.Cut(target, ".")
	if !found || group == "" || output == "" {
		return engine.Binding{}, fmt.Errorf("ref %q must have the form group.output", target)
	}

	binding := engine.Ref(group, output)
	if fallback, ok := obj[keyFallback]; ok {
		binding = engine.RefOr(group, output, fallback)
	}
	if d, ok := obj[keyDefault]; ok {
		kind, ok := d.(string)
		if !ok {
			return engine.Binding{}, fmt.Errorf("default must be one of string, list, map, number, bool")
		}
		binding = binding.WithDefault(engine.ZeroKind(kind))
	}

	return binding, binding.Validate()
}

func parseSettings(sc SettingsConfig) (RunSettings, error) {
	var errs *multierror.Error
	parse := func(path, s string) time.Duration {
		if s == "" {
			return 0
		}
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			errs = multierror.Append(errs, ValidationError{Path: path, Message: fmt.Sprintf("invalid duration %q", s)})
		}
		return d
	}

	rs := RunSettings{
		Concurrency:  sc.Concurrency,
		GroupTimeout: parse("settings.group_timeout", sc.GroupTimeout),
		Retry: engine.RetryPolicy{
			MaxAttempts:     sc.Retry.MaxAttempts,
			InitialInterval: parse("settings.retry.initial_interval", sc.Retry.InitialInterval),
			MaxInterval:     parse("settings.retry.max_interval", sc.Retry.MaxInterval),
			Multiplier:      sc.Retry.Multiplier,
			MaxElapsedTime:  parse("settings.retry.max_elapsed_time", sc.Retry.MaxElapsedTime),
		},
	}
	return rs, errs.ErrorOrNil()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
