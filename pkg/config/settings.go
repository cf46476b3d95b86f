package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. CASCADE_STATE_DB.
const EnvPrefix = "CASCADE"

// Settings are the CLI settings read from cascade.yaml, CASCADE_* variables
// and flags, in increasing precedence.
type Settings struct {
	// Stack is the default stack path.
	Stack string `mapstructure:"stack"`

	// StateDB is the SQLite run history path. Empty disables history.
	StateDB string `mapstructure:"state_db"`

	// PolicyDirs hold extra .rego policies.
	PolicyDirs []string       `mapstructure:"policy_dirs"`
	Policies   PolicySettings `mapstructure:"policies"`

	Concurrency  int             `mapstructure:"concurrency" validate:"gte=0,lte=64"`
	GroupTimeout time.Duration   `mapstructure:"group_timeout" validate:"gte=0"`
	Retry        RetrySettings   `mapstructure:"retry"`
	Archive      ArchiveSettings `mapstructure:"archive"`

	Provisioners ProvisionerSettings `mapstructure:"provisioners"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// RetrySettings override the stack's retry policy when MaxAttempts is set.
type RetrySettings struct {
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=0,lte=20"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" validate:"omitempty,gte=1"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" validate:"gte=0"`
}

// PolicySettings tune the policy engine. Policies toggled with
// `cascade policies enable|disable` override Disabled.
type PolicySettings struct {
	// Disabled names policies that are not evaluated.
	Disabled []string `mapstructure:"disabled"`

	// Params are exposed to policies as data.cascade.params.<key>.
	Params map[string]any `mapstructure:"params"`
}

// ArchiveSettings configure the S3 report archive. Empty Bucket disables it.
type ArchiveSettings struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"`
	PathStyle bool   `mapstructure:"path_style"`
}

// ProvisionerSettings map provisioner kinds to backends. A group's
// provisioner field names a kind; groups without one use Default.
type ProvisionerSettings struct {
	Default string `mapstructure:"default"`

	// Scripts maps kinds to Starlark files defining apply(group, inputs, tags).
	Scripts map[string]string `mapstructure:"scripts"`

	// WASM maps kinds to WebAssembly modules exporting provision.
	WASM map[string]string `mapstructure:"wasm"`

	// Remote maps kinds to commands run over SSH.
	Remote map[string]RemoteSettings `mapstructure:"remote" validate:"dive"`
}

// RemoteSettings configure one SSH provisioner.
type RemoteSettings struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"omitempty,gt=0,lte=65535"`
	User            string        `mapstructure:"user" validate:"required"`
	Auth            string        `mapstructure:"auth" validate:"omitempty,oneof=password key agent"`
	Password        string        `mapstructure:"password"`
	PrivateKey      string        `mapstructure:"private_key"`
	Passphrase      string        `mapstructure:"passphrase"`
	KnownHosts      string        `mapstructure:"known_hosts"`
	InsecureHostKey bool          `mapstructure:"insecure_host_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Command         string        `mapstructure:"command" validate:"required"`
	WorkDir         string        `mapstructure:"work_dir"`
	KeepFiles       bool          `mapstructure:"keep_files"`
}

// Kinds returns every configured kind, sorted, including Default.
func (p ProvisionerSettings) Kinds() []string {
	seen := map[string]bool{}
	if p.Default != "" {
		seen[p.Default] = true
	}
	for k := range p.Scripts {
		seen[k] = true
	}
	for k := range p.WASM {
		seen[k] = true
	}
	for k := range p.Remote {
		seen[k] = true
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultSettings returns settings with telemetry defaults and a local
// history database.
func DefaultSettings() *Settings {
	return &Settings{
		Stack:     "stack.cue",
		StateDB:   ".cascade/state.db",
		Archive:   ArchiveSettings{Prefix: "cascade"},
		Provisioners: ProvisionerSettings{
			Default: "static",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// NewViper returns a viper instance reading path, or cascade.yaml from the
// working directory and $HOME/.config/cascade when path is empty.
func NewViper(path string) *viper.Viper {
	v := viper.New()

	defaults := DefaultSettings()
	v.SetDefault("stack", defaults.Stack)
	v.SetDefault("state_db", defaults.StateDB)
	v.SetDefault("policy_dirs", []string{})
	v.SetDefault("policies.disabled", []string{})
	v.SetDefault("concurrency", 0)
	v.SetDefault("group_timeout", time.Duration(0))
	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", defaults.Archive.Prefix)
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("provisioners.default", defaults.Provisioners.Default)
	v.SetDefault("telemetry.environment", defaults.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", defaults.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", defaults.Telemetry.Logging.Format)
	v.SetDefault("telemetry.tracing.enabled", defaults.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", defaults.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", "")
	v.SetDefault("telemetry.metrics.listen_address", defaults.Telemetry.Metrics.ListenAddress)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cascade")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/cascade")
	}
	return v
}

// LoadSettings reads the config file, if any, and decodes the merged view.
// A missing default config file is not an error; a missing explicit one is.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
	}

	settings := DefaultSettings()
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks field constraints and the telemetry section.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry settings: %w", err)
	}
	return nil
}

// Override returns rs with every non-zero setting applied on top.
func (s *Settings) Override(rs RunSettings) RunSettings {
	if s.Concurrency > 0 {
		rs.Concurrency = s.Concurrency
	}
	if s.GroupTimeout > 0 {
		rs.GroupTimeout = s.GroupTimeout
	}
	if s.Retry.MaxAttempts > 0 {
		rs.Retry = engine.RetryPolicy{
			MaxAttempts:     s.Retry.MaxAttempts,
			InitialInterval: s.Retry.InitialInterval,
			MaxInterval:     s.Retry.MaxInterval,
			Multiplier:      s.Retry.Multiplier,
			MaxElapsedTime:  s.Retry.MaxElapsedTime,
		}
	}
	return rs
}
