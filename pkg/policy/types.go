package policy

import (
	"time"

	"github.com/openfroyo/cascade/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
	// SeverityWarning is reported but does not block a run.
	SeverityWarning Severity = "warning"
	// SeverityError blocks a run.
	SeverityError Severity = "error"
	// SeverityCritical blocks a run.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a single Rego guardrail. The module must define a deny set whose
// members are objects with at least a "message" key; an optional "severity"
// key overrides the policy severity per violation.
type Policy struct {
	// Name is the unique policy identifier.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags categorize the policy.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document a policy sees as `input`.
type Input struct {
	Request engine.ProvisionRequest `json:"request"`
	Context Context                 `json:"context"`
}

// Context describes the run the request belongs to.
type Context struct {
	Operation   string    `json:"operation"`
	Environment string    `json:"environment,omitempty"`
	Groups      []string  `json:"groups"`
	Timestamp   time.Time `json:"timestamp"`
}
