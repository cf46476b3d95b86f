package engine

import (
	"context"
	"time"
)

// Provisioner applies one resource group against an external backend
// (cloud API, cluster API, script, or a test double). It is the only
// blocking collaborator of a run. Implementations must honour ctx and
// should be idempotent: a succeeded group is re-applied on every run.
type Provisioner interface {
	Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error)
}

// ProvisionerFunc adapts a function to the Provisioner interface.
type ProvisionerFunc func(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error)

// Apply calls f.
func (f ProvisionerFunc) Apply(ctx context.Context, group string, inputs map[string]any, tags map[string]string) (map[string]any, error) {
	return f(ctx, group, inputs, tags)
}

// ProvisionRequest is the static view of what a group will be applied with,
// used for policy evaluation during planning. References are shown by
// source instead of value because upstream outputs do not exist yet.
type ProvisionRequest struct {
	Group       string            `json:"group"`
	Provisioner string            `json:"provisioner,omitempty"`
	Inputs      map[string]any    `json:"inputs"`
	References  map[string]string `json:"references,omitempty"`
	Tags        map[string]string `json:"tags"`
}

// PolicyEvaluator checks provision requests against guardrail policies.
type PolicyEvaluator interface {
	EvaluateRequests(ctx context.Context, requests []ProvisionRequest) (*PolicyResult, error)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed indicates if the run may proceed.
	Allowed bool `json:"allowed"`

	// Violations lists policy violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policy warnings.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the policy name that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity (info, warning, error, critical).
	Severity string `json:"severity"`

	// Group is the resource group that violated the policy, if applicable.
	Group string `json:"group,omitempty"`
}

// ReportSink persists finished run reports (run history, archives).
// Sink failures are logged and never change the outcome of a run.
type ReportSink interface {
	SaveReport(ctx context.Context, report *RunReport) error
}

// Event is a single entry in a run timeline.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Group     string         `json:"group,omitempty"`
	State     RunState       `json:"state,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// Observer receives run lifecycle callbacks for logging, metrics, tracing
// and event publication. Callbacks may be invoked concurrently for sibling
// groups and must not block for long.
type Observer interface {
	// RunStarted may return a derived context (e.g. carrying a span).
	RunStarted(ctx context.Context, runID string, groups int) context.Context
	RunFinished(ctx context.Context, report *RunReport)
	GroupStarted(ctx context.Context, runID, group string) context.Context
	GroupFinished(ctx context.Context, runID string, result *GroupResult)
	Event(ctx context.Context, event *Event)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) RunStarted(ctx context.Context, _ string, _ int) context.Context { return ctx }
func (NopObserver) RunFinished(context.Context, *RunReport)                         {}
func (NopObserver) GroupStarted(ctx context.Context, _, _ string) context.Context   { return ctx }
func (NopObserver) GroupFinished(context.Context, string, *GroupResult)             {}
func (NopObserver) Event(context.Context, *Event)                                   {}
