package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/cascade/pkg/engine"
)

// ErrNotFound is returned when a run or entry does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the stored summary of a finished run. Report holds the full
// run report as it was returned to the caller.
type RunRecord struct {
	ID          string               `json:"id"`
	Stack       string               `json:"stack"`
	State       engine.RunState      `json:"state"`
	Reason      engine.FailureReason `json:"reason,omitempty"`
	Error       *string              `json:"error,omitempty"`
	ErrorCode   *string              `json:"error_code,omitempty"`
	Counts      engine.StatusCounts  `json:"counts"`
	Fingerprint string               `json:"fingerprint"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  *time.Time           `json:"finished_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`

	Report *engine.RunReport `json:"report,omitempty"`
}

// GroupRecord is one group outcome of a stored run.
type GroupRecord struct {
	RunID       string             `json:"run_id"`
	Position    int                `json:"position"`
	Group       string             `json:"group"`
	Enabled     bool               `json:"enabled"`
	Status      engine.GroupStatus `json:"status"`
	Reason      engine.SkipReason  `json:"reason,omitempty"`
	Provisioner string             `json:"provisioner,omitempty"`
	Attempts    int                `json:"attempts"`
	Error       *string            `json:"error,omitempty"`
	Outputs     *string            `json:"outputs,omitempty"` // JSON blob
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
}

// EventRecord is a stored run timeline entry.
type EventRecord struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"event_id"`
	RunID     string           `json:"run_id"`
	Group     *string          `json:"group,omitempty"`
	Type      engine.EventType `json:"type"`
	State     *string          `json:"state,omitempty"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	Data      *string          `json:"data,omitempty"` // JSON blob
	Timestamp time.Time        `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "run.completed", "run.failed", "run.deleted"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // run ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	Stack  string
	State  engine.RunState
	Limit  int
	Offset int
}

// Store defines the interface for the run history layer
type Store interface {
	engine.ReportSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error
	ListGroupResults(ctx context.Context, runID string) ([]*GroupRecord, error)
	LastSucceeded(ctx context.Context, group string) (*GroupRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *engine.Event) (int64, error)
	GetEvents(ctx context.Context, runID string, group *string, limit, offset int) ([]*EventRecord, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Policy toggles
	SetPolicyState(ctx context.Context, name string, enabled bool) error
	PolicyStates(ctx context.Context) (map[string]bool, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
