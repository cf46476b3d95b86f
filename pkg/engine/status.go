package engine

import (
	"encoding/json"
	"fmt"
)

// RunState is the orchestration state machine position of a run.
type RunState string

const (
	// RunStatePending indicates the run has been created but not started.
	RunStatePending RunState = "pending"

	// RunStateValidating indicates the dependency graph is being built.
	RunStateValidating RunState = "validating"

	// RunStatePlanning indicates the application order is being computed
	// and disabled groups are being marked skipped.
	RunStatePlanning RunState = "planning"

	// RunStateApplying indicates enabled groups are being provisioned.
	RunStateApplying RunState = "applying"

	// RunStateCompleted indicates every enabled group succeeded.
	RunStateCompleted RunState = "completed"

	// RunStateFailed indicates the run stopped on a configuration,
	// provisioning or cancellation error.
	RunStateFailed RunState = "failed"
)

// IsTerminal returns true if the run state represents a final state.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// IsActive returns true if the run is currently active.
func (s RunState) IsActive() bool {
	return s == RunStateValidating || s == RunStatePlanning || s == RunStateApplying
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStatePending, RunStateValidating, RunStatePlanning,
		RunStateApplying, RunStateCompleted, RunStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// canTransition reports whether the state machine allows from -> to.
func canTransition(from, to RunState) bool {
	switch from {
	case RunStatePending:
		return to == RunStateValidating
	case RunStateValidating:
		return to == RunStatePlanning || to == RunStateFailed
	case RunStatePlanning:
		return to == RunStateApplying || to == RunStateCompleted || to == RunStateFailed
	case RunStateApplying:
		return to == RunStateApplying || to == RunStateCompleted || to == RunStateFailed
	default:
		return false
	}
}

// FailureReason explains why a run ended in RunStateFailed.
type FailureReason string

const (
	ReasonNone          FailureReason = ""
	ReasonConfiguration FailureReason = "Configuration"
	ReasonProvisioning  FailureReason = "Provisioning"
	ReasonCancelled     FailureReason = "Cancelled"
)

// reasonFor maps a run error onto its failure reason.
func reasonFor(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonNone
	case IsConfigurationError(err):
		return ReasonConfiguration
	case IsCancellationError(err):
		return ReasonCancelled
	default:
		return ReasonProvisioning
	}
}

// GroupStatus is the per-group outcome recorded in a RunReport.
type GroupStatus string

const (
	// GroupStatusPending indicates the group has not been reached yet.
	GroupStatusPending GroupStatus = "pending"

	// GroupStatusSkipped indicates the group was disabled or never attempted.
	GroupStatusSkipped GroupStatus = "skipped"

	// GroupStatusSucceeded indicates the provisioner returned outputs.
	GroupStatusSucceeded GroupStatus = "succeeded"

	// GroupStatusFailed indicates the provisioner returned an error.
	GroupStatusFailed GroupStatus = "failed"
)

// IsTerminal returns true if the group status is final.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupStatusSkipped || s == GroupStatusSucceeded || s == GroupStatusFailed
}

// Validate checks if the group status is valid.
func (s GroupStatus) Validate() error {
	switch s {
	case GroupStatusPending, GroupStatusSkipped, GroupStatusSucceeded, GroupStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid group status: %s", s)
	}
}

// SkipReason records why a group was not applied.
type SkipReason string

const (
	SkipDisabled       SkipReason = "disabled"
	SkipUpstreamFailed SkipReason = "upstream_failed"
	SkipCancelled      SkipReason = "cancelled"
	SkipNotReached     SkipReason = "not_reached"
)

// EventType represents the type of event in the run timeline.
type EventType string

const (
	EventTypeRunStarted     EventType = "run_started"
	EventTypeStateChanged   EventType = "state_changed"
	EventTypeRunCompleted   EventType = "run_completed"
	EventTypeRunFailed      EventType = "run_failed"
	EventTypeGroupStarted   EventType = "group_started"
	EventTypeGroupSucceeded EventType = "group_succeeded"
	EventTypeGroupFailed    EventType = "group_failed"
	EventTypeGroupSkipped   EventType = "group_skipped"
	EventTypeGroupRetrying  EventType = "group_retrying"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeGroupFailed:
		return "error"
	case EventTypeGroupRetrying:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s GroupStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *GroupStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = GroupStatus(str)
	return s.Validate()
}
