package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RunReport is the outcome of one orchestration run, returned to the caller.
type RunReport struct {
	RunID      string        `json:"run_id"`
	State      RunState      `json:"state"`
	Reason     FailureReason `json:"reason,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	// Order is the topological order over all declared groups.
	Order []string `json:"order"`

	// Groups holds one result per declared group, in Order.
	Groups []GroupResult `json:"groups"`

	// Error is the run-level error message, if the run failed.
	Error string `json:"error,omitempty"`
	// ErrorCode is the EngineError code of the run-level error.
	ErrorCode string `json:"error_code,omitempty"`

	err error
}

// GroupResult is the per-group entry of a RunReport.
type GroupResult struct {
	Group          string            `json:"group"`
	Enabled        bool              `json:"enabled"`
	Status         GroupStatus       `json:"status"`
	Reason         SkipReason        `json:"reason,omitempty"`
	Provisioner    string            `json:"provisioner,omitempty"`
	Attempts       int               `json:"attempts,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	ResolvedInputs ResolvedInputs    `json:"resolved_inputs,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Outputs        map[string]any    `json:"outputs,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Duration returns how long the provisioner call took, if it ran.
func (r *GroupResult) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// Err returns the run-level error, if any.
func (r *RunReport) Err() error {
	return r.err
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Result returns the entry for the named group.
func (r *RunReport) Result(group string) (*GroupResult, bool) {
	for i := range r.Groups {
		if r.Groups[i].Group == group {
			return &r.Groups[i], true
		}
	}
	return nil, false
}

// Succeeded reports whether the run completed.
func (r *RunReport) Succeeded() bool {
	return r.State == RunStateCompleted
}

// StatusCounts summarises group outcomes.
type StatusCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// Counts returns the number of groups per status.
func (r *RunReport) Counts() StatusCounts {
	c := StatusCounts{Total: len(r.Groups)}
	for i := range r.Groups {
		switch r.Groups[i].Status {
		case GroupStatusSucceeded:
			c.Succeeded++
		case GroupStatusFailed:
			c.Failed++
		case GroupStatusSkipped:
			c.Skipped++
		default:
			c.Pending++
		}
	}
	return c
}

// Fingerprint hashes the parts of the report that must be identical across
// repeated runs of identical configuration: order, statuses, reasons,
// resolved inputs and outputs. Timestamps and run IDs are excluded.
func (r *RunReport) Fingerprint() string {
	type entry struct {
		Group   string         `json:"g"`
		Status  GroupStatus    `json:"s"`
		Reason  SkipReason     `json:"r"`
		Inputs  ResolvedInputs `json:"i"`
		Outputs map[string]any `json:"o"`
	}
	view := struct {
		State  RunState      `json:"state"`
		Reason FailureReason `json:"reason"`
		Order  []string      `json:"order"`
		Groups []entry       `json:"groups"`
	}{State: r.State, Reason: r.Reason, Order: r.Order}

	for i := range r.Groups {
		g := &r.Groups[i]
		view.Groups = append(view.Groups, entry{g.Group, g.Status, g.Reason, g.ResolvedInputs, g.Outputs})
	}

	// encoding/json sorts map keys, which keeps the hash independent of map order
	data, err := json.Marshal(view)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
