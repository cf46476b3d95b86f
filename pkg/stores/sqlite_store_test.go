package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/cascade/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path:  ":memory:",
		Actor: "tester",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	ts := testStart.Add(offset)
	return &ts
}

func testReport(runID string, start time.Time) *engine.RunReport {
	return &engine.RunReport{
		RunID:      runID,
		State:      engine.RunStateFailed,
		Reason:     engine.ReasonProvisioning,
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Order:      []string{"network", "cluster", "database"},
		Groups: []engine.GroupResult{
			{
				Group:       "network",
				Enabled:     true,
				Status:      engine.GroupStatusSucceeded,
				Provisioner: "static",
				Attempts:    1,
				StartedAt:   at(0),
				FinishedAt:  at(10 * time.Second),
				Outputs:     map[string]any{"vpc_id": "vpc-1"},
			},
			{
				Group:  "cluster",
				Status: engine.GroupStatusSkipped,
				Reason: engine.SkipDisabled,
			},
			{
				Group:    "database",
				Enabled:  true,
				Status:   engine.GroupStatusFailed,
				Attempts: 3,
				Error:    "quota exceeded",
			},
		},
		Error:     "quota exceeded",
		ErrorCode: "PROVISIONER_FAILED",
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "nested", "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// migrating twice is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"runs", "group_results", "events", "audit", "policy_states"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-001", testStart)
	if err := store.Sink("payments").SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	run, err := store.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if run.Stack != "payments" || run.State != engine.RunStateFailed || run.Reason != engine.ReasonProvisioning {
		t.Errorf("unexpected run header %+v", run)
	}
	if run.Error == nil || *run.Error != "quota exceeded" {
		t.Errorf("expected error to be stored, got %v", run.Error)
	}
	want := engine.StatusCounts{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1}
	if run.Counts != want {
		t.Errorf("expected counts %+v, got %+v", want, run.Counts)
	}
	if run.Fingerprint != report.Fingerprint() {
		t.Error("fingerprint mismatch")
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(report.FinishedAt) {
		t.Errorf("unexpected finished_at %v", run.FinishedAt)
	}

	if run.Report == nil || run.Report.Fingerprint() != report.Fingerprint() {
		t.Fatal("stored report does not round trip")
	}
	if got := run.Report.Groups[0].Outputs["vpc_id"]; got != "vpc-1" {
		t.Errorf("expected vpc_id output, got %v", got)
	}

	groups, err := store.ListGroupResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list group results: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 group results, got %d", len(groups))
	}
	for i, name := range report.Order {
		if groups[i].Group != name || groups[i].Position != i {
			t.Errorf("group %d: expected %s, got %s at %d", i, name, groups[i].Group, groups[i].Position)
		}
	}
	if groups[1].Enabled || groups[1].Reason != engine.SkipDisabled {
		t.Errorf("unexpected skipped group %+v", groups[1])
	}
	if groups[0].Outputs == nil || *groups[0].Outputs != `{"vpc_id":"vpc-1"}` {
		t.Errorf("unexpected outputs %v", groups[0].Outputs)
	}
	if groups[2].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", groups[2].Attempts)
	}

	_, err = store.GetRun(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveReportReplaces(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	report := testReport("run-001", testStart)
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	report.Groups = report.Groups[:1]
	report.State = engine.RunStateCompleted
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to save report again: %v", err)
	}

	groups, err := store.ListGroupResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list group results: %v", err)
	}
	if len(groups) != 1 {
		t.Errorf("expected 1 group result after replace, got %d", len(groups))
	}

	runs, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].State != engine.RunStateCompleted {
		t.Errorf("unexpected runs %+v", runs)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		report := testReport(id, testStart.Add(time.Duration(i)*time.Hour))
		stack := "payments"
		if id == "run-b" {
			report.State = engine.RunStateCompleted
			stack = "search"
		}
		if err := store.Sink(stack).SaveReport(ctx, report); err != nil {
			t.Fatalf("failed to save %s: %v", id, err)
		}
	}

	tests := []struct {
		name   string
		filter RunFilter
		want   []string
	}{
		{name: "all newest first", filter: RunFilter{}, want: []string{"run-c", "run-b", "run-a"}},
		{name: "by stack", filter: RunFilter{Stack: "payments"}, want: []string{"run-c", "run-a"}},
		{name: "by state", filter: RunFilter{State: engine.RunStateCompleted}, want: []string{"run-b"}},
		{name: "limit", filter: RunFilter{Limit: 1}, want: []string{"run-c"}},
		{name: "offset", filter: RunFilter{Limit: 2, Offset: 2}, want: []string{"run-a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list runs: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("expected %d runs, got %d", len(tt.want), len(runs))
			}
			for i, id := range tt.want {
				if runs[i].ID != id {
					t.Errorf("run %d: expected %s, got %s", i, id, runs[i].ID)
				}
				if runs[i].Report != nil {
					t.Error("list should not decode reports")
				}
			}
		})
	}
}

func TestLastSucceeded(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	older := testReport("run-old", testStart)
	newer := testReport("run-new", testStart.Add(time.Hour))
	newer.Groups[0].FinishedAt = at(time.Hour)
	newer.Groups[0].Outputs = map[string]any{"vpc_id": "vpc-2"}

	for _, r := range []*engine.RunReport{older, newer} {
		if err := store.SaveReport(ctx, r); err != nil {
			t.Fatalf("failed to save %s: %v", r.RunID, err)
		}
	}

	g, err := store.LastSucceeded(ctx, "network")
	if err != nil {
		t.Fatalf("LastSucceeded failed: %v", err)
	}
	if g.RunID != "run-new" {
		t.Errorf("expected run-new, got %s", g.RunID)
	}

	if _, err := store.LastSucceeded(ctx, "database"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a group that never succeeded, got %v", err)
	}
}

// TestEventOperations tests event appending and querying
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []engine.Event{
		{ID: "e1", Type: engine.EventTypeRunStarted, RunID: "run-001", Message: "Run started", Timestamp: testStart},
		{ID: "e2", Type: engine.EventTypeGroupRetrying, RunID: "run-001", Group: "database", Message: "Retrying", Timestamp: testStart, Data: map[string]any{"backoff": "1s"}},
		{ID: "e3", Type: engine.EventTypeGroupFailed, RunID: "run-001", Group: "database", Message: "quota exceeded", Level: "error", Timestamp: testStart},
		{ID: "e4", Type: engine.EventTypeRunStarted, RunID: "run-002", Message: "Run started", Timestamp: testStart},
	}

	var last int64
	for i := range events {
		id, err := store.AppendEvent(ctx, &events[i])
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if id <= last {
			t.Errorf("expected increasing event IDs, got %d after %d", id, last)
		}
		last = id
	}

	all, err := store.GetEvents(ctx, "run-001", nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].EventID != "e1" || all[2].EventID != "e3" {
		t.Errorf("events out of order: %s .. %s", all[0].EventID, all[2].EventID)
	}
	if all[1].Level != "warning" {
		t.Errorf("expected level derived from type, got %s", all[1].Level)
	}
	if all[1].Data == nil || *all[1].Data != `{"backoff":"1s"}` {
		t.Errorf("unexpected data %v", all[1].Data)
	}
	if all[0].Group != nil {
		t.Errorf("expected run-level event without group, got %v", *all[0].Group)
	}

	group := "database"
	filtered, err := store.GetEvents(ctx, "run-001", &group, 1, 1)
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}
	if len(filtered) != 1 || filtered[0].EventID != "e3" {
		t.Errorf("unexpected filtered events %+v", filtered)
	}

	store.RecordEvent(engine.Event{ID: "e5", Type: engine.EventTypeRunCompleted, RunID: "run-002", Timestamp: testStart})
	run2, err := store.GetEvents(ctx, "run-002", nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(run2) != 2 {
		t.Errorf("expected RecordEvent to append, got %d events", len(run2))
	}
}

// TestAuditOperations tests audit entries written by the store and by callers
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveReport(ctx, testReport("run-001", testStart)); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	manual := &AuditEntry{Action: "policy.reloaded", Actor: "operator", Timestamp: testStart}
	if err := store.CreateAuditEntry(ctx, manual); err != nil {
		t.Fatalf("failed to create audit entry: %v", err)
	}
	if manual.ID == 0 {
		t.Error("expected audit entry ID to be set")
	}

	entries, err := store.ListAuditEntries(ctx, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	wantActions := []string{"policy.reloaded", "run.deleted", "run.failed"}
	for i, action := range wantActions {
		if entries[i].Action != action {
			t.Errorf("entry %d: expected %s, got %s", i, action, entries[i].Action)
		}
	}

	actor := "tester"
	byActor, err := store.ListAuditEntries(ctx, nil, &actor, 0, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries by actor: %v", err)
	}
	if len(byActor) != 2 {
		t.Errorf("expected 2 entries by tester, got %d", len(byActor))
	}
}

// TestCascadeDelete tests that deleting a run removes its group results and events
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveReport(ctx, testReport("run-001", testStart)); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}
	if _, err := store.AppendEvent(ctx, &engine.Event{ID: "e1", Type: engine.EventTypeRunStarted, RunID: "run-001", Timestamp: testStart}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	if err := store.DeleteRun(ctx, "run-001"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	groups, err := store.ListGroupResults(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to list group results: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected group results to be deleted, got %d", len(groups))
	}

	events, err := store.GetEvents(ctx, "run-001", nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events to be deleted, got %d", len(events))
	}

	if err := store.DeleteRun(ctx, "run-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPolicyStates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	states, err := store.PolicyStates(ctx)
	if err != nil {
		t.Fatalf("failed to list policy states: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no states, got %v", states)
	}

	if err := store.SetPolicyState(ctx, "group-naming", false); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}
	if err := store.SetPolicyState(ctx, "owner", false); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}
	if err := store.SetPolicyState(ctx, "group-naming", true); err != nil {
		t.Fatalf("failed to enable policy: %v", err)
	}

	states, err = store.PolicyStates(ctx)
	if err != nil {
		t.Fatalf("failed to list policy states: %v", err)
	}
	if len(states) != 2 || !states["group-naming"] || states["owner"] {
		t.Errorf("unexpected states %v", states)
	}

	action := "policy.disabled"
	entries, err := store.ListAuditEntries(ctx, &action, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 || *entries[0].TargetID != "owner" || entries[0].Actor != "tester" {
		t.Errorf("unexpected audit entries %+v", entries)
	}
}
