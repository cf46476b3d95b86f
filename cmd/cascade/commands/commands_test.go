package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/cascade/pkg/engine"
)

const testStack = `
name: shop
policy:
  tags:
    ManagedBy: cascade
groups:
  - name: network
    inputs:
      cidr: 10.0.0.0/16
  - name: cache
    enabled: false
    inputs:
      vpc: {ref: network.cidr}
  - name: web
    inputs:
      vpc: {ref: network.cidr}
      cache_host: {ref: cache.host, fallback: localhost}
`

const testScript = `
def apply(group, inputs, tags):
    return {"id": group + "-42", "vpc": inputs["vpc"], "managed_by": tags["ManagedBy"]}
`

type testEnv struct {
	dir      string
	settings string
	stack    string
}

func newTestEnv(t *testing.T, stack string, extraSettings string) *testEnv {
	t.Helper()
	dir := t.TempDir()

	env := &testEnv{
		dir:      dir,
		settings: filepath.Join(dir, "cascade.yaml"),
		stack:    filepath.Join(dir, "stack.yaml"),
	}

	settings := `
state_db: ` + filepath.Join(dir, "state.db") + `
telemetry:
  logging:
    level: error
  metrics:
    enabled: false
` + extraSettings

	if err := os.WriteFile(env.settings, []byte(settings), 0o600); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}
	if err := os.WriteFile(env.stack, []byte(stack), 0o600); err != nil {
		t.Fatalf("failed to write stack: %v", err)
	}
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", e.settings}, args...)
	err := Execute(context.Background(), BuildInfo{Version: "test"}, args, &stdout, &stderr)
	return stdout.String(), err
}

func TestApply_DryRun(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	out, err := env.run(t, "apply", env.stack, "--dry-run", "--json")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	var report engine.RunReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, out)
	}
	if report.State != engine.RunStateCompleted {
		t.Fatalf("expected completed run, got %s (%s)", report.State, report.Error)
	}

	web, ok := report.Result("web")
	if !ok {
		t.Fatal("web result missing")
	}
	if web.Outputs["vpc"] != "10.0.0.0/16" {
		t.Errorf("expected vpc to resolve from network, got %v", web.Outputs["vpc"])
	}
	if web.Outputs["cache_host"] != "localhost" {
		t.Errorf("expected cache_host fallback, got %v", web.Outputs["cache_host"])
	}
	if web.Outputs["id"] != "web-dry-run" {
		t.Errorf("unexpected id %v", web.Outputs["id"])
	}

	cache, _ := report.Result("cache")
	if cache.Status != engine.GroupStatusSkipped {
		t.Errorf("expected cache to be skipped, got %s", cache.Status)
	}
}

func TestApply_ScriptProvisioner(t *testing.T) {
	stack := `
name: shop
policy:
  tags:
    ManagedBy: cascade
groups:
  - name: network
    inputs:
      cidr: 10.0.0.0/16
  - name: web
    provisioner: tagger
    inputs:
      vpc: {ref: network.cidr}
`
	scriptPath := filepath.Join(t.TempDir(), "tagger.star")
	if err := os.WriteFile(scriptPath, []byte(testScript), 0o600); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	env := newTestEnv(t, stack, `
provisioners:
  scripts:
    tagger: `+scriptPath+`
`)

	out, err := env.run(t, "apply", env.stack)
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("expected completed run in output:\n%s", out)
	}

	out, err = env.run(t, "runs", "list", "--json")
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	var runs []struct {
		ID    string `json:"id"`
		Stack string `json:"stack"`
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("failed to decode runs: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].Stack != "shop" || runs[0].State != string(engine.RunStateCompleted) {
		t.Fatalf("unexpected runs %+v", runs)
	}

	out, err = env.run(t, "runs", "show", runs[0].ID, "--json")
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	var shown struct {
		Report engine.RunReport `json:"report"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("failed to decode run: %v\n%s", err, out)
	}
	web, ok := shown.Report.Result("web")
	if !ok {
		t.Fatal("web result missing from stored report")
	}
	if web.Outputs["id"] != "web-42" || web.Outputs["vpc"] != "10.0.0.0/16" || web.Outputs["managed_by"] != "cascade" {
		t.Errorf("unexpected web outputs %v", web.Outputs)
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		stack string
		args  []string
		want  int
	}{
		{
			name:  "valid stack",
			stack: testStack,
			args:  []string{"validate"},
			want:  engine.ExitCompleted,
		},
		{
			name: "unknown reference",
			stack: `
groups:
  - name: web
    inputs:
      vpc: {ref: network.cidr}
`,
			args: []string{"plan"},
			want: engine.ExitConfiguration,
		},
		{
			name: "cycle",
			stack: `
groups:
  - name: a
    inputs:
      x: {ref: b.x}
  - name: b
    inputs:
      x: {ref: a.x}
`,
			args: []string{"apply", "--dry-run"},
			want: engine.ExitConfiguration,
		},
		{
			name: "unknown provisioner",
			stack: `
groups:
  - name: web
    provisioner: terraform
`,
			args: []string{"plan"},
			want: engine.ExitConfiguration,
		},
		{
			name: "guardrail violation",
			stack: `
policy:
  required_tags: [Owner]
groups:
  - name: web
`,
			args: []string{"plan"},
			want: engine.ExitConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.stack, "")
			_, err := env.run(t, append(tt.args, env.stack)...)
			if got := ExitCode(err); got != tt.want {
				t.Errorf("expected exit code %d, got %d (err: %v)", tt.want, got, err)
			}
		})
	}
}

func TestApply_ProvisionerFailureExitCode(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "broken.star")
	if err := os.WriteFile(scriptPath, []byte(`
def apply(group, inputs, tags):
    fail("quota exceeded")
`), 0o600); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	env := newTestEnv(t, `
groups:
  - name: db
    provisioner: broken
  - name: app
    inputs:
      db: {ref: db.id}
`, `
provisioners:
  scripts:
    broken: `+scriptPath+`
`)

	out, err := env.run(t, "apply", env.stack, "--json")
	if got := ExitCode(err); got != engine.ExitProvisioning {
		t.Fatalf("expected exit code %d, got %d (err: %v)", engine.ExitProvisioning, got, err)
	}

	var report engine.RunReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode report: %v\n%s", err, out)
	}
	if report.State != engine.RunStateFailed {
		t.Errorf("expected failed run, got %s", report.State)
	}
	if app, _ := report.Result("app"); app.Status != engine.GroupStatusSkipped || app.Reason != engine.SkipUpstreamFailed {
		t.Errorf("expected app to be skipped as upstream_failed, got %s/%s", app.Status, app.Reason)
	}
}

func TestPlan_JSON(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	out, err := env.run(t, "plan", env.stack, "--json")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	var view struct {
		Stack        string            `json:"stack"`
		Apply        []string          `json:"apply"`
		Skipped      []string          `json:"skipped"`
		Provisioners map[string]string `json:"provisioners"`
	}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("failed to decode plan: %v\n%s", err, out)
	}
	if strings.Join(view.Apply, ",") != "network,web" {
		t.Errorf("unexpected apply order %v", view.Apply)
	}
	if strings.Join(view.Skipped, ",") != "cache" {
		t.Errorf("unexpected skipped %v", view.Skipped)
	}
	if view.Provisioners["web"] != "static" {
		t.Errorf("expected static provisioner for web, got %q", view.Provisioners["web"])
	}
}

func TestPlan_Human(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	out, err := env.run(t, "plan", env.stack)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	for _, want := range []string{"Plan for shop", "network", "after ", "disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestGraph(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	out, err := env.run(t, "graph", env.stack)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") {
		t.Errorf("expected DOT output, got:\n%s", out)
	}
	if !strings.Contains(out, `"network" -> "web"`) {
		t.Errorf("expected network -> web edge:\n%s", out)
	}
}

func TestRunsShow_RequiresID(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	_, err := env.run(t, "runs", "show")
	if !engine.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	out, err := env.run(t, "version", "--json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var info BuildInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("failed to decode version: %v", err)
	}
	if info.Version != "test" {
		t.Errorf("unexpected version %q", info.Version)
	}
}

func TestRuns_LastDeleteAudit(t *testing.T) {
	env := newTestEnv(t, testStack, "")

	if _, err := env.run(t, "apply", env.stack, "--dry-run"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	out, err := env.run(t, "runs", "list", "--json")
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	var runs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %s (%v)", out, err)
	}
	runID := runs[0].ID

	out, err = env.run(t, "runs", "last", "network", "--json")
	if err != nil {
		t.Fatalf("runs last failed: %v", err)
	}
	var last struct {
		RunID   string         `json:"run_id"`
		Group   string         `json:"group"`
		Outputs map[string]any `json:"outputs"`
	}
	if err := json.Unmarshal([]byte(out), &last); err != nil {
		t.Fatalf("failed to decode last result: %v\n%s", err, out)
	}
	if last.RunID != runID || last.Group != "network" || last.Outputs["cidr"] != "10.0.0.0/16" {
		t.Errorf("unexpected last result %+v", last)
	}

	if _, err := env.run(t, "runs", "last", "cache"); ExitCode(err) != engine.ExitConfiguration {
		t.Errorf("expected configuration error for a group that never succeeded, got %v", err)
	}

	if _, err := env.run(t, "runs", "delete", runID); err != nil {
		t.Fatalf("runs delete failed: %v", err)
	}
	if _, err := env.run(t, "runs", "delete", runID); ExitCode(err) != engine.ExitConfiguration {
		t.Errorf("expected configuration error for unknown run, got %v", err)
	}

	out, err = env.run(t, "runs", "list", "--json")
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected no runs after delete, got %s", out)
	}

	out, err = env.run(t, "runs", "audit", "--action", "run.deleted", "--json")
	if err != nil {
		t.Fatalf("runs audit failed: %v", err)
	}
	var entries []struct {
		Action   string `json:"action"`
		TargetID string `json:"target_id"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("failed to decode audit: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].TargetID != runID {
		t.Errorf("unexpected audit entries %+v", entries)
	}
}

func TestPolicies_ToggleAppliesToLaterPlans(t *testing.T) {
	env := newTestEnv(t, `
policy:
  required_tags: [Owner]
groups:
  - name: web
`, "")

	if _, err := env.run(t, "plan", env.stack); ExitCode(err) != engine.ExitConfiguration {
		t.Fatalf("expected guardrail to deny the plan, got %v", err)
	}

	if _, err := env.run(t, "policies", "disable", "required-tags"); err != nil {
		t.Fatalf("policies disable failed: %v", err)
	}
	if _, err := env.run(t, "plan", env.stack); err != nil {
		t.Fatalf("expected plan to pass with required-tags disabled, got %v", err)
	}

	out, err := env.run(t, "policies", "list", "--json")
	if err != nil {
		t.Fatalf("policies list failed: %v", err)
	}
	var rows []policyRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("failed to decode policies: %v\n%s", err, out)
	}
	states := map[string]bool{}
	for _, r := range rows {
		states[r.Name] = r.Enabled
	}
	if states["required-tags"] || !states["group-naming"] {
		t.Errorf("unexpected policy states %v", states)
	}

	if _, err := env.run(t, "policies", "enable", "required-tags"); err != nil {
		t.Fatalf("policies enable failed: %v", err)
	}
	if _, err := env.run(t, "plan", env.stack); ExitCode(err) != engine.ExitConfiguration {
		t.Errorf("expected re-enabled guardrail to deny the plan, got %v", err)
	}

	if _, err := env.run(t, "policies", "disable", "no-such-policy"); ExitCode(err) != engine.ExitConfiguration {
		t.Errorf("expected configuration error for unknown policy, got %v", err)
	}

	out, err = env.run(t, "runs", "audit", "--json")
	if err != nil {
		t.Fatalf("runs audit failed: %v", err)
	}
	var entries []struct {
		Action   string `json:"action"`
		TargetID string `json:"target_id"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("failed to decode audit: %v\n%s", err, out)
	}
	if len(entries) != 2 || entries[0].Action != "policy.enabled" || entries[1].Action != "policy.disabled" {
		t.Errorf("unexpected audit entries %+v", entries)
	}
}

func TestPolicies_SettingsDisableAndShow(t *testing.T) {
	policyDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(policyDir, "owner.rego"), []byte(`package cascade.custom.owner

import rego.v1

# Groups must name an owner

deny contains {"message": "no owner"} if {
	not input.request.tags.Owner
}
`), 0o600); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	env := newTestEnv(t, testStack, `
policy_dirs: [`+policyDir+`]
policies:
  disabled: [group-naming]
`)

	out, err := env.run(t, "policies", "show", "owner", "--json")
	if err != nil {
		t.Fatalf("policies show failed: %v", err)
	}
	var shown struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     bool   `json:"enabled"`
		Rego        string `json:"rego"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("failed to decode policy: %v\n%s", err, out)
	}
	if shown.Description != "Groups must name an owner" || !shown.Enabled || !strings.Contains(shown.Rego, "no owner") {
		t.Errorf("unexpected policy %+v", shown)
	}

	out, err = env.run(t, "policies", "list")
	if err != nil {
		t.Fatalf("policies list failed: %v", err)
	}
	for _, want := range []string{"group-naming", "disabled", "owner", "built-in"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := env.run(t, "policies", "show", "missing"); ExitCode(err) != engine.ExitConfiguration {
		t.Errorf("expected configuration error for unknown policy, got %v", err)
	}
}
