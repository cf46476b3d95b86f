package policy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const ownerPolicy = `package cascade.custom.owner

import rego.v1

# Every group needs an Owner tag

deny contains violation if {
	not input.request.tags.Owner
	violation := {"message": sprintf("group %s has no owner", [input.request.group])}
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func loadOne(t *testing.T, path string) Policy {
	t.Helper()
	policies, err := NewSource(zerolog.Nop(), path).Load(context.Background())
	if err != nil {
		t.Fatalf("Failed to load %s: %v", path, err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy from %s, got %d", path, len(policies))
	}
	return policies[0]
}

func names(policies []Policy) []string {
	out := make([]string, len(policies))
	for i, p := range policies {
		out[i] = p.Name
	}
	sort.Strings(out)
	return out
}

func TestSource_Rego(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner.rego")
	writeFile(t, path, ownerPolicy)

	policy := loadOne(t, path)
	if policy.Name != "owner" {
		t.Errorf("Expected name 'owner', got '%s'", policy.Name)
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policy.Severity)
	}
	if policy.Description != "Every group needs an Owner tag" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.UpdatedAt.IsZero() {
		t.Error("Expected modification time")
	}
}

func TestSource_JSONPolicy(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantName    string
		wantEnabled bool
		wantSev     Severity
	}{
		{
			name:        "name from file",
			content:     `{"rego": "package x", "severity": "critical"}`,
			wantName:    "owner",
			wantEnabled: true,
			wantSev:     SeverityCritical,
		},
		{
			name:        "explicit name and disabled",
			content:     `{"name": "owner-tag", "rego": "package x", "enabled": false}`,
			wantName:    "owner-tag",
			wantEnabled: false,
			wantSev:     SeverityWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "owner.json")
			writeFile(t, path, tt.content)

			policy := loadOne(t, path)
			if policy.Name != tt.wantName {
				t.Errorf("Expected name %q, got %q", tt.wantName, policy.Name)
			}
			if policy.Enabled != tt.wantEnabled {
				t.Errorf("Expected enabled=%v, got %v", tt.wantEnabled, policy.Enabled)
			}
			if policy.Severity != tt.wantSev {
				t.Errorf("Expected severity %s, got %s", tt.wantSev, policy.Severity)
			}
		})
	}
}

func TestSource_JSONBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.json")
	writeFile(t, path, `{
  "name": "platform",
  "version": "1.2.0",
  "policies": [
    {"name": "owner", "rego": "package a", "severity": "error"},
    {"name": "cost", "rego": "package b", "enabled": false}
  ]
}`)

	policies, err := NewSource(zerolog.Nop(), path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := strings.Join(names(policies), ","); got != "cost,owner" {
		t.Fatalf("Unexpected policies %s", got)
	}
	for _, p := range policies {
		if strings.Join(p.Tags, ",") != "bundle:platform,bundle-version:1.2.0" {
			t.Errorf("Unexpected tags on %s: %v", p.Name, p.Tags)
		}
		if p.Source != path {
			t.Errorf("Expected source %s, got %s", path, p.Source)
		}
	}
	if policies[0].Severity != SeverityError || !policies[0].Enabled {
		t.Errorf("Unexpected owner policy %+v", policies[0])
	}
	if policies[1].Enabled {
		t.Error("Expected cost to be disabled")
	}
}

func TestSource_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "invalid json", file: "bad.json", content: "{not json"},
		{name: "unsupported type", file: "notes.txt", content: "hello"},
		{name: "unnamed bundle policy", file: "bundle.json", content: `{"policies": [{"rego": "package x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := NewSource(zerolog.Nop(), path).Load(context.Background()); err == nil {
				t.Error("Expected load to fail")
			}
		})
	}

	if _, err := NewSource(zerolog.Nop(), filepath.Join(dir, "missing")).Load(context.Background()); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestSource_DirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owner.rego"), ownerPolicy)
	writeFile(t, filepath.Join(dir, "nested", "cost.rego"), strings.Replace(ownerPolicy, "owner", "cost", 1))
	writeFile(t, filepath.Join(dir, "nested", "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := NewSource(zerolog.Nop(), dir).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := strings.Join(names(policies), ","); got != "cost,owner" {
		t.Fatalf("Expected cost,owner, got %s", got)
	}
}

func TestRegoDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "leading comments", content: "# Checks owners\n# on every group\npackage x\n", want: "Checks owners on every group"},
		{name: "after package", content: ownerPolicy, want: "Every group needs an Owner tag"},
		{name: "none", content: "package x\n", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := regoDescription(tt.content); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestWatcher_Relevant(t *testing.T) {
	dir := t.TempDir()
	single := filepath.Join(t.TempDir(), "owner.rego")

	w := NewWatcher(NewSource(zerolog.Nop(), dir, single), time.Millisecond)
	w.roots = []string{filepath.Clean(dir)}
	w.files[filepath.Clean(single)] = true

	tests := []struct {
		name string
		path string
		want bool
	}{
		{name: "rego under root", path: filepath.Join(dir, "a.rego"), want: true},
		{name: "json in nested dir", path: filepath.Join(dir, "nested", "b.json"), want: true},
		{name: "editor swap file", path: filepath.Join(dir, ".a.rego.swp"), want: false},
		{name: "named file", path: single, want: true},
		{name: "sibling of named file", path: filepath.Join(filepath.Dir(single), "other.rego"), want: false},
		{name: "outside roots", path: filepath.Join(filepath.Dir(dir), "c.rego"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.relevant(tt.path); got != tt.want {
				t.Errorf("relevant(%s) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWatcher_DebouncesReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owner.rego"), ownerPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 8)
	w := NewWatcher(NewSource(zerolog.Nop(), dir), 100*time.Millisecond)
	err := w.Start(ctx, func(policies []Policy, err error) {
		if err != nil {
			t.Errorf("Unexpected reload error: %v", err)
		}
		reloaded <- policies
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A burst of writes settles into one reload.
	writeFile(t, filepath.Join(dir, "cost.rego"), strings.Replace(ownerPolicy, "owner", "cost", 1))
	writeFile(t, filepath.Join(dir, "nested", "tier.rego"), strings.Replace(ownerPolicy, "owner", "tier", 1))
	writeFile(t, filepath.Join(dir, "nested", "tier.rego"), strings.Replace(ownerPolicy, "owner", "tier", 1))

	var got []Policy
	select {
	case got = <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	select {
	case extra := <-reloaded:
		got = extra
	case <-time.After(300 * time.Millisecond):
	}
	if n := len(got); n != 3 {
		t.Errorf("Expected 3 policies after reload, got %d (%v)", n, names(got))
	}
}

func TestWatcher_MissingPath(t *testing.T) {
	w := NewWatcher(NewSource(zerolog.Nop(), filepath.Join(t.TempDir(), "missing")), 0)
	if err := w.Start(context.Background(), func([]Policy, error) {}); err == nil {
		t.Fatal("Expected error for missing path")
	}
	if w.debounce != DefaultDebounce {
		t.Errorf("Expected default debounce, got %s", w.debounce)
	}
}
