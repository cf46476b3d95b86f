package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeTags(t *testing.T) {
	tests := []struct {
		name  string
		base  map[string]string
		group map[string]string
		want  map[string]string
	}{
		{
			name: "nil maps",
			want: map[string]string{},
		},
		{
			name: "base only",
			base: map[string]string{"Environment": "prod"},
			want: map[string]string{"Environment": "prod"},
		},
		{
			name:  "group overrides base",
			base:  map[string]string{"Environment": "prod", "ManagedBy": "cascade"},
			group: map[string]string{"Environment": "staging", "Team": "data"},
			want:  map[string]string{"Environment": "staging", "ManagedBy": "cascade", "Team": "data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeTags(tt.base, tt.group)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("MergeTags mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeTags_OverridePrecedence(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2", "c": "3"}
	override := map[string]string{"b": "x", "d": "y"}

	merged := MergeTags(base, override)
	for k, v := range merged {
		if ov, ok := override[k]; ok {
			if v != ov {
				t.Errorf("merged[%s] = %s, want override %s", k, v, ov)
			}
		} else if v != base[k] {
			t.Errorf("merged[%s] = %s, want base %s", k, v, base[k])
		}
	}

	merged["a"] = "changed"
	if base["a"] != "1" {
		t.Error("MergeTags result aliases the base map")
	}
}

func TestPolicyDefaults_EffectiveTags(t *testing.T) {
	p := PolicyDefaults{
		Tags:   map[string]string{"Environment": "prod", "ManagedBy": "cascade"},
		Naming: NamingPolicy{Prefix: "acme"},
	}

	g := &ResourceGroup{Name: "cluster", Tags: map[string]string{"Environment": "dev"}}
	want := map[string]string{"Environment": "dev", "ManagedBy": "cascade", "Name": "acme-cluster"}
	if diff := cmp.Diff(want, p.EffectiveTags(g)); diff != "" {
		t.Errorf("EffectiveTags mismatch (-want +got):\n%s", diff)
	}

	named := &ResourceGroup{Name: "db", Tags: map[string]string{"Name": "primary"}}
	if got := p.EffectiveTags(named)["Name"]; got != "primary" {
		t.Errorf("Expected group Name tag to win, got %s", got)
	}
}

func TestPolicyDefaults_DefaultInputs(t *testing.T) {
	p := PolicyDefaults{
		Encryption: EncryptionPolicy{Enabled: true, KMSKeyID: "alias/cascade"},
		Inputs:     map[string]any{"region": "eu-west-1"},
	}

	g := &ResourceGroup{Name: "db", Inputs: []Input{{Name: "region", Binding: Literal("us-east-1")}}}
	want := ResolvedInputs{
		{Name: InputEncrypted, Value: true, Provenance: ProvenancePolicy},
		{Name: InputKMSKeyID, Value: "alias/cascade", Provenance: ProvenancePolicy},
	}
	if diff := cmp.Diff(want, p.DefaultInputs(g)); diff != "" {
		t.Errorf("DefaultInputs mismatch (-want +got):\n%s", diff)
	}
}
