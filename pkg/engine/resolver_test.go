package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustGraph(t *testing.T, groups ...ResourceGroup) *DependencyGraph {
	t.Helper()
	g, err := BuildGraph(groups)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return g
}

func TestOutputTable_RecordOnce(t *testing.T) {
	table := NewOutputTable()
	if err := table.Record("network", map[string]any{"vpc_id": "vpc-1"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	err := table.Record("network", map[string]any{"vpc_id": "vpc-2"})
	if err == nil {
		t.Fatal("Expected second write to fail")
	}
	if ErrorCode(err) != ErrCodeInternal {
		t.Errorf("Expected code %s, got %s", ErrCodeInternal, ErrorCode(err))
	}

	out, ok := table.Lookup("network")
	if !ok || out["vpc_id"] != "vpc-1" {
		t.Errorf("Expected first write to be kept, got %v", out)
	}
}

func TestOutputTable_IsolatesCallers(t *testing.T) {
	table := NewOutputTable()
	src := map[string]any{"subnets": []any{"a", "b"}}
	if err := table.Record("network", src); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	src["subnets"].([]any)[0] = "mutated"

	out, _ := table.Lookup("network")
	out["subnets"].([]any)[1] = "mutated"

	again, _ := table.Lookup("network")
	if diff := cmp.Diff([]any{"a", "b"}, again["subnets"]); diff != "" {
		t.Errorf("Recorded slot was mutated (-want +got):\n%s", diff)
	}
}

func TestOutputResolver_Resolve(t *testing.T) {
	g := mustGraph(t,
		group("network", true),
		group("database", false),
		group("cluster", true,
			in("cidr", Literal("10.0.0.0/16")),
			in("vpc", Ref("network", "vpc_id")),
			in("db", RefOr("database", "endpoint", "sqlite://local")),
			in("db_port", Ref("database", "port").WithDefault(ZeroNumber)),
			in("zone", RefOr("network", "zone", "eu-west-1a")),
			in("peers", Ref("network", "peers").WithDefault(ZeroList)),
		),
	)

	table := NewOutputTable()
	if err := table.Record("network", map[string]any{"vpc_id": "vpc-123"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	cluster, _ := g.Group("cluster")
	got, err := NewOutputResolver(g, table).Resolve(cluster)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := ResolvedInputs{
		{Name: "cidr", Value: "10.0.0.0/16", Provenance: ProvenanceLiteral},
		{Name: "vpc", Value: "vpc-123", Provenance: ProvenanceOutput, Source: "network.vpc_id"},
		{Name: "db", Value: "sqlite://local", Provenance: ProvenanceFallback, Source: "database.endpoint"},
		{Name: "db_port", Value: 0, Provenance: ProvenanceZero, Source: "database.port"},
		{Name: "zone", Value: "eu-west-1a", Provenance: ProvenanceFallback, Source: "network.zone"},
		{Name: "peers", Value: []any{}, Provenance: ProvenanceZero, Source: "network.peers"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestOutputResolver_DisabledSourceNeverFails(t *testing.T) {
	g := mustGraph(t,
		group("cluster", false),
		group("monitoring", true, in("cluster", Ref("cluster", "cluster_name"))),
	)

	monitoring, _ := g.Group("monitoring")
	got, err := NewOutputResolver(g, NewOutputTable()).Resolve(monitoring)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got[0].Value != nil || got[0].Provenance != ProvenanceZero {
		t.Errorf("Expected nil zero value, got %+v", got[0])
	}
}

func TestOutputResolver_ForwardReference(t *testing.T) {
	g := mustGraph(t,
		group("network", true),
		group("cluster", true, in("vpc", Ref("network", "vpc_id"))),
	)

	cluster, _ := g.Group("cluster")
	_, err := NewOutputResolver(g, NewOutputTable()).Resolve(cluster)
	if err == nil {
		t.Fatal("Expected forward reference error")
	}
	if !IsConfigurationError(err) || ErrorCode(err) != ErrCodeForwardReference {
		t.Errorf("Expected FORWARD_REFERENCE configuration error, got %v", err)
	}
}

func TestOutputResolver_CheckOrder(t *testing.T) {
	g := mustGraph(t,
		group("cluster", true, in("vpc", Ref("network", "vpc_id"))),
		group("network", true),
	)
	r := NewOutputResolver(g, NewOutputTable())

	for _, name := range g.Order() {
		grp, _ := g.Group(name)
		if err := r.CheckOrder(grp); err != nil {
			t.Errorf("CheckOrder(%s) failed: %v", name, err)
		}
	}
}
