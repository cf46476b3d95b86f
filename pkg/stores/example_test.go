package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/cascade/pkg/engine"
	"github.com/openfroyo/cascade/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Open(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Sink demonstrates recording orchestrator runs under a
// stack name.
func ExampleSQLiteStore_Sink() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Open(ctx)
	defer store.Close()

	orch := engine.NewOrchestrator(
		engine.ProvisionerFunc(func(_ context.Context, group string, _ map[string]any, _ map[string]string) (map[string]any, error) {
			return map[string]any{"id": group + "-1"}, nil
		}),
		engine.WithReportSink(store.Sink("payments")),
		engine.WithRunIDGenerator(func() string { return "run-001" }),
	)

	_, err := orch.Apply(ctx, []engine.ResourceGroup{{Name: "network", Enabled: true}})
	if err != nil {
		log.Fatal(err)
	}

	runs, _ := store.ListRuns(ctx, stores.RunFilter{Stack: "payments"})
	for _, run := range runs {
		fmt.Printf("%s %s %d/%d\n", run.ID, run.State, run.Counts.Succeeded, run.Counts.Total)
	}
	// Output: run-001 completed 1/1
}

// ExampleSQLiteStore_AppendEvent demonstrates recording run timeline events.
func ExampleSQLiteStore_AppendEvent() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Open(ctx)
	defer store.Close()

	_, _ = store.AppendEvent(ctx, &engine.Event{
		ID:        "evt-001",
		Type:      engine.EventTypeGroupFailed,
		RunID:     "run-001",
		Group:     "database",
		Message:   "quota exceeded",
		Timestamp: time.Now(),
	})

	events, _ := store.GetEvents(ctx, "run-001", nil, 10, 0)
	for _, e := range events {
		fmt.Printf("%s [%s] %s\n", e.Type, e.Level, e.Message)
	}
	// Output: group_failed [error] quota exceeded
}
