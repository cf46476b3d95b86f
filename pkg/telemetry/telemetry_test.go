package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/cascade/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "empty service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: "service name"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("orchestrator").WithRunID("run-1").WithGroup("network").Info("applied")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component": "orchestrator",
		"run_id":    "run-1",
		"group":     "network",
		"message":   "applied",
		"level":     "info",
	} {
		if line[key] != want {
			t.Errorf("Expected %s=%s, got %v", key, want, line[key])
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Log("warning", "shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("Info message logged at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Warning message not logged")
	}
}

func TestLogger_Context(t *testing.T) {
	logger := NopLogger().WithRunID("run-1")
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("Expected fallback logger")
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	// no-ops must not panic
	m.RecordRunStarted()
	m.RecordRunFinished("completed", "", time.Second)
	m.RecordGroup("", "succeeded", "", time.Second)
	m.RecordRetry("network")
	m.RecordError("provisioning", "TIMEOUT")
	m.RecordPolicyViolation("required-tags", "error")
	if m.Registry() != nil {
		t.Error("Expected nil registry when disabled")
	}
}

type spanRecorder struct {
	exporter *tracetest.InMemoryExporter
	tracer   *Tracer
}

func newSpanRecorder() *spanRecorder {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return &spanRecorder{exporter: exporter, tracer: NewTracerFromProvider(provider, "test")}
}

func TestObserver_FailedRun(t *testing.T) {
	metrics, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	rec := newSpanRecorder()

	var (
		mu     sync.Mutex
		events []engine.EventType
	)
	publisher, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	publisher.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type)
	}, nil)

	var logs bytes.Buffer
	observer := NewObserver(NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &logs), rec.tracer, metrics, publisher)

	attempts := 0
	prov := engine.ProvisionerFunc(func(_ context.Context, group string, _ map[string]any, _ map[string]string) (map[string]any, error) {
		if group == "cluster" {
			attempts++
			if attempts == 1 {
				return nil, engine.NewThrottledError("rate limited", nil)
			}
			return nil, errors.New("quota exceeded")
		}
		return map[string]any{"id": group}, nil
	})

	orch := engine.NewOrchestrator(prov,
		engine.WithObserver(observer),
		engine.WithRetry(engine.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}),
	)
	_, err = orch.Apply(context.Background(), []engine.ResourceGroup{
		{Name: "network", Enabled: true},
		{Name: "cluster", Enabled: true, Inputs: []engine.Input{{Name: "vpc", Binding: engine.Ref("network", "id")}}},
		{Name: "monitoring", Enabled: true, Inputs: []engine.Input{{Name: "c", Binding: engine.Ref("cluster", "id")}}},
	})
	if err == nil {
		t.Fatal("Expected run to fail")
	}

	if got := testutil.ToFloat64(metrics.runsFinished.WithLabelValues("failed", "Provisioning")); got != 1 {
		t.Errorf("Expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.groupsFinished.WithLabelValues("skipped", "upstream_failed")); got != 1 {
		t.Errorf("Expected 1 upstream_failed skip, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.groupRetries.WithLabelValues("cluster")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.errorsByCode.WithLabelValues(engine.ErrCodeProvisionerFailed)); got != 1 {
		t.Errorf("Expected 1 PROVISIONER_FAILED error, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.activeRuns); got != 0 {
		t.Errorf("Expected no active runs, got %v", got)
	}

	spans := rec.exporter.GetSpans()
	names := make(map[string]int)
	for _, s := range spans {
		names[s.Name]++
	}
	if names["run.apply"] != 1 || names["group.provision"] != 2 {
		t.Errorf("Unexpected spans: %v", names)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0] != engine.EventTypeRunStarted || events[len(events)-1] != engine.EventTypeRunFailed {
		t.Errorf("Unexpected event order: %v", events)
	}

	if !strings.Contains(logs.String(), `"group":"cluster"`) {
		t.Errorf("Expected group scoped log lines, got:\n%s", logs.String())
	}
}

func TestEventPublisher_AsyncPreservesOrder(t *testing.T) {
	publisher, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 64})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	publisher.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Group)
	}, FilterByRunID("run-1"))

	for _, g := range []string{"a", "b", "c", "d"} {
		if err := publisher.Publish(engine.Event{RunID: "run-1", Group: g, Type: engine.EventTypeGroupStarted}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = publisher.Publish(engine.Event{RunID: "run-2", Group: "other"})

	if err := publisher.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "a,b,c,d" {
		t.Errorf("Expected ordered delivery, got %v", got)
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	publisher, _ := NewEventPublisher(EventsConfig{Enabled: true})
	publisher.AddFilter(FilterByLevel(EventLevelWarning))

	count := 0
	publisher.Subscribe(func(engine.Event) { count++ }, FilterByGroup("db"))

	_ = publisher.Publish(engine.Event{Type: engine.EventTypeGroupStarted, Group: "db"})
	_ = publisher.Publish(engine.Event{Type: engine.EventTypeGroupFailed, Group: "db"})
	_ = publisher.Publish(engine.Event{Type: engine.EventTypeGroupFailed, Group: "network"})

	if count != 1 {
		t.Errorf("Expected 1 delivered event, got %d", count)
	}
}
