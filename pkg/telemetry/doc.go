// Package telemetry provides logging, tracing, metrics and event publication
// for cascade runs.
//
// Structured logging uses zerolog, traces use OpenTelemetry (stdout or OTLP
// exporters) and metrics use a dedicated Prometheus registry. The Observer
// type plugs all of them into the orchestrator:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch := engine.NewOrchestrator(provisioner, engine.WithObserver(tel.Observer()))
//
// A run produces one "run.apply" span with a "group.provision" child per
// provisioned group. Events published through the EventPublisher keep their
// publication order for every subscriber, which lets a run store persist the
// timeline as it happens.
//
// Metrics are exposed by Metrics.ServeMetrics together with a /healthz
// endpoint; `cascade watch` serves them for the lifetime of the process.
package telemetry
