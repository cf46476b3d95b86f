package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/cascade/pkg/engine"
)

// Observer implements engine.Observer on top of the logger, tracer, metrics
// and event publisher. Any component may be nil.
type Observer struct {
	logger  *Logger
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer.
func NewObserver(logger *Logger, tracer *Tracer, metrics *Metrics, events *EventPublisher) *Observer {
	if logger == nil {
		logger = NopLogger()
	}
	return &Observer{
		logger:  logger.NewComponentLogger("orchestrator"),
		tracer:  tracer,
		metrics: metrics,
		events:  events,
		spans:   make(map[string]trace.Span),
	}
}

func spanKey(runID, group string) string {
	return runID + "/" + group
}

// RunStarted opens the run span.
func (o *Observer) RunStarted(ctx context.Context, runID string, groups int) context.Context {
	if o.metrics != nil {
		o.metrics.RecordRunStarted()
	}
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartRunSpan(ctx, runID, groups)
		o.storeSpan(spanKey(runID, ""), span)
	}
	o.logger.WithRunID(runID).Infof("Starting run with %d groups", groups)
	return ctx
}

// RunFinished closes the run span and records run metrics.
func (o *Observer) RunFinished(_ context.Context, report *engine.RunReport) {
	counts := report.Counts()
	log := o.logger.WithRunID(report.RunID).WithFields(map[string]interface{}{
		"state":     string(report.State),
		"succeeded": counts.Succeeded,
		"failed":    counts.Failed,
		"skipped":   counts.Skipped,
		"duration":  report.Duration().String(),
	})

	if report.Err() != nil {
		log.WithError(report.Err()).Errorf("Run failed (%s)", report.Reason)
	} else {
		log.Info("Run completed")
	}

	if o.metrics != nil {
		o.metrics.RecordRunFinished(string(report.State), string(report.Reason), report.Duration())
		if err := report.Err(); err != nil {
			o.metrics.RecordError(string(engine.ErrorClassOf(err)), engine.ErrorCode(err))
		}
	}

	if span := o.takeSpan(spanKey(report.RunID, "")); span != nil {
		span.SetAttributes(
			AttrRunState.String(string(report.State)),
			AttrRunReason.String(string(report.Reason)),
		)
		if err := report.Err(); err != nil {
			span.SetAttributes(
				AttrErrorClass.String(string(engine.ErrorClassOf(err))),
				AttrErrorCode.String(engine.ErrorCode(err)),
			)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}
}

// GroupStarted opens a group span as a child of the run span.
func (o *Observer) GroupStarted(ctx context.Context, runID, group string) context.Context {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartGroupSpan(ctx, runID, group)
		o.storeSpan(spanKey(runID, group), span)
	}
	o.logger.WithRunID(runID).WithGroup(group).Debug("Applying group")
	return ctx
}

// GroupFinished closes the group span and records the outcome.
func (o *Observer) GroupFinished(_ context.Context, runID string, result *engine.GroupResult) {
	log := o.logger.WithRunID(runID).WithGroup(result.Group)
	switch result.Status {
	case engine.GroupStatusSucceeded:
		log.WithField("attempts", result.Attempts).Infof("Group succeeded in %s", result.Duration())
	case engine.GroupStatusFailed:
		log.Errorf("Group failed: %s", result.Error)
	case engine.GroupStatusSkipped:
		log.Infof("Group skipped (%s)", result.Reason)
	}

	if o.metrics != nil {
		o.metrics.RecordGroup(result.Provisioner, string(result.Status), string(result.Reason), result.Duration())
	}

	if span := o.takeSpan(spanKey(runID, result.Group)); span != nil {
		span.SetAttributes(
			AttrGroupStatus.String(string(result.Status)),
			AttrProvisioner.String(result.Provisioner),
			AttrAttempts.Int(result.Attempts),
		)
		if result.Status == engine.GroupStatusFailed {
			span.SetStatus(codes.Error, result.Error)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}
}

// Event forwards timeline events to the publisher and counts retries.
func (o *Observer) Event(_ context.Context, event *engine.Event) {
	if event.Type == engine.EventTypeGroupRetrying {
		o.logger.WithRunID(event.RunID).WithGroup(event.Group).Warn(event.Message)
		if o.metrics != nil {
			o.metrics.RecordRetry(event.Group)
		}
	}
	if o.events != nil {
		if err := o.events.Publish(*event); err != nil {
			o.logger.WithError(err).Debug("Failed to publish event")
		}
	}
}

func (o *Observer) storeSpan(key string, span trace.Span) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spans[key] = span
}

func (o *Observer) takeSpan(key string) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	span, ok := o.spans[key]
	if !ok {
		return nil
	}
	delete(o.spans, key)
	return span
}
