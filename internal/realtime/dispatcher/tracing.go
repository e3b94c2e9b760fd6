package dispatcher

import (
	"context"

	"go.opentelemetry.io/otel/codes"

	"realtime/internal/realtime"
	"realtime/internal/realtime/tracing"
)

// TracedDispatcher wraps a realtime.Dispatcher with distributed tracing.
// Layer order: TracedDispatcher -> MetricsDispatcher -> Dispatcher.
type TracedDispatcher struct {
	dispatcher realtime.Dispatcher
	tracer     *tracing.Tracer
}

// NewTracedDispatcher creates a new traced dispatcher that wraps a metrics dispatcher.
func NewTracedDispatcher(dispatcher realtime.Dispatcher, tracer *tracing.Tracer) realtime.Dispatcher {
	return &TracedDispatcher{
		dispatcher: dispatcher,
		tracer:     tracer,
	}
}

// Dispatch implements realtime.Dispatcher.Dispatch with distributed tracing.
func (d *TracedDispatcher) Dispatch(ctx context.Context, event realtime.Event) (realtime.DispatchResult, error) {
	ctx, span := d.tracer.StartSpan(ctx, "dispatcher.dispatch")
	defer span.End()

	span.SetAttributes(d.tracer.EventAttributes(event)...)

	result, err := d.dispatcher.Dispatch(ctx, event)

	if err != nil {
		d.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(d.tracer.ResultAttributes(result)...)
	}

	span.SetAttributes(d.tracer.ErrorAttributes(err)...)

	return result, err
}
