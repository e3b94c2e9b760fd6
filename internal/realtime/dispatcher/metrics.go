package dispatcher

import (
	"context"
	"time"

	"realtime/internal/realtime"
	"realtime/internal/realtime/metrics"
)

// OtherTopic labels dispatch metrics for topics without an access rule.
const OtherTopic = "other"

// MetricsDispatcher wraps a realtime.Dispatcher with metrics collection.
type MetricsDispatcher struct {
	dispatcher realtime.Dispatcher
	registry   *metrics.Registry
	classified func(topic string) bool
}

// NewMetricsDispatcher creates a new instrumented dispatcher. Topics for which
// classified returns false are recorded as OtherTopic so that client supplied
// event types cannot grow the label set; a nil classified records every topic
// that way.
func NewMetricsDispatcher(dispatcher realtime.Dispatcher, registry *metrics.Registry, classified func(topic string) bool) realtime.Dispatcher {
	if classified == nil {
		classified = func(string) bool { return false }
	}

	return &MetricsDispatcher{
		dispatcher: dispatcher,
		registry:   registry,
		classified: classified,
	}
}

// Dispatch implements realtime.Dispatcher.Dispatch with metrics collection.
func (d *MetricsDispatcher) Dispatch(ctx context.Context, event realtime.Event) (realtime.DispatchResult, error) {
	start := time.Now()

	result, err := d.dispatcher.Dispatch(ctx, event)
	duration := time.Since(start)

	d.registry.RecordDispatch(d.topicLabel(event.Topic), result, duration, err)

	return result, err
}

func (d *MetricsDispatcher) topicLabel(topic string) string {
	if d.classified(topic) {
		return topic
	}
	return OtherTopic
}
