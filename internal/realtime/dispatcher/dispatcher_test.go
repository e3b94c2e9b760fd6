package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"realtime/internal/realtime"
	"realtime/internal/realtime/access"
	"realtime/internal/realtime/metrics"
	"realtime/internal/realtime/realtimetest"
	"realtime/internal/realtime/registry"
	"realtime/internal/realtime/tracing"
)

type fixture struct {
	reg        *registry.Registry
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	if config.SendTimeout == 0 {
		config.SendTimeout = time.Second
	}
	if config.Concurrency == 0 {
		config.Concurrency = 8
	}

	reg := registry.NewRegistry(registry.Config{})
	d, err := NewDispatcher(reg, access.NewFilter(access.PolicyDeny), zaptest.NewLogger(t), config)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	return &fixture{reg: reg, dispatcher: d}
}

func (f *fixture) admit(t *testing.T, userID string, role realtime.Role, topics ...string) (string, *realtimetest.Transport) {
	t.Helper()

	tr := realtimetest.NewTransport()
	id, err := f.reg.Admit(userID, role, tr, "")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	f.subscribe(id, topics...)

	return id, tr
}

func (f *fixture) subscribe(id string, topics ...string) {
	f.reg.Update(id, func(c *realtime.Connection) {
		for _, topic := range topics {
			c.Topics[topic] = struct{}{}
		}
	})
}

func TestNewDispatcherValidatesDeps(t *testing.T) {
	if _, err := NewDispatcher(registry.NewRegistry(registry.Config{}), nil, zaptest.NewLogger(t), Config{SendTimeout: time.Second, Concurrency: 1}); err == nil {
		t.Fatal("expected error for missing filter")
	}
}

func TestPaymentUpdateScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, a := f.admit(t, "u1", realtime.RoleBuyer, "payment_update")
	bID, b := f.admit(t, "u2", realtime.RoleDeveloper)

	event := realtime.NewEvent("payment_update", map[string]any{"buyerId": "u1"})

	res, err := f.dispatcher.Dispatch(ctx, event)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res != (realtime.DispatchResult{Attempted: 1, Delivered: 1}) {
		t.Errorf("unexpected result %+v", res)
	}
	if len(a.Frames()) != 1 {
		t.Errorf("buyer should receive own payment update, got %d frames", len(a.Frames()))
	}
	if len(b.Frames()) != 0 {
		t.Errorf("unsubscribed developer received %d frames", len(b.Frames()))
	}

	f.subscribe(bID, "payment_update")

	res, err = f.dispatcher.Dispatch(ctx, event)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Delivered != 2 {
		t.Errorf("expected 2 deliveries, got %+v", res)
	}
	if len(a.Frames()) != 2 || len(b.Frames()) != 1 {
		t.Errorf("expected a=2 b=1 frames, got a=%d b=%d", len(a.Frames()), len(b.Frames()))
	}

	msg := b.Messages()[0]
	if msg["type"] != "payment_update" {
		t.Errorf("unexpected frame type %v", msg["type"])
	}
	if data, _ := msg["data"].(map[string]any); data["buyerId"] != "u1" {
		t.Errorf("unexpected frame data %v", msg["data"])
	}
}

func TestTargetListOverridesSubscriptions(t *testing.T) {
	f := newFixture(t, Config{})

	_, a := f.admit(t, "u1", realtime.RoleBuyer, "notification")
	_, b := f.admit(t, "u2", realtime.RoleDeveloper)

	res, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent("notification", map[string]any{"title": "Offer accepted"}, "u2"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if res.Delivered != 1 {
		t.Errorf("expected exactly one delivery, got %+v", res)
	}
	if len(b.Frames()) != 1 {
		t.Error("targeted user should receive the event without a subscription")
	}
	if len(a.Frames()) != 0 {
		t.Error("subscribed non-target must not receive the event")
	}
}

func TestTopicIsolation(t *testing.T) {
	f := newFixture(t, Config{})

	_, listener := f.admit(t, "u1", realtime.RoleAdmin, "kyc_status")
	_, other := f.admit(t, "u2", realtime.RoleAdmin, "htb_claim_update")

	res, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent("kyc_status", map[string]any{"userId": "u9"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Attempted != 1 || len(listener.Frames()) != 1 {
		t.Errorf("expected one send to the subscribed admin, got %+v", res)
	}
	if len(other.Frames()) != 0 {
		t.Error("connection not subscribed to the topic was sent the event")
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	f := newFixture(t, Config{})

	const n = 5
	var healthy []*realtimetest.Transport
	for range n - 1 {
		_, tr := f.admit(t, "dev", realtime.RoleDeveloper, "payment_update")
		healthy = append(healthy, tr)
	}
	_, broken := f.admit(t, "dev-broken", realtime.RoleDeveloper, "payment_update")
	broken.SendErr = realtime.ErrTransportClosed

	res, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent("payment_update", map[string]any{"buyerId": "u1"}))
	if err != nil {
		t.Fatalf("a failed recipient must not fail the dispatch: %v", err)
	}

	if res.Attempted != n || res.Delivered != n-1 || res.Failed != 1 {
		t.Errorf("expected attempted=%d delivered=%d failed=1, got %+v", n, n-1, res)
	}
	for i, tr := range healthy {
		if len(tr.Frames()) != 1 {
			t.Errorf("healthy recipient %d got %d frames", i, len(tr.Frames()))
		}
	}
	if f.reg.Len() != n {
		t.Error("dispatcher must not remove connections")
	}
}

func TestSlowRecipientDoesNotStallOthers(t *testing.T) {
	f := newFixture(t, Config{SendTimeout: 50 * time.Millisecond, Concurrency: 4})

	_, stuck := f.admit(t, "u1", realtime.RoleAgent, "unit_availability")
	stuck.Block = make(chan struct{})
	t.Cleanup(func() { close(stuck.Block) })
	_, ok := f.admit(t, "u2", realtime.RoleAgent, "unit_availability")

	start := time.Now()
	res, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent("unit_availability", map[string]any{"unitId": "B4"}))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatch took %v, expected the send timeout to bound it", elapsed)
	}
	if res.Delivered != 1 || res.Failed != 1 {
		t.Errorf("expected one delivery and one timeout, got %+v", res)
	}
	if len(ok.Frames()) != 1 {
		t.Error("healthy recipient did not receive the event")
	}
}

type panickingTransport struct{}

func (panickingTransport) Send(context.Context, []byte) error { panic("boom") }
func (panickingTransport) Close(int, string) error            { return nil }

func TestPanickingTransportCountsAsFailure(t *testing.T) {
	f := newFixture(t, Config{})

	id, err := f.reg.Admit("u1", realtime.RoleAgent, panickingTransport{}, "")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	f.subscribe(id, "property_update")
	_, good := f.admit(t, "u2", realtime.RoleAgent, "property_update")

	res, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent("property_update", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Failed != 1 || res.Delivered != 1 || len(good.Frames()) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestOriginConnectionExcluded(t *testing.T) {
	f := newFixture(t, Config{})

	senderID, sender := f.admit(t, "u1", realtime.RoleAgent, "unit_availability")
	_, peer := f.admit(t, "u1", realtime.RoleAgent, "unit_availability")

	event := realtime.NewEvent("unit_availability", map[string]any{"unitId": "C2"})
	event.From = "u1"
	event.OriginConnection = senderID

	res, err := f.dispatcher.Dispatch(context.Background(), event)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Delivered != 1 || len(sender.Frames()) != 0 || len(peer.Frames()) != 1 {
		t.Errorf("sender must be excluded, got %+v sender=%d peer=%d", res, len(sender.Frames()), len(peer.Frames()))
	}

	var frame map[string]any
	if err := json.Unmarshal(peer.Frames()[0], &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame["from"] != "u1" {
		t.Errorf("expected from=u1, got %v", frame["from"])
	}
}

func TestRemovedConnectionReceivesNothing(t *testing.T) {
	f := newFixture(t, Config{})

	id, tr := f.admit(t, "u1", realtime.RoleAgent, "unit_availability")
	f.reg.Remove(id)

	res, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent("unit_availability", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Attempted != 0 || len(tr.Frames()) != 0 {
		t.Errorf("removed connection was sent the event: %+v", res)
	}
}

func TestMalformedEvent(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.dispatcher.Dispatch(context.Background(), realtime.Event{Topic: "  "})
	if !errors.Is(err, realtime.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDecoratorsDelegate(t *testing.T) {
	f := newFixture(t, Config{})
	_, tr := f.admit(t, "u1", realtime.RoleAgent, "unit_availability")

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	d := NewTracedDispatcher(
		NewMetricsDispatcher(f.dispatcher, metrics.NewRegistry(), nil),
		tracing.NewTracerFromProvider(tp, "test"),
	)

	res, err := d.Dispatch(context.Background(), realtime.NewEvent("unit_availability", nil))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Delivered != 1 || len(tr.Frames()) != 1 {
		t.Fatalf("decorated dispatch did not deliver: %+v", res)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "dispatcher.dispatch" {
		t.Fatalf("expected one dispatcher.dispatch span, got %d", len(spans))
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["realtime.topic"].AsString() != "unit_availability" {
		t.Errorf("missing topic attribute, got %v", attrs)
	}
	if attrs["realtime.delivered"].AsInt64() != 1 {
		t.Errorf("expected delivered=1 attribute, got %v", attrs["realtime.delivered"])
	}
}

func dispatchTopics(t *testing.T, r *metrics.Registry) map[string]float64 {
	t.Helper()

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	topics := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != "realtime_dispatch_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "topic" {
					topics[lp.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	return topics
}

func TestMetricsCollapseUnclassifiedTopics(t *testing.T) {
	f := newFixture(t, Config{})
	f.admit(t, "u1", realtime.RoleAgent, "unit_availability")

	reg := metrics.NewRegistry()
	d := NewMetricsDispatcher(f.dispatcher, reg, access.NewFilter(access.PolicyDeny).Classified)

	for _, topic := range []string{"unit_availability", "made-up-1", "made-up-2", "made-up-3"} {
		if _, err := d.Dispatch(context.Background(), realtime.NewEvent(topic, nil)); err != nil {
			t.Fatalf("dispatch %s: %v", topic, err)
		}
	}

	got := dispatchTopics(t, reg)
	if len(got) != 2 {
		t.Fatalf("expected only a classified and an other label, got %v", got)
	}
	if got["unit_availability"] != 1 || got[OtherTopic] != 3 {
		t.Errorf("unexpected topic counts %v", got)
	}
}

func TestMetricsWithoutClassifierUseOther(t *testing.T) {
	f := newFixture(t, Config{})

	reg := metrics.NewRegistry()
	d := NewMetricsDispatcher(f.dispatcher, reg, nil)
	if _, err := d.Dispatch(context.Background(), realtime.NewEvent("payment_update", nil)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := dispatchTopics(t, reg); len(got) != 1 || got[OtherTopic] != 1 {
		t.Errorf("expected a single other label, got %v", got)
	}
}

func TestOversizedTopicRejected(t *testing.T) {
	f := newFixture(t, Config{})
	_, tr := f.admit(t, "u1", realtime.RoleAgent, "unit_availability")

	_, err := f.dispatcher.Dispatch(context.Background(), realtime.NewEvent(strings.Repeat("x", realtime.MaxTopicLength+1), nil))
	if !errors.Is(err, realtime.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if len(tr.Frames()) != 0 {
		t.Error("rejected event was delivered")
	}
}
