package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/medilink/pharmacy-locator/internal/geo"
	"github.com/medilink/pharmacy-locator/internal/locator"
	"github.com/medilink/pharmacy-locator/internal/registry"
)

func TestUpdateRecordRoundTrip(t *testing.T) {
	ev := registry.UpdateEvent{
		Op: registry.OpUpsert,
		Pharmacy: &locator.Record{
			ID:       "p1",
			Name:     "Mission Pharmacy",
			Location: &geo.Point{Lat: 37.769, Lon: -122.422},
		},
	}

	rec, err := UpdateRecord(ev)
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if rec.Topic != TopicRegistryUpdates || rec.Key != "p1" || rec.Headers[headerEventType] != "upsert" {
		t.Fatalf("record = %+v", rec)
	}

	got, err := DecodeUpdate(&ConsumedMessage{Topic: rec.Topic, Key: []byte(rec.Key), Value: rec.Value})
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if got.EventID == "" {
		t.Fatal("event id should be assigned")
	}
	if got.Op != registry.OpUpsert || got.Pharmacy == nil || got.Pharmacy.Name != "Mission Pharmacy" {
		t.Fatalf("decoded = %+v", got)
	}
	if got.Pharmacy.Location == nil || *got.Pharmacy.Location != *ev.Pharmacy.Location {
		t.Fatalf("location = %v", got.Pharmacy.Location)
	}
}

func TestDecodeUpdateInvalid(t *testing.T) {
	_, err := DecodeUpdate(&ConsumedMessage{Topic: TopicRegistryUpdates, Value: []byte("{oops")})
	if !errors.Is(err, registry.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestDeadLetterRecord(t *testing.T) {
	msg := &ConsumedMessage{
		Topic:     TopicRegistryUpdates,
		Partition: 2,
		Offset:    41,
		Key:       []byte("p1"),
		Value:     []byte(`{"op":"merge"}`),
		Headers:   map[string]string{headerEventType: "merge"},
	}
	dlq := DeadLetterRecord(msg, errors.New("unknown op"))
	if dlq.Topic != TopicRegistryDeadLetter || dlq.Key != "p1" || string(dlq.Value) != `{"op":"merge"}` {
		t.Fatalf("dlq = %+v", dlq)
	}
	if dlq.Headers[headerDLQReason] != "unknown op" || dlq.Headers[headerDLQSource] != "pharmacy.registry.updates/2/41" {
		t.Fatalf("headers = %v", dlq.Headers)
	}
	if dlq.Headers[headerEventType] != "merge" {
		t.Fatal("original headers should be kept")
	}
}

func TestTraceContextPropagation(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicRegistryUpdates}
	injectTraceContext(ctx, record)
	if (headerCarrier{record: record}).Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != traceID || got.SpanID() != spanID || !got.IsRemote() {
		t.Fatalf("extracted span context = %+v", got)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, tc := range DefaultTopicConfigs() {
		names[tc.Name] = true
		if tc.Partitions <= 0 {
			t.Errorf("%s: partitions = %d", tc.Name, tc.Partitions)
		}
	}
	if !names[TopicRegistryUpdates] || !names[TopicRegistryDeadLetter] {
		t.Fatalf("topics = %v", names)
	}
}

func TestRetryDelay(t *testing.T) {
	base, max := 500*time.Millisecond, 4*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{10, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.attempt, base, max); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := retryDelay(3, 0, 0); got != 500*time.Millisecond {
		t.Errorf("zero config should fall back to the default base, got %v", got)
	}
}

func TestAdminPingUnreachable(t *testing.T) {
	admin, err := NewAdmin([]string{"127.0.0.1:1"}, nil)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	defer admin.Close()

	start := time.Now()
	if err := admin.Ping(context.Background(), 300*time.Millisecond); err == nil {
		t.Fatal("expected ping to fail without a broker")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("ping took %v, timeout not honored", elapsed)
	}
}
