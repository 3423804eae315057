package memory

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

func testEvent(id, sessionID string, ts int64) *domain.TelemetryEvent {
	return &domain.TelemetryEvent{
		ID:        id,
		SessionID: sessionID,
		Type:      domain.EventStream,
		Category:  "agent",
		Action:    "output",
		Timestamp: ts,
	}
}

func TestMemoryStore_QueryOrderAndClamp(t *testing.T) {
	store := New()
	ctx := context.Background()

	base := time.Now().UnixMilli()
	// Insert out of order; the store keeps timestamp order.
	for _, i := range []int{3, 1, 4, 0, 2} {
		if err := store.Store(ctx, testEvent("m-"+strconv.Itoa(i), "s1", base+int64(i))); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}

	events, err := store.Query(ctx, domain.QueryFilter{Limit: 3})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Query() returned %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Fatal("results out of timestamp order")
		}
	}
}

func TestMemoryStore_SessionNormalizationMatchesFilter(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Store(ctx, testEvent("m-1", "raw-id-77", time.Now().UnixMilli())); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	events, err := store.Query(ctx, domain.QueryFilter{SessionID: "raw-id-77"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("filter by raw id matched %d events, want 1", len(events))
	}
	if events[0].SessionID == "raw-id-77" {
		t.Error("raw session id stored verbatim")
	}
}

func TestMemoryStore_Clean(t *testing.T) {
	store := New()
	ctx := context.Background()

	old := time.Now().Add(-90 * 24 * time.Hour).UnixMilli()
	if err := store.Store(ctx, testEvent("old", "s1", old)); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := store.Store(ctx, testEvent("new", "s1", time.Now().UnixMilli())); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	removed, err := store.Clean(ctx, 30)
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Clean() = %d, want 1", removed)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d after clean", stats.TotalEvents)
	}
}

func TestMemoryStore_QueryReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()

	evt := testEvent("m-1", "s1", time.Now().UnixMilli())
	evt.Metadata = map[string]any{"k": "v"}
	if err := store.Store(ctx, evt); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	events, _ := store.Query(ctx, domain.QueryFilter{})
	events[0].Metadata["k"] = "mutated"

	again, _ := store.Query(ctx, domain.QueryFilter{})
	if again[0].Metadata["k"] != "v" {
		t.Error("caller mutation leaked into store internals")
	}
}
