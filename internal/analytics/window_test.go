package analytics

import (
	"testing"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

func windowEvent(ts int64, typ domain.EventType) *domain.TelemetryEvent {
	return &domain.TelemetryEvent{
		ID:        "e",
		SessionID: "s1",
		Type:      typ,
		Category:  "agent",
		Action:    "run",
		Timestamp: ts,
	}
}

func TestWindow_PrunesByAge(t *testing.T) {
	now := time.Now()
	w := newWindow(time.Minute, 0)

	w.add(windowEvent(now.Add(-2*time.Minute).UnixMilli(), domain.EventStream), now)
	w.add(windowEvent(now.Add(-30*time.Second).UnixMilli(), domain.EventStream), now)
	w.add(windowEvent(now.UnixMilli(), domain.EventStream), now)

	if got := w.len(); got != 2 {
		t.Fatalf("len() = %d after age prune, want 2", got)
	}
}

func TestWindow_PrunesByCapacity(t *testing.T) {
	now := time.Now()
	w := newWindow(time.Hour, 3)

	for i := 0; i < 10; i++ {
		w.add(windowEvent(now.UnixMilli()+int64(i), domain.EventStream), now)
	}

	if got := w.len(); got != 3 {
		t.Fatalf("len() = %d after capacity prune, want 3", got)
	}
	// The survivors are the newest three.
	events := w.eventsSince(0)
	if events[0].Timestamp != now.UnixMilli()+7 {
		t.Errorf("oldest survivor timestamp = %d, want %d", events[0].Timestamp, now.UnixMilli()+7)
	}
}

func TestWindow_CountSince(t *testing.T) {
	now := time.Now()
	w := newWindow(time.Hour, 0)

	base := now.UnixMilli()
	for i := 0; i < 5; i++ {
		w.add(windowEvent(base+int64(i)*1000, domain.EventStream), now)
	}

	if got := w.countSince(base + 3000); got != 2 {
		t.Errorf("countSince() = %d, want 2", got)
	}
	if got := w.countSince(base); got != 5 {
		t.Errorf("countSince(base) = %d, want 5", got)
	}
	if got := w.countSince(base + 10000); got != 0 {
		t.Errorf("countSince(future) = %d, want 0", got)
	}
}
