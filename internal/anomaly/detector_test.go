package anomaly

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/storage/memory"
)

func storeEvent(t *testing.T, store *memory.Store, evt *domain.TelemetryEvent) {
	t.Helper()
	if err := store.Store(context.Background(), evt); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
}

func TestDetector_DurationSpike(t *testing.T) {
	store := memory.New()
	now := time.Now().UnixMilli()

	// Five sessions at the five-minute baseline, one stuck for an hour.
	for i := 0; i < 5; i++ {
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "base-" + strconv.Itoa(i),
			SessionID: "session-" + strconv.Itoa(i),
			Type:      domain.EventEnd,
			Category:  "agent",
			Action:    "complete",
			Timestamp: now - int64(i*1000),
			Duration:  300000,
		})
	}
	storeEvent(t, store, &domain.TelemetryEvent{
		ID:        "stuck",
		SessionID: "session-stuck",
		Type:      domain.EventEnd,
		Category:  "agent",
		Action:    "complete",
		Timestamp: now,
		Duration:  3600000,
	})

	d := New(store, Config{}, nil)
	anomalies, err := d.Detect(context.Background(), now-60000, now+1)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	var spike *domain.Anomaly
	for _, a := range anomalies {
		if a.Type == domain.AnomalyDurationSpike {
			spike = a
			break
		}
	}
	if spike == nil {
		t.Fatal("no duration_spike detected")
	}
	if spike.DeviationScore < 1.5 {
		t.Errorf("deviation score = %v, want >= 1.5", spike.DeviationScore)
	}
	if spike.Severity == domain.SeverityLow {
		t.Errorf("severity = %s for a 12x spike", spike.Severity)
	}
	if spike.Value != 3600000 {
		t.Errorf("anomaly value = %v, want 3600000", spike.Value)
	}
}

func TestDetector_ErrorSpike(t *testing.T) {
	store := memory.New()
	now := time.Now().UnixMilli()
	start := now - 60000

	categories := []string{"agent", "tool"}
	// Trailing buckets: healthy traffic with one error in fifty events.
	for i := 0; i < 50; i++ {
		typ := domain.EventStream
		if i == 0 {
			typ = domain.EventError
		}
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "t-" + strconv.Itoa(i),
			SessionID: "s-" + strconv.Itoa(i%5),
			Type:      typ,
			Category:  categories[i%2],
			Action:    "run",
			Timestamp: start + int64(i)*900,
		})
	}
	// Latest bucket: half the events are errors.
	for i := 0; i < 10; i++ {
		typ := domain.EventStream
		if i%2 == 0 {
			typ = domain.EventError
		}
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "l-" + strconv.Itoa(i),
			SessionID: "s-" + strconv.Itoa(i%5),
			Type:      typ,
			Category:  categories[i%2],
			Action:    "run",
			Timestamp: now - int64(i)*100,
		})
	}

	d := New(store, Config{}, nil)
	anomalies, err := d.Detect(context.Background(), start, now)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	found := false
	for _, a := range anomalies {
		if a.Type == domain.AnomalyErrorSpike {
			found = true
			if a.Severity != domain.SeverityCritical {
				t.Errorf("severity = %s for a 25x error spike", a.Severity)
			}
		}
	}
	if !found {
		t.Error("no error_spike detected")
	}
}

func TestDetector_SessionDrop(t *testing.T) {
	store := memory.New()
	now := time.Now().UnixMilli()
	start := now - 60000

	// Trailing buckets see ten distinct sessions, the latest sees one.
	for i := 0; i < 40; i++ {
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "t-" + strconv.Itoa(i),
			SessionID: "s-" + strconv.Itoa(i%10),
			Type:      domain.EventStream,
			Category:  []string{"agent", "tool"}[i%2],
			Action:    "run",
			Timestamp: start + int64(i)*1000,
		})
	}
	storeEvent(t, store, &domain.TelemetryEvent{
		ID:        "lone",
		SessionID: "s-lone",
		Type:      domain.EventStream,
		Category:  "tool",
		Action:    "run",
		Timestamp: now - 100,
	})

	d := New(store, Config{}, nil)
	anomalies, err := d.Detect(context.Background(), start, now)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	found := false
	for _, a := range anomalies {
		if a.Type == domain.AnomalySessionDrop {
			found = true
		}
	}
	if !found {
		t.Error("no session_drop detected")
	}
}

func TestDetector_UnusualPattern(t *testing.T) {
	store := memory.New()
	now := time.Now().UnixMilli()

	for i := 0; i < 18; i++ {
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "d-" + strconv.Itoa(i),
			SessionID: "s-" + strconv.Itoa(i),
			Type:      domain.EventStream,
			Category:  "browser-agent",
			Action:    "run",
			Timestamp: now - int64(i)*100,
		})
	}
	for i := 0; i < 2; i++ {
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "o-" + strconv.Itoa(i),
			SessionID: "s-other-" + strconv.Itoa(i),
			Type:      domain.EventStream,
			Category:  "code-agent",
			Action:    "run",
			Timestamp: now - int64(i)*100,
		})
	}

	d := New(store, Config{}, nil)
	anomalies, err := d.Detect(context.Background(), now-60000, now+1)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	found := false
	for _, a := range anomalies {
		if a.Type == domain.AnomalyUnusualPattern {
			found = true
			if a.Metadata["category"] != "browser-agent" {
				t.Errorf("dominant category = %v, want browser-agent", a.Metadata["category"])
			}
		}
	}
	if !found {
		t.Error("no unusual_pattern detected for a 90% dominant category")
	}
}

func TestDetector_CachesScans(t *testing.T) {
	store := memory.New()
	now := time.Now().UnixMilli()

	d := New(store, Config{CacheTTL: time.Minute}, nil)
	first, err := d.Detect(context.Background(), now-60000, now)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}

	// New data within the TTL does not invalidate the cached range.
	for i := 0; i < 20; i++ {
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "c-" + strconv.Itoa(i),
			SessionID: "s-c",
			Type:      domain.EventError,
			Category:  "agent",
			Action:    "run",
			Timestamp: now - int64(i)*100,
		})
	}
	second, err := d.Detect(context.Background(), now-60000, now)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("cached scan returned %d anomalies, first scan %d", len(second), len(first))
	}
}

func TestDetector_Percentile(t *testing.T) {
	store := memory.New()
	now := time.Now().UnixMilli()

	for i := 1; i <= 10; i++ {
		storeEvent(t, store, &domain.TelemetryEvent{
			ID:        "p-" + strconv.Itoa(i),
			SessionID: "s-" + strconv.Itoa(i),
			Type:      domain.EventEnd,
			Category:  "agent",
			Action:    "complete",
			Timestamp: now - int64(i)*100,
			Duration:  int64(i) * 100,
		})
	}

	d := New(store, Config{}, nil)
	p50, err := d.Percentile(context.Background(), 50, now-60000, now)
	if err != nil {
		t.Fatalf("Percentile() error = %v", err)
	}
	if p50 != 550 {
		t.Errorf("p50 = %v, want 550", p50)
	}

	if _, err := d.Percentile(context.Background(), 150, 0, 0); err == nil {
		t.Error("Percentile(150) returned nil error")
	}
}

func TestSeverityBands(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.Severity
	}{
		{1.6, domain.SeverityLow},
		{2.5, domain.SeverityMedium},
		{4.0, domain.SeverityHigh},
		{7.0, domain.SeverityCritical},
	}
	for _, tc := range cases {
		if got := SeverityFor(tc.score); got != tc.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
