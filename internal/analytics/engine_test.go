package analytics

import (
	"testing"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

func engineEvent(sessionID string, typ domain.EventType, duration int64) *domain.TelemetryEvent {
	return &domain.TelemetryEvent{
		ID:        "e",
		SessionID: sessionID,
		Type:      typ,
		Category:  "agent",
		Action:    "run",
		Timestamp: time.Now().UnixMilli(),
		Duration:  duration,
	}
}

func TestEngine_TickComputesMetrics(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	for i := 0; i < 8; i++ {
		e.Ingest(engineEvent("s1", domain.EventStream, 100))
	}
	// The error lands on its own session so it flips s3 to errored without
	// touching the active count for s1/s2.
	e.Ingest(engineEvent("s3", domain.EventError, 0))
	e.Ingest(engineEvent("s2", domain.EventStream, 300))

	e.Tick(time.Now())
	metrics := e.Metrics()

	if got := metrics[MetricEventsPerMinute]; got != 10 {
		t.Errorf("%s = %v, want 10", MetricEventsPerMinute, got)
	}
	if got := metrics[MetricErrorRate]; got != 0.1 {
		t.Errorf("%s = %v, want 0.1", MetricErrorRate, got)
	}
	if got := metrics[MetricActiveSessions]; got != 2 {
		t.Errorf("%s = %v, want 2", MetricActiveSessions, got)
	}
	if got := metrics[MetricWindowSize]; got != 10 {
		t.Errorf("%s = %v, want 10", MetricWindowSize, got)
	}
	// 8 events at 100ms plus one at 300ms.
	want := float64(8*100+300) / 9
	if got := metrics[MetricAvgDurationMS]; got != want {
		t.Errorf("%s = %v, want %v", MetricAvgDurationMS, got, want)
	}
}

func TestEngine_SessionLifecycle(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	e.Ingest(engineEvent("s1", domain.EventStart, 0))
	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Ingest(engineEvent("s1", domain.EventEnd, 0))

	e.Ingest(engineEvent("s2", domain.EventStart, 0))
	e.Ingest(engineEvent("s2", domain.EventError, 0))

	sessions, err := e.SessionSummaries()
	if err != nil {
		t.Fatalf("SessionSummaries() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("SessionSummaries() returned %d sessions, want 2", len(sessions))
	}

	byID := make(map[string]*domain.Session)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	if byID["s1"].Status != domain.SessionCompleted {
		t.Errorf("s1 status = %s, want completed", byID["s1"].Status)
	}
	if byID["s1"].EventCount != 3 {
		t.Errorf("s1 event count = %d, want 3", byID["s1"].EventCount)
	}
	if byID["s2"].Status != domain.SessionErrored {
		t.Errorf("s2 status = %s, want errored", byID["s2"].Status)
	}
	if byID["s2"].ErrorCount != 1 {
		t.Errorf("s2 error count = %d, want 1", byID["s2"].ErrorCount)
	}
}

func TestEngine_SnapshotHistoryBounded(t *testing.T) {
	e := New(Config{MaxSnapshots: 3}, nil)
	defer e.Close()

	base := time.Now()
	for i := 0; i < 6; i++ {
		e.CollectSnapshot(base.Add(time.Duration(i) * time.Second))
	}

	snaps := e.SnapshotRange(0, 0)
	if len(snaps) != 3 {
		t.Fatalf("snapshot history = %d entries, want 3", len(snaps))
	}
	latest := e.LatestSnapshot()
	if latest.Timestamp != base.Add(5*time.Second).UnixMilli() {
		t.Error("latest snapshot is not the newest")
	}
	if latest.Interval != 1000 {
		t.Errorf("snapshot interval = %d, want 1000", latest.Interval)
	}
}

func TestEngine_TopCategories(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	for i := 0; i < 5; i++ {
		evt := engineEvent("s1", domain.EventStream, 0)
		evt.Category = "tool"
		e.Ingest(evt)
	}
	for i := 0; i < 2; i++ {
		evt := engineEvent("s1", domain.EventStream, 0)
		evt.Category = "agent"
		e.Ingest(evt)
	}

	top := e.TopCategories(1)
	if len(top) != 1 {
		t.Fatalf("TopCategories(1) returned %d entries", len(top))
	}
	if top[0].Name != "tool" || top[0].Count != 5 {
		t.Errorf("top category = %+v, want tool/5", top[0])
	}
}

func TestEngine_SubscribeEvents(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	var seen []*domain.TelemetryEvent
	cancel := e.SubscribeEvents(
		func(evt *domain.TelemetryEvent) bool { return evt.Type == domain.EventError },
		func(evt *domain.TelemetryEvent) { seen = append(seen, evt) },
	)

	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Ingest(engineEvent("s1", domain.EventError, 0))
	if len(seen) != 1 {
		t.Fatalf("subscriber saw %d events, want 1", len(seen))
	}

	cancel()
	e.Ingest(engineEvent("s1", domain.EventError, 0))
	if len(seen) != 1 {
		t.Error("subscriber invoked after cancel")
	}
}

func TestEngine_SubscribeMetric(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	got := make(chan float64, 64)
	cancel := e.SubscribeMetric(MetricWindowSize, 5*time.Millisecond, func(v float64) { got <- v })

	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Tick(time.Now())

	select {
	case v := <-got:
		if v != 2 {
			t.Fatalf("subscriber delivered %v, want 2", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("metric subscriber never delivered")
	}

	cancel()
	cancel() // cancel is idempotent

	// One delivery may already be in flight when cancel lands; after it
	// drains, the poller must stay silent.
	time.Sleep(20 * time.Millisecond)
	for len(got) > 0 {
		<-got
	}
	time.Sleep(25 * time.Millisecond)
	if len(got) != 0 {
		t.Error("subscriber delivered after cancel")
	}
}

func TestEngine_SubscribeMetricUnknownNameStaysSilent(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	got := make(chan float64, 1)
	cancel := e.SubscribeMetric("no.such.metric", 5*time.Millisecond, func(v float64) { got <- v })
	defer cancel()

	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Tick(time.Now())

	select {
	case v := <-got:
		t.Errorf("unknown metric delivered %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_SubscriberPanicDoesNotStopIngestion(t *testing.T) {
	e := New(Config{}, nil)
	defer e.Close()

	e.SubscribeEvents(nil, func(*domain.TelemetryEvent) { panic("subscriber bug") })

	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Ingest(engineEvent("s1", domain.EventStream, 0))

	e.Tick(time.Now())
	if got := e.Metrics()[MetricWindowSize]; got != 2 {
		t.Errorf("window size = %v after panicking subscriber, want 2", got)
	}
}

func TestEngine_CloseStopsIngestion(t *testing.T) {
	e := New(Config{}, nil)

	e.Ingest(engineEvent("s1", domain.EventStream, 0))
	e.Close()
	e.Ingest(engineEvent("s1", domain.EventStream, 0))

	if _, err := e.SessionSummaries(); err == nil {
		t.Error("SessionSummaries() after Close returned nil error")
	}
}
