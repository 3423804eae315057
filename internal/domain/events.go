// Package domain holds the data model shared by every layer of the
// telemetry pipeline: events, sessions, alerts, anomalies, metric
// snapshots, and the error taxonomy.
package domain

// EventType is the closed vocabulary of telemetry event types.
type EventType string

const (
	EventStart  EventType = "start"
	EventStream EventType = "stream"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
	EventCustom EventType = "custom"
)

// ParseEventType coerces untrusted input into the closed vocabulary.
// Anything outside the known set becomes EventCustom so that attacker
// controlled strings are never stored as a trusted enum value.
func ParseEventType(s string) EventType {
	switch EventType(s) {
	case EventStart, EventStream, EventEnd, EventError, EventCustom:
		return EventType(s)
	default:
		return EventCustom
	}
}

// TelemetryEvent is a single structured event emitted by an agent.
// All textual fields are untrusted until they pass through the sanitizer;
// SessionID is normalized before storage.
type TelemetryEvent struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Type      EventType         `json:"eventType"`
	Category  string            `json:"category"`
	Action    string            `json:"action"`
	Timestamp int64             `json:"timestamp"` // epoch milliseconds
	Label     string            `json:"label,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Duration  int64             `json:"duration,omitempty"` // milliseconds
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Clone returns a deep-enough copy for the pipeline's needs: the maps are
// copied one level so downstream mutation never aliases caller memory.
func (e *TelemetryEvent) Clone() *TelemetryEvent {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.Context != nil {
		cp.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// SessionStatus tracks the lifecycle of a derived session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionErrored   SessionStatus = "errored"
)

// Session is derived state keyed by normalized session id. It is never
// submitted directly; the analytics engine builds it from the event stream.
type Session struct {
	ID           string        `json:"id"`
	StartTime    int64         `json:"startTime"`    // epoch milliseconds
	LastActivity int64         `json:"lastActivity"` // epoch milliseconds
	Status       SessionStatus `json:"status"`
	EventCount   int64         `json:"eventCount"`
	ErrorCount   int64         `json:"errorCount"`
	Duration     int64         `json:"duration"` // milliseconds, LastActivity-StartTime
}

// MetricsSnapshot is a point-in-time capture of aggregate metrics, kept in
// a bounded time-ordered history so callers can compute deltas and rates.
type MetricsSnapshot struct {
	Timestamp int64              `json:"timestamp"` // epoch milliseconds
	Interval  int64              `json:"interval"`  // milliseconds since previous snapshot
	Metrics   map[string]float64 `json:"metrics"`
}

// Metric returns the named metric and whether it was present.
func (s *MetricsSnapshot) Metric(path string) (float64, bool) {
	if s == nil || s.Metrics == nil {
		return 0, false
	}
	v, ok := s.Metrics[path]
	return v, ok
}

// QueryFilter narrows a storage query. Zero values mean "no constraint".
// Limit is always clamped by the storage layer regardless of what the
// caller asks for.
type QueryFilter struct {
	SessionID string    `json:"sessionId,omitempty"`
	Category  string    `json:"category,omitempty"`
	EventType EventType `json:"eventType,omitempty"`
	StartTime int64     `json:"startTime,omitempty"` // epoch milliseconds, inclusive
	EndTime   int64     `json:"endTime,omitempty"`   // epoch milliseconds, inclusive
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// StorageStats summarizes durable storage contents.
type StorageStats struct {
	TotalEvents   int64            `json:"totalEvents"`
	TotalSessions int64            `json:"totalSessions"`
	OldestEvent   int64            `json:"oldestEvent,omitempty"`
	NewestEvent   int64            `json:"newestEvent,omitempty"`
	EventsByType  map[string]int64 `json:"eventsByType"`
}
