package export

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// traceDocument is the OTLP-style export shape: one resource block and
// one span per event, grouped per session under a shared trace id.
type traceDocument struct {
	Resource traceResource `json:"resource"`
	Spans    []traceSpan   `json:"spans"`
}

type traceResource struct {
	ServiceName    string `json:"service.name"`
	ServiceVersion string `json:"service.version"`
}

type traceSpan struct {
	TraceID    string         `json:"traceId"`
	SpanID     string         `json:"spanId"`
	Name       string         `json:"name"`
	StartTime  int64          `json:"startTimeUnixMs"`
	DurationMS int64          `json:"durationMs"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func exportTrace(events []*domain.TelemetryEvent, opts Options) ([]byte, error) {
	bySession := make(map[string][]*domain.TelemetryEvent)
	for _, evt := range events {
		bySession[evt.SessionID] = append(bySession[evt.SessionID], evt)
	}
	sessions := make([]string, 0, len(bySession))
	for id := range bySession {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)

	doc := traceDocument{
		Resource: traceResource{
			ServiceName:    opts.ServiceName,
			ServiceVersion: opts.ServiceVersion,
		},
		Spans: make([]traceSpan, 0, len(events)),
	}

	// Ids are freshly generated per export call, never reused across calls.
	for _, sessionID := range sessions {
		traceID, err := newTraceID()
		if err != nil {
			return nil, err
		}
		for _, evt := range bySession[sessionID] {
			spanID, err := newSpanID()
			if err != nil {
				return nil, err
			}
			doc.Spans = append(doc.Spans, traceSpan{
				TraceID:    traceID.String(),
				SpanID:     spanID.String(),
				Name:       spanName(evt),
				StartTime:  evt.Timestamp,
				DurationMS: evt.Duration,
				Attributes: spanAttributes(evt),
			})
		}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func spanName(evt *domain.TelemetryEvent) string {
	return fmt.Sprintf("%s.%s", evt.Category, evt.Action)
}

// spanAttributes flattens event fields and metadata keys into a single
// attribute map using dotted prefixes.
func spanAttributes(evt *domain.TelemetryEvent) map[string]any {
	attrs := map[string]any{
		"event.id":   evt.ID,
		"event.type": string(evt.Type),
		"session.id": evt.SessionID,
	}
	if evt.Label != "" {
		attrs["event.label"] = evt.Label
	}
	if evt.Value != 0 {
		attrs["event.value"] = evt.Value
	}
	for k, v := range evt.Metadata {
		attrs["metadata."+k] = v
	}
	for k, v := range evt.Context {
		attrs["context."+k] = v
	}
	return attrs
}

func newTraceID() (trace.TraceID, error) {
	var id trace.TraceID
	if _, err := rand.Read(id[:]); err != nil {
		return trace.TraceID{}, fmt.Errorf("generate trace id: %w", err)
	}
	return id, nil
}

func newSpanID() (trace.SpanID, error) {
	var id trace.SpanID
	if _, err := rand.Read(id[:]); err != nil {
		return trace.SpanID{}, fmt.Errorf("generate span id: %w", err)
	}
	return id, nil
}
