// Package storage defines the persistence contract for telemetry events
// and the shared validation applied to every event before it crosses the
// storage boundary.
package storage

import (
	"context"
	"encoding/json"

	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/fieldcrypt"
	"github.com/flightdeck-ai/telemetry/internal/sanitize"
)

const (
	// MaxQueryLimit is the hard row ceiling: no caller-supplied limit can
	// exceed it.
	MaxQueryLimit = 1000
	// DefaultQueryLimit applies when the caller does not ask for one.
	DefaultQueryLimit = 100
	// MaxQueryOffset bounds pagination depth.
	MaxQueryOffset = 100000

	maxIDLen       = 128
	maxTextLen     = 256
	maxLabelLen    = 2048
	maxMetadataLen = 16384
)

// Provider is the durable event store contract.
type Provider interface {
	// Store validates, sanitizes, and persists one event.
	Store(ctx context.Context, evt *domain.TelemetryEvent) error
	// StoreBatch persists each event independently; malformed rows are
	// reported per index without dropping the rest of the batch.
	StoreBatch(ctx context.Context, events []*domain.TelemetryEvent) (*BatchResult, error)
	// Query returns events matching the filter, limit-clamped.
	Query(ctx context.Context, filter domain.QueryFilter) ([]*domain.TelemetryEvent, error)
	// Stats summarizes stored contents.
	Stats(ctx context.Context) (*domain.StorageStats, error)
	// Clean removes rows older than the retention horizon and returns the
	// removed count. Idempotent and safe alongside ingestion.
	Clean(ctx context.Context, retentionDays int) (int64, error)
	Close() error
}

// BatchResult reports the outcome of StoreBatch.
type BatchResult struct {
	Stored int          `json:"stored"`
	Failed []BatchError `json:"failed,omitempty"`
}

// BatchError ties a failure to its position in the submitted batch.
type BatchError struct {
	Index int    `json:"index"`
	Err   string `json:"error"`
}

// ValidateFilter rejects out-of-range time bounds and clamps limit and
// offset to their ceilings. It mutates the filter in place.
func ValidateFilter(f *domain.QueryFilter) error {
	if f.StartTime < 0 {
		return domain.NewValidationError("startTime", "must be a non-negative epoch timestamp")
	}
	if f.EndTime < 0 {
		return domain.NewValidationError("endTime", "must be a non-negative epoch timestamp")
	}
	if f.StartTime > 0 && f.EndTime > 0 && f.StartTime > f.EndTime {
		return domain.NewValidationError("startTime", "must not exceed endTime")
	}
	if f.EventType != "" && domain.ParseEventType(string(f.EventType)) != f.EventType {
		return domain.NewValidationError("eventType", "unknown event type")
	}

	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset > MaxQueryOffset {
		f.Offset = MaxQueryOffset
	}
	return nil
}

// Prepare validates an incoming event and returns a sanitized, normalized
// copy ready for persistence or analytics. The original event is never
// mutated. Sanitization here is unconditional and idempotent: even callers
// that claim to pre-sanitize go through it again.
func Prepare(evt *domain.TelemetryEvent, opts sanitize.Options) (*domain.TelemetryEvent, error) {
	if evt == nil {
		return nil, domain.NewValidationError("", "event is nil")
	}
	if evt.ID == "" {
		return nil, domain.NewValidationError("id", "required")
	}
	if len(evt.ID) > maxIDLen {
		return nil, domain.NewValidationError("id", "exceeds maximum length")
	}
	if evt.SessionID == "" {
		return nil, domain.NewValidationError("sessionId", "required")
	}
	if evt.Timestamp <= 0 {
		return nil, domain.NewValidationError("timestamp", "must be a positive epoch-millisecond value")
	}
	if evt.Category == "" {
		return nil, domain.NewValidationError("category", "required")
	}
	if evt.Action == "" {
		return nil, domain.NewValidationError("action", "required")
	}
	if evt.Duration < 0 {
		return nil, domain.NewValidationError("duration", "must be non-negative")
	}

	cp := evt.Clone()
	cp.ID = sanitize.String(cp.ID, opts)
	cp.SessionID = fieldcrypt.NormalizeSessionID(cp.SessionID)
	cp.Type = domain.ParseEventType(string(cp.Type))
	cp.Category = capString(sanitize.String(cp.Category, opts), maxTextLen)
	cp.Action = capString(sanitize.String(cp.Action, opts), maxTextLen)
	cp.Label = capString(sanitize.String(cp.Label, opts), maxLabelLen)

	if cp.Metadata != nil {
		cleaned := sanitize.LogData(cp.Metadata, opts)
		if m, ok := cleaned.(map[string]any); ok {
			cp.Metadata = m
		} else {
			cp.Metadata = map[string]any{"_sanitized": cleaned}
		}
	}
	if cp.Context != nil {
		for k, v := range cp.Context {
			if sanitize.IsSensitiveField(k) {
				cp.Context[k] = opts.Placeholder
				continue
			}
			cp.Context[k] = capString(sanitize.String(v, opts), maxTextLen)
		}
	}
	return cp, nil
}

// MarshalMetadata bounds the serialized metadata size so one event cannot
// blow up storage or later query cost.
func MarshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", domain.NewValidationError("metadata", "not serializable")
	}
	if len(b) > maxMetadataLen {
		return "", domain.NewValidationError("metadata", "exceeds maximum serialized size")
	}
	return string(b), nil
}

func capString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
