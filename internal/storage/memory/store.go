// Package memory is an in-memory storage.Provider used by tests and
// dev-mode deployments. It applies the same validation, sanitization, and
// session normalization as the SQL store, minus at-rest encryption.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/fieldcrypt"
	"github.com/flightdeck-ai/telemetry/internal/sanitize"
	"github.com/flightdeck-ai/telemetry/internal/storage"
)

// Store keeps events in a timestamp-sorted slice.
type Store struct {
	mu       sync.RWMutex
	events   []*domain.TelemetryEvent
	sanitize sanitize.Options
}

var _ storage.Provider = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{sanitize: sanitize.DefaultOptions()}
}

func (s *Store) Store(ctx context.Context, evt *domain.TelemetryEvent) error {
	prepared, err := storage.Prepare(evt, s.sanitize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Insert keeping timestamp order; events usually arrive in order so
	// this is an append in the common case.
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp > prepared.Timestamp
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = prepared
	return nil
}

func (s *Store) StoreBatch(ctx context.Context, events []*domain.TelemetryEvent) (*storage.BatchResult, error) {
	if len(events) == 0 {
		return nil, domain.NewValidationError("events", "batch is empty")
	}
	result := &storage.BatchResult{}
	for i, evt := range events {
		if err := s.Store(ctx, evt); err != nil {
			result.Failed = append(result.Failed, storage.BatchError{Index: i, Err: err.Error()})
			continue
		}
		result.Stored++
	}
	return result, nil
}

func (s *Store) Query(ctx context.Context, filter domain.QueryFilter) ([]*domain.TelemetryEvent, error) {
	if err := storage.ValidateFilter(&filter); err != nil {
		return nil, err
	}

	sessionID := ""
	if filter.SessionID != "" {
		sessionID = fieldcrypt.NormalizeSessionID(filter.SessionID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.TelemetryEvent
	for _, evt := range s.events {
		if sessionID != "" && evt.SessionID != sessionID {
			continue
		}
		if filter.Category != "" && evt.Category != filter.Category {
			continue
		}
		if filter.EventType != "" && evt.Type != filter.EventType {
			continue
		}
		if filter.StartTime > 0 && evt.Timestamp < filter.StartTime {
			continue
		}
		if filter.EndTime > 0 && evt.Timestamp > filter.EndTime {
			continue
		}
		matched = append(matched, evt)
	}

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*domain.TelemetryEvent, len(matched))
	for i, evt := range matched {
		out[i] = evt.Clone()
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (*domain.StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.StorageStats{
		TotalEvents:  int64(len(s.events)),
		EventsByType: make(map[string]int64),
	}
	sessions := make(map[string]struct{})
	for _, evt := range s.events {
		sessions[evt.SessionID] = struct{}{}
		stats.EventsByType[string(evt.Type)]++
	}
	stats.TotalSessions = int64(len(sessions))
	if len(s.events) > 0 {
		stats.OldestEvent = s.events[0].Timestamp
		stats.NewestEvent = s.events[len(s.events)-1].Timestamp
	}
	return stats, nil
}

func (s *Store) Clean(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, domain.NewValidationError("retentionDays", "must be positive")
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp >= cutoff
	})
	removed := int64(idx)
	s.events = append([]*domain.TelemetryEvent(nil), s.events[idx:]...)
	return removed, nil
}

func (s *Store) Close() error { return nil }
