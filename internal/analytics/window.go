// Package analytics maintains the in-memory sliding window over recently
// ingested events and derives live metrics, session state, and bounded
// snapshot history from it.
package analytics

import (
	"sort"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// window is a time-ordered buffer bounded by both age and capacity. It is
// not safe for concurrent use; the Engine serializes access.
type window struct {
	maxAge    time.Duration
	maxEvents int
	events    []*domain.TelemetryEvent
}

func newWindow(maxAge time.Duration, maxEvents int) *window {
	return &window{maxAge: maxAge, maxEvents: maxEvents}
}

// add appends an event and prunes. Events arrive in order, so the buffer
// stays timestamp-sorted and pruning can binary-search the cut point.
func (w *window) add(evt *domain.TelemetryEvent, now time.Time) {
	w.events = append(w.events, evt)
	w.prune(now)
}

// prune drops events older than the window, then drops from the front if
// the buffer is still over capacity.
func (w *window) prune(now time.Time) {
	horizon := now.Add(-w.maxAge).UnixMilli()
	cut := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].Timestamp >= horizon
	})
	if cut > 0 {
		w.events = append(w.events[:0], w.events[cut:]...)
	}
	if w.maxEvents > 0 && len(w.events) > w.maxEvents {
		over := len(w.events) - w.maxEvents
		w.events = append(w.events[:0], w.events[over:]...)
	}
}

// countSince counts events at or after the given epoch-ms boundary in
// O(log n) via binary search.
func (w *window) countSince(sinceMS int64) int {
	cut := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].Timestamp >= sinceMS
	})
	return len(w.events) - cut
}

// eventsSince returns the tail of the buffer at or after the boundary.
// The returned slice aliases the buffer; callers must not retain it past
// the engine lock.
func (w *window) eventsSince(sinceMS int64) []*domain.TelemetryEvent {
	cut := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].Timestamp >= sinceMS
	})
	return w.events[cut:]
}

func (w *window) len() int { return len(w.events) }
