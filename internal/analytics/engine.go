package analytics

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// Metric names published by the engine. Alert rules reference these as
// dotted paths.
const (
	MetricEventsPerSecond = "events.per_second"
	MetricEventsPerMinute = "events.per_minute"
	MetricErrorRate       = "events.error_rate_1m"
	MetricActiveSessions  = "sessions.active"
	MetricAvgDurationMS   = "duration.avg_ms"
	MetricWindowSize      = "window.size"
)

// Config bounds the engine's in-memory state.
type Config struct {
	// WindowSize is the trailing time span retained in the window.
	WindowSize time.Duration
	// MaxEvents caps the window even when events fit the time span.
	MaxEvents int
	// MaxSnapshots bounds the snapshot history.
	MaxSnapshots int
}

// DefaultConfig returns sane bounds for a single-process deployment.
func DefaultConfig() Config {
	return Config{
		WindowSize:   5 * time.Minute,
		MaxEvents:    10000,
		MaxSnapshots: 360,
	}
}

// CategoryCount is one entry of a top-N frequency ranking.
type CategoryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type eventSub struct {
	pred func(*domain.TelemetryEvent) bool
	fn   func(*domain.TelemetryEvent)
}

// Engine owns the sliding window, the derived session map, the live
// metric set, and the snapshot history. All mutation happens under its
// lock; subscriber callbacks run outside it so a slow subscriber can
// never stall ingestion.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	window   *window
	sessions map[string]*domain.Session
	metrics  map[string]float64

	snapshots    []*domain.MetricsSnapshot
	lastSnapshot time.Time

	subs    map[int]*eventSub
	nextSub int

	closed bool
	logger *slog.Logger
}

// New creates an engine with the given bounds.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultConfig().MaxSnapshots
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		window:   newWindow(cfg.WindowSize, cfg.MaxEvents),
		sessions: make(map[string]*domain.Session),
		metrics:  make(map[string]float64),
		subs:     make(map[int]*eventSub),
		logger:   logger,
	}
}

// Ingest feeds one prepared event into the window and session map, then
// notifies matching event subscribers outside the lock.
func (e *Engine) Ingest(evt *domain.TelemetryEvent) {
	now := time.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.window.add(evt, now)
	e.touchSession(evt)
	e.evictIdleSessions(now)

	var notify []*eventSub
	if len(e.subs) > 0 {
		for _, sub := range e.subs {
			if sub.pred == nil || sub.pred(evt) {
				notify = append(notify, sub)
			}
		}
	}
	e.mu.Unlock()

	for _, sub := range notify {
		e.safeNotify(sub, evt)
	}
}

func (e *Engine) safeNotify(sub *eventSub, evt *domain.TelemetryEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked", slog.Any("panic", r))
		}
	}()
	sub.fn(evt)
}

func (e *Engine) touchSession(evt *domain.TelemetryEvent) {
	s, ok := e.sessions[evt.SessionID]
	if !ok {
		s = &domain.Session{
			ID:        evt.SessionID,
			StartTime: evt.Timestamp,
			Status:    domain.SessionActive,
		}
		e.sessions[evt.SessionID] = s
	}
	if evt.Timestamp > s.LastActivity {
		s.LastActivity = evt.Timestamp
	}
	s.EventCount++
	s.Duration = s.LastActivity - s.StartTime

	switch evt.Type {
	case domain.EventEnd:
		s.Status = domain.SessionCompleted
	case domain.EventError:
		s.ErrorCount++
		s.Status = domain.SessionErrored
	}
}

func (e *Engine) evictIdleSessions(now time.Time) {
	horizon := now.Add(-e.cfg.WindowSize).UnixMilli()
	for id, s := range e.sessions {
		if s.LastActivity < horizon {
			delete(e.sessions, id)
		}
	}
}

// Tick recomputes the live metric set. The service drives it on a fixed
// interval.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.window.prune(now)

	lastSecond := now.Add(-time.Second).UnixMilli()
	lastMinute := now.Add(-time.Minute).UnixMilli()

	perSecond := e.window.countSince(lastSecond)
	perMinute := e.window.countSince(lastMinute)

	var errorCount int
	var durTotal int64
	var durSamples int
	for _, evt := range e.window.eventsSince(lastMinute) {
		if evt.Type == domain.EventError {
			errorCount++
		}
		if evt.Duration > 0 {
			durTotal += evt.Duration
			durSamples++
		}
	}

	errorRate := 0.0
	if perMinute > 0 {
		errorRate = float64(errorCount) / float64(perMinute)
	}
	avgDuration := 0.0
	if durSamples > 0 {
		avgDuration = float64(durTotal) / float64(durSamples)
	}

	active := 0
	for _, s := range e.sessions {
		if s.Status == domain.SessionActive {
			active++
		}
	}

	e.metrics[MetricEventsPerSecond] = float64(perSecond)
	e.metrics[MetricEventsPerMinute] = float64(perMinute)
	e.metrics[MetricErrorRate] = errorRate
	e.metrics[MetricActiveSessions] = float64(active)
	e.metrics[MetricAvgDurationMS] = avgDuration
	e.metrics[MetricWindowSize] = float64(e.window.len())
}

// Metrics returns a copy of the live metric set.
func (e *Engine) Metrics() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.metrics))
	for k, v := range e.metrics {
		out[k] = v
	}
	return out
}

// CollectSnapshot captures the current metrics into the bounded history
// and returns the snapshot.
func (e *Engine) CollectSnapshot(now time.Time) *domain.MetricsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	interval := int64(0)
	if !e.lastSnapshot.IsZero() {
		interval = now.Sub(e.lastSnapshot).Milliseconds()
	}
	e.lastSnapshot = now

	metrics := make(map[string]float64, len(e.metrics))
	for k, v := range e.metrics {
		metrics[k] = v
	}
	snap := &domain.MetricsSnapshot{
		Timestamp: now.UnixMilli(),
		Interval:  interval,
		Metrics:   metrics,
	}

	e.snapshots = append(e.snapshots, snap)
	if len(e.snapshots) > e.cfg.MaxSnapshots {
		e.snapshots = append(e.snapshots[:0], e.snapshots[len(e.snapshots)-e.cfg.MaxSnapshots:]...)
	}
	return snap
}

// LatestSnapshot returns the most recent snapshot, or nil.
func (e *Engine) LatestSnapshot() *domain.MetricsSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.snapshots) == 0 {
		return nil
	}
	return e.snapshots[len(e.snapshots)-1]
}

// SnapshotRange returns snapshots within [startMS, endMS], time-ordered.
func (e *Engine) SnapshotRange(startMS, endMS int64) []*domain.MetricsSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*domain.MetricsSnapshot
	for _, s := range e.snapshots {
		if (startMS == 0 || s.Timestamp >= startMS) && (endMS == 0 || s.Timestamp <= endMS) {
			out = append(out, s)
		}
	}
	return out
}

// SessionSummaries returns copies of the tracked sessions sorted by start
// time.
func (e *Engine) SessionSummaries() ([]*domain.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, &domain.AnalyticsError{
			Op:   "session summaries",
			Code: "SESSION_SUMMARIES_ERROR",
			Err:  errors.New("engine closed"),
		}
	}

	out := make([]*domain.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime == out[j].StartTime {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

// TopCategories ranks categories by frequency within the last minute.
func (e *Engine) TopCategories(n int) []CategoryCount {
	return e.topBy(n, func(evt *domain.TelemetryEvent) string { return evt.Category })
}

// TopActions ranks actions by frequency within the last minute.
func (e *Engine) TopActions(n int) []CategoryCount {
	return e.topBy(n, func(evt *domain.TelemetryEvent) string { return evt.Action })
}

func (e *Engine) topBy(n int, key func(*domain.TelemetryEvent) string) []CategoryCount {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[string]int)
	since := time.Now().Add(-time.Minute).UnixMilli()
	for _, evt := range e.window.eventsSince(since) {
		counts[key(evt)]++
	}

	out := make([]CategoryCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, CategoryCount{Name: name, Count: count})
	}
	// Stable ordering on ties so rankings don't flap between ticks.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Name < out[j].Name
		}
		return out[i].Count > out[j].Count
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SubscribeEvents registers a callback invoked for every ingested event
// matching the predicate (nil matches all). The returned cancel func
// removes the subscription.
func (e *Engine) SubscribeEvents(pred func(*domain.TelemetryEvent) bool, fn func(*domain.TelemetryEvent)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = &eventSub{pred: pred, fn: fn}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// SubscribeMetric polls the named metric on a fixed interval and delivers
// it to fn from a dedicated goroutine. The returned cancel func stops the
// poller.
func (e *Engine) SubscribeMetric(name string, interval time.Duration, fn func(float64)) func() {
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.mu.RLock()
				v, ok := e.metrics[name]
				closed := e.closed
				e.mu.RUnlock()
				if closed {
					return
				}
				if ok {
					fn(v)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Close stops accepting events and marks the engine terminal.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = make(map[int]*eventSub)
}
