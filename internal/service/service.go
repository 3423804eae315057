// Package service is the orchestrating façade over storage, analytics,
// anomaly detection, and alerting. It owns the background timers and the
// shutdown discipline: fail closed after Shutdown, drain in-flight
// writes, cancel every timer before reporting stopped.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flightdeck-ai/telemetry/internal/alerting"
	"github.com/flightdeck-ai/telemetry/internal/analytics"
	"github.com/flightdeck-ai/telemetry/internal/anomaly"
	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/export"
	"github.com/flightdeck-ai/telemetry/internal/sanitize"
	"github.com/flightdeck-ai/telemetry/internal/storage"
)

// Config tunes the façade's background work.
type Config struct {
	// TickInterval drives the analytics metric recomputation.
	TickInterval time.Duration
	// SnapshotSpec is a cron spec for snapshot collection and alert
	// evaluation, e.g. "@every 30s".
	SnapshotSpec string
	// RetentionSpec is a cron spec for the retention sweep.
	RetentionSpec string
	// RetentionDays is how long events are kept. Zero disables the sweep.
	RetentionDays int
	// AnomalyWindow is the trailing range scanned for anomalies on each
	// snapshot.
	AnomalyWindow time.Duration
	// Export carries exporter defaults (service name, row groups, gzip).
	Export export.Options
}

// DefaultConfig returns the background-work defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		SnapshotSpec:  "@every 30s",
		RetentionSpec: "@every 1h",
		RetentionDays: 30,
		AnomalyWindow: 15 * time.Minute,
	}
}

// Service implements the track/query/export/clean surface.
type Service struct {
	store    storage.Provider
	engine   *analytics.Engine
	detector *anomaly.Detector
	alerts   *alerting.Manager

	cfg      Config
	sanitize sanitize.Options
	logger   *slog.Logger

	stopped atomic.Bool
	stopMu  sync.RWMutex
	writes  sync.WaitGroup

	cron   *cron.Cron
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// New wires the façade. Call Start to begin background work.
func New(store storage.Provider, engine *analytics.Engine, detector *anomaly.Detector, alerts *alerting.Manager, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SnapshotSpec == "" {
		cfg.SnapshotSpec = def.SnapshotSpec
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = def.RetentionSpec
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = def.AnomalyWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		engine:   engine,
		detector: detector,
		alerts:   alerts,
		cfg:      cfg,
		sanitize: sanitize.DefaultOptions(),
		logger:   logger,
	}
}

// Start launches the metric tick loop and the cron schedules.
func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.loops.Add(1)
	go s.tickLoop(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.SnapshotSpec, func() { s.collectAndEvaluate(ctx) }); err != nil {
		cancel()
		return err
	}
	if s.cfg.RetentionDays > 0 {
		if _, err := s.cron.AddFunc(s.cfg.RetentionSpec, func() { s.retentionSweep(ctx) }); err != nil {
			cancel()
			return err
		}
	}
	s.cron.Start()
	return nil
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.engine.Tick(now)
		}
	}
}

// collectAndEvaluate snapshots the metrics, scans for anomalies, and runs
// the alert rules. A failed scan is logged; the next tick still runs.
func (s *Service) collectAndEvaluate(ctx context.Context) {
	now := time.Now()
	snap := s.engine.CollectSnapshot(now)

	var anomalies []*domain.Anomaly
	if s.detector != nil {
		var err error
		anomalies, err = s.detector.Detect(ctx, now.Add(-s.cfg.AnomalyWindow).UnixMilli(), now.UnixMilli())
		if err != nil {
			s.logger.Error("anomaly scan failed", slog.String("error", err.Error()))
		}
	}

	if s.alerts != nil {
		fired := s.alerts.Evaluate(ctx, snap, anomalies)
		for _, alert := range fired {
			s.logger.Info("alert fired",
				slog.String("id", alert.ID),
				slog.String("title", alert.Title),
				slog.String("severity", string(alert.Severity)))
		}
	}
}

func (s *Service) retentionSweep(ctx context.Context) {
	removed, err := s.Clean(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		s.logger.Info("retention sweep removed events", slog.Int64("removed", removed))
	}
}

// beginWrite registers an in-flight write unless the service has stopped.
// The lock orders the stopped check against Shutdown's flag flip, so no
// write can join the group once the drain has started.
func (s *Service) beginWrite() error {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopped.Load() {
		return domain.ErrServiceStopped
	}
	s.writes.Add(1)
	return nil
}

// Track validates, sanitizes, stores, and ingests one event.
func (s *Service) Track(ctx context.Context, evt *domain.TelemetryEvent) error {
	if err := s.beginWrite(); err != nil {
		return err
	}
	defer s.writes.Done()

	prepared, err := storage.Prepare(evt, s.sanitize)
	if err != nil {
		return err
	}
	if err := s.store.Store(ctx, prepared); err != nil {
		return err
	}
	s.engine.Ingest(prepared)
	return nil
}

// TrackBatch stores a batch with per-item failure reporting. Items that
// stored are ingested into the window.
func (s *Service) TrackBatch(ctx context.Context, events []*domain.TelemetryEvent) (*storage.BatchResult, error) {
	if err := s.beginWrite(); err != nil {
		return nil, err
	}
	defer s.writes.Done()
	if len(events) == 0 {
		return nil, domain.NewValidationError("events", "batch is empty")
	}

	result := &storage.BatchResult{}
	for i, evt := range events {
		prepared, err := storage.Prepare(evt, s.sanitize)
		if err == nil {
			err = s.store.Store(ctx, prepared)
		}
		if err != nil {
			result.Failed = append(result.Failed, storage.BatchError{Index: i, Err: err.Error()})
			continue
		}
		s.engine.Ingest(prepared)
		result.Stored++
	}
	return result, nil
}

// Query reads stored events through the filter validation and clamps.
func (s *Service) Query(ctx context.Context, filter domain.QueryFilter) ([]*domain.TelemetryEvent, error) {
	if s.stopped.Load() {
		return nil, domain.ErrServiceStopped
	}
	return s.store.Query(ctx, filter)
}

// Export encodes events matching the filter. The format is validated
// before any storage read.
func (s *Service) Export(ctx context.Context, format export.Format, filter domain.QueryFilter) ([]byte, error) {
	if s.stopped.Load() {
		return nil, domain.ErrServiceStopped
	}
	if _, err := export.ParseFormat(string(format)); err != nil {
		return nil, err
	}

	var all []*domain.TelemetryEvent
	filter.Limit = storage.MaxQueryLimit
	for {
		page, err := s.store.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < storage.MaxQueryLimit || filter.Offset+len(page) >= storage.MaxQueryOffset {
			break
		}
		filter.Offset += len(page)
	}
	return export.Export(all, format, s.cfg.Export)
}

// Stats reports storage contents.
func (s *Service) Stats(ctx context.Context) (*domain.StorageStats, error) {
	if s.stopped.Load() {
		return nil, domain.ErrServiceStopped
	}
	return s.store.Stats(ctx)
}

// Sessions returns the engine's derived session summaries.
func (s *Service) Sessions() ([]*domain.Session, error) {
	if s.stopped.Load() {
		return nil, domain.ErrServiceStopped
	}
	return s.engine.SessionSummaries()
}

// Alerts returns recently fired alerts.
func (s *Service) Alerts(limit int) []*domain.Alert {
	if s.alerts == nil {
		return nil
	}
	return s.alerts.Alerts(limit)
}

// AddRule registers an alert rule.
func (s *Service) AddRule(rule *domain.AlertRule) error {
	if s.alerts == nil {
		return domain.NewValidationError("alerting", "not configured")
	}
	return s.alerts.AddRule(rule)
}

// RegisterHandler binds a named custom alert action.
func (s *Service) RegisterHandler(name string, fn alerting.CustomHandler) {
	if s.alerts != nil {
		s.alerts.RegisterHandler(name, fn)
	}
}

// Clean removes events older than the retention window and returns the
// removed count.
func (s *Service) Clean(ctx context.Context, retentionDays int) (int64, error) {
	if s.stopped.Load() {
		return 0, domain.ErrServiceStopped
	}
	return s.store.Clean(ctx, retentionDays)
}

// Shutdown stops timers, rejects new calls, drains in-flight writes, and
// closes the store. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopMu.Lock()
	already := s.stopped.Swap(true)
	s.stopMu.Unlock()
	if already {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	s.loops.Wait()

	// In-flight writes complete before the store closes underneath them.
	done := make(chan struct{})
	go func() {
		s.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.engine.Close()
	return s.store.Close()
}
