// Package anomaly derives anomalies from stored events by comparing a
// recent sub-window against its trailing baseline. Detection is pure
// computation over query results; anomalies are never persisted.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/storage"
)

// Config tunes the detector's baselines and caching.
type Config struct {
	// DeviationThreshold is the minimum deviation score that registers as
	// an anomaly. Scores below it are noise.
	DeviationThreshold float64
	// DominanceShare is the fraction of a window one dimension value must
	// exceed to count as an unusual pattern.
	DominanceShare float64
	// Buckets is how many sub-windows the detection range is split into
	// when comparing the latest bucket against its trailing baseline.
	Buckets int
	// CacheTTL bounds how stale a cached detection or percentile result
	// may be. Dashboard polling hits the cache, not the store.
	CacheTTL time.Duration
	// CacheSize caps distinct cached query shapes.
	CacheSize int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		DeviationThreshold: 1.5,
		DominanceShare:     0.7,
		Buckets:            6,
		CacheTTL:           30 * time.Second,
		CacheSize:          128,
	}
}

// Detector scans stored events for the four anomaly classes.
type Detector struct {
	store  storage.Provider
	cfg    Config
	logger *slog.Logger

	scans       *expirable.LRU[string, []*domain.Anomaly]
	percentiles *expirable.LRU[string, float64]
}

// New creates a detector over the given store.
func New(store storage.Provider, cfg Config, logger *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = def.DeviationThreshold
	}
	if cfg.DominanceShare <= 0 || cfg.DominanceShare >= 1 {
		cfg.DominanceShare = def.DominanceShare
	}
	if cfg.Buckets < 2 {
		cfg.Buckets = def.Buckets
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		store:       store,
		cfg:         cfg,
		logger:      logger,
		scans:       expirable.NewLRU[string, []*domain.Anomaly](cfg.CacheSize, nil, cfg.CacheTTL),
		percentiles: expirable.NewLRU[string, float64](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// SeverityFor maps a deviation score to its severity band.
func SeverityFor(score float64) domain.Severity {
	switch {
	case score < 2:
		return domain.SeverityLow
	case score < 3:
		return domain.SeverityMedium
	case score < 5:
		return domain.SeverityHigh
	default:
		return domain.SeverityCritical
	}
}

// Detect scans events in [startMS, endMS] for anomalies. Results are
// cached per time range for CacheTTL.
func (d *Detector) Detect(ctx context.Context, startMS, endMS int64) ([]*domain.Anomaly, error) {
	key := fmt.Sprintf("scan:%d:%d", startMS, endMS)
	if cached, ok := d.scans.Get(key); ok {
		return cached, nil
	}

	events, err := d.queryRange(ctx, startMS, endMS)
	if err != nil {
		return nil, &domain.AnalyticsError{Op: "anomaly detection", Code: "ANOMALY_SCAN_ERROR", Err: err}
	}

	var anomalies []*domain.Anomaly
	anomalies = append(anomalies, d.durationSpikes(events, startMS, endMS)...)
	if a := d.errorSpike(events, startMS, endMS); a != nil {
		anomalies = append(anomalies, a)
	}
	if a := d.sessionDrop(events, startMS, endMS); a != nil {
		anomalies = append(anomalies, a)
	}
	anomalies = append(anomalies, d.unusualPatterns(events, startMS, endMS)...)

	d.scans.Add(key, anomalies)
	return anomalies, nil
}

// Percentile returns the p-th percentile (0-100) of event durations in
// [startMS, endMS]. Results are cached per (p, range) for CacheTTL.
func (d *Detector) Percentile(ctx context.Context, p float64, startMS, endMS int64) (float64, error) {
	if p < 0 || p > 100 {
		return 0, domain.NewValidationError("percentile", "must be between 0 and 100")
	}
	key := fmt.Sprintf("pct:%v:%d:%d", p, startMS, endMS)
	if cached, ok := d.percentiles.Get(key); ok {
		return cached, nil
	}

	events, err := d.queryRange(ctx, startMS, endMS)
	if err != nil {
		return 0, &domain.AnalyticsError{Op: "percentile", Code: "PERCENTILE_ERROR", Err: err}
	}

	var durations []float64
	for _, evt := range events {
		if evt.Duration > 0 {
			durations = append(durations, float64(evt.Duration))
		}
	}
	v := percentile(durations, p)
	d.percentiles.Add(key, v)
	return v, nil
}

func (d *Detector) queryRange(ctx context.Context, startMS, endMS int64) ([]*domain.TelemetryEvent, error) {
	var all []*domain.TelemetryEvent
	offset := 0
	for {
		page, err := d.store.Query(ctx, domain.QueryFilter{
			StartTime: startMS,
			EndTime:   endMS,
			Limit:     storage.MaxQueryLimit,
			Offset:    offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < storage.MaxQueryLimit || offset+len(page) >= storage.MaxQueryOffset {
			break
		}
		offset += len(page)
	}
	return all, nil
}

// durationSpikes flags sessions whose duration exceeds the cohort median
// by the deviation threshold.
func (d *Detector) durationSpikes(events []*domain.TelemetryEvent, startMS, endMS int64) []*domain.Anomaly {
	sessionDur := make(map[string]int64)
	for _, evt := range events {
		if evt.Duration > sessionDur[evt.SessionID] {
			sessionDur[evt.SessionID] = evt.Duration
		}
	}
	if len(sessionDur) < 2 {
		return nil
	}

	durations := make([]float64, 0, len(sessionDur))
	for _, dur := range sessionDur {
		durations = append(durations, float64(dur))
	}
	baseline := percentile(durations, 50)
	if baseline <= 0 {
		return nil
	}

	// Stable iteration so repeated scans of the same data agree.
	ids := make([]string, 0, len(sessionDur))
	for id := range sessionDur {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*domain.Anomaly
	now := time.Now().UnixMilli()
	for _, id := range ids {
		dur := float64(sessionDur[id])
		score := dur / baseline
		if score < d.cfg.DeviationThreshold {
			continue
		}
		out = append(out, &domain.Anomaly{
			ID:             uuid.NewString(),
			Type:           domain.AnomalyDurationSpike,
			Severity:       SeverityFor(score),
			Description:    fmt.Sprintf("session duration %.0fms is %.1fx the cohort baseline %.0fms", dur, score, baseline),
			DetectedAt:     now,
			WindowStart:    startMS,
			WindowEnd:      endMS,
			Metric:         "duration.session_ms",
			Value:          dur,
			ExpectedValue:  baseline,
			DeviationScore: score,
			Metadata:       map[string]any{"sessionId": id},
		})
	}
	return out
}

// errorSpike compares the error rate of the latest bucket against the
// trailing buckets.
func (d *Detector) errorSpike(events []*domain.TelemetryEvent, startMS, endMS int64) *domain.Anomaly {
	latest, trailing := d.splitBuckets(events, startMS, endMS)
	if len(latest) == 0 || len(trailing) == 0 {
		return nil
	}

	baseline := errorRate(trailing)
	rate := errorRate(latest)
	if baseline <= 0 {
		// No trailing errors at all; any latest error is a spike only if
		// it is material.
		if rate < 0.1 {
			return nil
		}
		baseline = 0.01
	}

	score := rate / baseline
	if score < d.cfg.DeviationThreshold {
		return nil
	}
	return &domain.Anomaly{
		ID:             uuid.NewString(),
		Type:           domain.AnomalyErrorSpike,
		Severity:       SeverityFor(score),
		Description:    fmt.Sprintf("error rate %.2f is %.1fx the trailing baseline %.2f", rate, score, baseline),
		DetectedAt:     time.Now().UnixMilli(),
		WindowStart:    startMS,
		WindowEnd:      endMS,
		Metric:         "events.error_rate",
		Value:          rate,
		ExpectedValue:  baseline,
		DeviationScore: score,
	}
}

// sessionDrop flags the latest bucket when its session count falls far
// below the trailing average.
func (d *Detector) sessionDrop(events []*domain.TelemetryEvent, startMS, endMS int64) *domain.Anomaly {
	latest, trailing := d.splitBuckets(events, startMS, endMS)
	if len(trailing) == 0 {
		return nil
	}

	trailingAvg := float64(sessionCount(trailing)) / float64(d.cfg.Buckets-1)
	if trailingAvg <= 0 {
		return nil
	}
	latestCount := float64(sessionCount(latest))

	// Score is the drop factor: baseline over observed.
	score := trailingAvg / math.Max(latestCount, 0.5)
	if score < d.cfg.DeviationThreshold {
		return nil
	}
	return &domain.Anomaly{
		ID:             uuid.NewString(),
		Type:           domain.AnomalySessionDrop,
		Severity:       SeverityFor(score),
		Description:    fmt.Sprintf("session count %.0f fell %.1fx below the trailing average %.1f", latestCount, score, trailingAvg),
		DetectedAt:     time.Now().UnixMilli(),
		WindowStart:    startMS,
		WindowEnd:      endMS,
		Metric:         "sessions.per_bucket",
		Value:          latestCount,
		ExpectedValue:  trailingAvg,
		DeviationScore: score,
	}
}

// unusualPatterns flags a category that dominates the window.
func (d *Detector) unusualPatterns(events []*domain.TelemetryEvent, startMS, endMS int64) []*domain.Anomaly {
	if len(events) < 10 {
		return nil
	}
	counts := make(map[string]int)
	for _, evt := range events {
		counts[evt.Category]++
	}
	if len(counts) < 2 {
		return nil
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*domain.Anomaly
	total := float64(len(events))
	now := time.Now().UnixMilli()
	for _, name := range names {
		share := float64(counts[name]) / total
		if share <= d.cfg.DominanceShare {
			continue
		}
		score := share / d.cfg.DominanceShare
		out = append(out, &domain.Anomaly{
			ID:             uuid.NewString(),
			Type:           domain.AnomalyUnusualPattern,
			Severity:       SeverityFor(score),
			Description:    fmt.Sprintf("category %q accounts for %.0f%% of the window", name, share*100),
			DetectedAt:     now,
			WindowStart:    startMS,
			WindowEnd:      endMS,
			Metric:         "events.category_share",
			Value:          share,
			ExpectedValue:  d.cfg.DominanceShare,
			DeviationScore: score,
			Metadata:       map[string]any{"category": name},
		})
	}
	return out
}

// splitBuckets divides the range into cfg.Buckets equal sub-windows and
// returns (latest bucket, all trailing buckets).
func (d *Detector) splitBuckets(events []*domain.TelemetryEvent, startMS, endMS int64) (latest, trailing []*domain.TelemetryEvent) {
	if endMS <= startMS {
		return nil, nil
	}
	bucketMS := (endMS - startMS) / int64(d.cfg.Buckets)
	if bucketMS <= 0 {
		return nil, nil
	}
	boundary := endMS - bucketMS
	for _, evt := range events {
		if evt.Timestamp > boundary {
			latest = append(latest, evt)
		} else {
			trailing = append(trailing, evt)
		}
	}
	return latest, trailing
}

func errorRate(events []*domain.TelemetryEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	errors := 0
	for _, evt := range events {
		if evt.Type == domain.EventError {
			errors++
		}
	}
	return float64(errors) / float64(len(events))
}

func sessionCount(events []*domain.TelemetryEvent) int {
	seen := make(map[string]struct{})
	for _, evt := range events {
		seen[evt.SessionID] = struct{}{}
	}
	return len(seen)
}

// percentile uses linear interpolation between the two nearest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
