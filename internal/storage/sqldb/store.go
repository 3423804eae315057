// Package sqldb is the sqlx-backed telemetry event store. Every value
// reaches the database as a bound statement parameter; query text is never
// assembled from caller input.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/fieldcrypt"
	"github.com/flightdeck-ai/telemetry/internal/sanitize"
	"github.com/flightdeck-ai/telemetry/internal/storage"
	"github.com/flightdeck-ai/telemetry/internal/storage/dialect"
)

// Store persists telemetry events in a SQL database.
type Store struct {
	db       *sqlx.DB
	dialect  dialect.Dialect
	codec    *fieldcrypt.Codec
	sanitize sanitize.Options
}

var _ storage.Provider = (*Store)(nil)

// Config holds connection and protection configuration.
type Config struct {
	Driver string // sqlite, postgres
	DSN    string
	// Codec encrypts sensitive columns (label, metadata). Nil disables
	// at-rest encryption.
	Codec *fieldcrypt.Codec
	// Sanitize options applied before every write.
	Sanitize sanitize.Options
}

// New opens the database, applies dialect init statements, and bootstraps
// the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute init statement: %w", err)
		}
	}

	if cfg.Sanitize.Placeholder == "" {
		cfg.Sanitize = sanitize.DefaultOptions()
	}

	s := &Store{db: db, dialect: d, codec: cfg.Codec, sanitize: cfg.Sanitize}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewSQLite opens a SQLite-backed store at the given path or DSN.
func NewSQLite(dsn string, codec *fieldcrypt.Codec) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn, Codec: codec})
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	category TEXT NOT NULL,
	action TEXT NOT NULL,
	label TEXT,
	value REAL,
	duration_ms INTEGER,
	timestamp_ms INTEGER NOT NULL,
	metadata TEXT,
	context TEXT,
	created_at TIMESTAMP NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_session ON telemetry_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_timestamp ON telemetry_events(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_type ON telemetry_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_events_category ON telemetry_events(category)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Store validates, sanitizes, encrypts, and writes one event.
func (s *Store) Store(ctx context.Context, evt *domain.TelemetryEvent) error {
	prepared, err := storage.Prepare(evt, s.sanitize)
	if err != nil {
		return err
	}
	return s.insert(ctx, prepared)
}

// StoreBatch writes each row independently. A malformed or failed row is
// reported at its index; the remaining rows still land.
func (s *Store) StoreBatch(ctx context.Context, events []*domain.TelemetryEvent) (*storage.BatchResult, error) {
	if len(events) == 0 {
		return nil, domain.NewValidationError("events", "batch is empty")
	}

	result := &storage.BatchResult{}
	for i, evt := range events {
		prepared, err := storage.Prepare(evt, s.sanitize)
		if err == nil {
			err = s.insert(ctx, prepared)
		}
		if err != nil {
			result.Failed = append(result.Failed, storage.BatchError{Index: i, Err: err.Error()})
			continue
		}
		result.Stored++
	}
	return result, nil
}

func (s *Store) insert(ctx context.Context, evt *domain.TelemetryEvent) error {
	metadataJSON, err := storage.MarshalMetadata(evt.Metadata)
	if err != nil {
		return err
	}

	label := evt.Label
	if s.codec != nil && label != "" {
		if label, err = s.codec.EncryptField(label); err != nil {
			return domain.NewStorageError("encrypt", err)
		}
	}
	if s.codec != nil && metadataJSON != "" {
		if metadataJSON, err = s.codec.EncryptField(metadataJSON); err != nil {
			return domain.NewStorageError("encrypt", err)
		}
	}

	var contextJSON string
	if len(evt.Context) > 0 {
		b, err := json.Marshal(evt.Context)
		if err != nil {
			return domain.NewValidationError("context", "not serializable")
		}
		contextJSON = string(b)
	}

	query := s.dialect.Rebind(`INSERT INTO telemetry_events
	(id, session_id, event_type, category, action, label, value, duration_ms, timestamp_ms, metadata, context, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		evt.ID, evt.SessionID, string(evt.Type), evt.Category, evt.Action,
		nullIfEmpty(label), evt.Value, evt.Duration, evt.Timestamp,
		nullIfEmpty(metadataJSON), nullIfEmpty(contextJSON), time.Now().UTC())
	if err != nil {
		return domain.NewStorageError("store", err)
	}
	return nil
}

// Query returns events matching the filter in timestamp order. The limit
// and offset are clamped before the query runs.
func (s *Store) Query(ctx context.Context, filter domain.QueryFilter) ([]*domain.TelemetryEvent, error) {
	if err := storage.ValidateFilter(&filter); err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	if filter.SessionID != "" {
		// Filters use the same normalization as writes, so correlation
		// works with the caller's raw id and hostile payloads match
		// nothing instead of altering the query.
		conds = append(conds, "session_id = ?")
		args = append(args, fieldcrypt.NormalizeSessionID(filter.SessionID))
	}
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.StartTime > 0 {
		conds = append(conds, "timestamp_ms >= ?")
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		conds = append(conds, "timestamp_ms <= ?")
		args = append(args, filter.EndTime)
	}

	query := `SELECT id, session_id, event_type, category, action, label, value, duration_ms, timestamp_ms, metadata, context
	FROM telemetry_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp_ms ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, domain.NewStorageError("query", err)
	}
	defer rows.Close()

	var events []*domain.TelemetryEvent
	for rows.Next() {
		evt, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("query", err)
	}
	return events, nil
}

func (s *Store) scanEvent(rows *sql.Rows) (*domain.TelemetryEvent, error) {
	var (
		evt          domain.TelemetryEvent
		eventType    string
		label        sql.NullString
		value        sql.NullFloat64
		duration     sql.NullInt64
		metadataJSON sql.NullString
		contextJSON  sql.NullString
	)
	if err := rows.Scan(&evt.ID, &evt.SessionID, &eventType, &evt.Category, &evt.Action,
		&label, &value, &duration, &evt.Timestamp, &metadataJSON, &contextJSON); err != nil {
		return nil, domain.NewStorageError("scan", err)
	}

	evt.Type = domain.EventType(eventType)
	evt.Value = value.Float64
	evt.Duration = duration.Int64

	if label.Valid && label.String != "" {
		plain := label.String
		if s.codec != nil {
			var err error
			if plain, err = s.codec.DecryptField(plain); err != nil {
				return nil, domain.NewStorageError("decrypt", err)
			}
		}
		evt.Label = plain
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		raw := metadataJSON.String
		if s.codec != nil {
			var err error
			if raw, err = s.codec.DecryptField(raw); err != nil {
				return nil, domain.NewStorageError("decrypt", err)
			}
		}
		if err := json.Unmarshal([]byte(raw), &evt.Metadata); err != nil {
			return nil, domain.NewStorageError("decode", err)
		}
	}

	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &evt.Context); err != nil {
			return nil, domain.NewStorageError("decode", err)
		}
	}
	return &evt, nil
}

// Stats summarizes stored contents.
func (s *Store) Stats(ctx context.Context) (*domain.StorageStats, error) {
	stats := &domain.StorageStats{EventsByType: make(map[string]int64)}

	var oldest, newest sql.NullInt64
	query := s.dialect.Rebind(`SELECT COUNT(*), COUNT(DISTINCT session_id), MIN(timestamp_ms), MAX(timestamp_ms)
	FROM telemetry_events`)
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.TotalEvents, &stats.TotalSessions, &oldest, &newest); err != nil {
		return nil, domain.NewStorageError("stats", err)
	}
	stats.OldestEvent = oldest.Int64
	stats.NewestEvent = newest.Int64

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT event_type, COUNT(*) FROM telemetry_events GROUP BY event_type`))
	if err != nil {
		return nil, domain.NewStorageError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, domain.NewStorageError("stats", err)
		}
		stats.EventsByType[typ] = count
	}
	return stats, rows.Err()
}

// Clean removes rows older than the retention horizon and reports how many
// were removed.
func (s *Store) Clean(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, domain.NewValidationError("retentionDays", "must be positive")
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	res, err := s.db.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM telemetry_events WHERE timestamp_ms < ?`), cutoff)
	if err != nil {
		return 0, domain.NewStorageError("clean", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("clean", err)
	}
	return removed, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
