package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/export"
	"github.com/flightdeck-ai/telemetry/internal/storage"
)

// Service is the façade the HTTP layer drives. The concrete
// implementation lives in internal/service.
type Service interface {
	Track(ctx context.Context, evt *domain.TelemetryEvent) error
	TrackBatch(ctx context.Context, events []*domain.TelemetryEvent) (*storage.BatchResult, error)
	Query(ctx context.Context, filter domain.QueryFilter) ([]*domain.TelemetryEvent, error)
	Export(ctx context.Context, format export.Format, filter domain.QueryFilter) ([]byte, error)
	Stats(ctx context.Context) (*domain.StorageStats, error)
	Sessions() ([]*domain.Session, error)
	Alerts(limit int) []*domain.Alert
	Clean(ctx context.Context, retentionDays int) (int64, error)
}

const maxBodyBytes = 1 << 20 // 1 MiB

type handlers struct {
	svc     Service
	metrics *Metrics
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) trackEvent(w http.ResponseWriter, r *http.Request) {
	var evt domain.TelemetryEvent
	if !decodeBody(w, r, &evt) {
		h.metrics.EventsRejected.WithLabelValues("malformed_body").Inc()
		return
	}
	if err := h.svc.Track(r.Context(), &evt); err != nil {
		h.metrics.EventsRejected.WithLabelValues(rejectReason(err)).Inc()
		writeError(w, err)
		return
	}
	h.metrics.EventsIngested.WithLabelValues(string(domain.ParseEventType(string(evt.Type)))).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *handlers) trackBatch(w http.ResponseWriter, r *http.Request) {
	var events []*domain.TelemetryEvent
	if !decodeBody(w, r, &events) {
		h.metrics.EventsRejected.WithLabelValues("malformed_body").Inc()
		return
	}
	result, err := h.svc.TrackBatch(r.Context(), events)
	if err != nil {
		writeError(w, err)
		return
	}
	h.metrics.EventsIngested.WithLabelValues("batch").Add(float64(result.Stored))
	h.metrics.EventsRejected.WithLabelValues("batch_item").Add(float64(len(result.Failed)))
	writeJSON(w, http.StatusAccepted, result)
}

func (h *handlers) queryEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := h.svc.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*domain.TelemetryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.svc.Export(r.Context(), format, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	switch format {
	case export.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.Sessions()
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handlers) alerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, domain.NewValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	alerts := h.svc.Alerts(limit)
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *handlers) clean(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retentionDays"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	removed, err := h.svc.Clean(r.Context(), req.RetentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func filterFromQuery(r *http.Request) (domain.QueryFilter, error) {
	q := r.URL.Query()
	filter := domain.QueryFilter{
		SessionID: q.Get("sessionId"),
		Category:  q.Get("category"),
		EventType: domain.EventType(q.Get("eventType")),
	}
	for _, field := range []struct {
		name string
		dst  *int64
	}{
		{"startTime", &filter.StartTime},
		{"endTime", &filter.EndTime},
	} {
		if s := q.Get(field.name); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return domain.QueryFilter{}, domain.NewValidationError(field.name, "must be epoch milliseconds")
			}
			*field.dst = v
		}
	}
	for _, field := range []struct {
		name string
		dst  *int
	}{
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	} {
		if s := q.Get(field.name); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil {
				return domain.QueryFilter{}, domain.NewValidationError(field.name, "must be an integer")
			}
			*field.dst = v
		}
	}
	return filter, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer io.Copy(io.Discard, body)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, domain.NewValidationError("body", "malformed JSON"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses without leaking
// internals: validation details are safe, storage internals are not.
func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
	case errors.Is(err, domain.ErrServiceStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service is shutting down"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func rejectReason(err error) string {
	if domain.IsValidation(err) {
		return "validation"
	}
	if errors.Is(err, domain.ErrServiceStopped) {
		return "stopped"
	}
	return "storage"
}
