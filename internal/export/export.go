// Package export renders stored events into interchange formats: plain
// JSON and CSV, an OTLP-style trace document, and a columnar document
// with row groups and per-column statistics.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// Format names an export encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatOTLP     Format = "otlp"
	FormatColumnar Format = "parquet-like"
)

// ParseFormat validates a format string. Unsupported values fail before
// any data is read.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatOTLP:
		return FormatOTLP, nil
	case FormatColumnar:
		return FormatColumnar, nil
	default:
		return "", domain.NewValidationError("format", fmt.Sprintf("unsupported export format %q", s))
	}
}

// Options tunes an export run.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// RowGroupSize is the columnar row-group size.
	RowGroupSize int
	// DictionaryThreshold is the max distinct-value count at which a
	// string column is dictionary-encoded.
	DictionaryThreshold int
	// Gzip compresses the encoded output.
	Gzip bool
}

// DefaultOptions returns the export defaults.
func DefaultOptions() Options {
	return Options{
		ServiceName:         "telemetry",
		ServiceVersion:      "dev",
		RowGroupSize:        1000,
		DictionaryThreshold: 32,
	}
}

// Export encodes events in the given format. The format is validated
// before events are touched.
func Export(events []*domain.TelemetryEvent, format Format, opts Options) ([]byte, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.ServiceName == "" {
		opts.ServiceName = def.ServiceName
	}
	if opts.ServiceVersion == "" {
		opts.ServiceVersion = def.ServiceVersion
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = def.RowGroupSize
	}
	if opts.DictionaryThreshold <= 0 {
		opts.DictionaryThreshold = def.DictionaryThreshold
	}

	var (
		out []byte
		err error
	)
	switch format {
	case FormatJSON:
		out, err = exportJSON(events)
	case FormatCSV:
		out, err = exportCSV(events)
	case FormatOTLP:
		out, err = exportTrace(events, opts)
	case FormatColumnar:
		out, err = exportColumnar(events, opts)
	}
	if err != nil {
		return nil, err
	}
	if opts.Gzip {
		return compress(out)
	}
	return out, nil
}

func exportJSON(events []*domain.TelemetryEvent) ([]byte, error) {
	if events == nil {
		events = []*domain.TelemetryEvent{}
	}
	return json.MarshalIndent(events, "", "  ")
}

var csvHeader = []string{"id", "sessionId", "eventType", "category", "action", "timestamp", "label", "value", "duration"}

func exportCSV(events []*domain.TelemetryEvent) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, evt := range events {
		record := []string{
			evt.ID,
			evt.SessionID,
			string(evt.Type),
			evt.Category,
			evt.Action,
			strconv.FormatInt(evt.Timestamp, 10),
			evt.Label,
			strconv.FormatFloat(evt.Value, 'f', -1, 64),
			strconv.FormatInt(evt.Duration, 10),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
