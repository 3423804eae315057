package export

import (
	"encoding/json"
	"math"

	"github.com/flightdeck-ai/telemetry/internal/domain"
)

// columnarDocument is the parquet-like export shape: fixed-size row
// groups, each with per-column statistics, dictionary-encoding string
// columns whose cardinality stays under the threshold.
type columnarDocument struct {
	Schema    []columnSchema `json:"schema"`
	RowGroups []rowGroup     `json:"rowGroups"`
	TotalRows int            `json:"totalRows"`
}

type columnSchema struct {
	Name string `json:"name"`
	Type string `json:"type"` // string | double | int64
}

type rowGroup struct {
	RowCount int                `json:"rowCount"`
	Columns  map[string]*column `json:"columns"`
}

type column struct {
	Stats columnStats `json:"stats"`
	// Values holds the literal column values for plain encoding.
	Values []any `json:"values,omitempty"`
	// Dictionary plus Indexes replace Values when dictionary-encoded.
	Dictionary []string `json:"dictionary,omitempty"`
	Indexes    []int    `json:"indexes,omitempty"`
}

type columnStats struct {
	Count     int      `json:"count"`
	NullCount int      `json:"nullCount"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Avg       *float64 `json:"avg,omitempty"`
	Distinct  int      `json:"distinct,omitempty"`
}

var columnarSchema = []columnSchema{
	{Name: "id", Type: "string"},
	{Name: "sessionId", Type: "string"},
	{Name: "eventType", Type: "string"},
	{Name: "category", Type: "string"},
	{Name: "action", Type: "string"},
	{Name: "label", Type: "string"},
	{Name: "timestamp", Type: "int64"},
	{Name: "value", Type: "double"},
	{Name: "duration", Type: "int64"},
}

func exportColumnar(events []*domain.TelemetryEvent, opts Options) ([]byte, error) {
	doc := columnarDocument{
		Schema:    columnarSchema,
		RowGroups: []rowGroup{},
		TotalRows: len(events),
	}

	for start := 0; start < len(events); start += opts.RowGroupSize {
		end := start + opts.RowGroupSize
		if end > len(events) {
			end = len(events)
		}
		doc.RowGroups = append(doc.RowGroups, buildRowGroup(events[start:end], opts.DictionaryThreshold))
	}
	return json.MarshalIndent(doc, "", "  ")
}

func buildRowGroup(rows []*domain.TelemetryEvent, dictThreshold int) rowGroup {
	g := rowGroup{
		RowCount: len(rows),
		Columns:  make(map[string]*column, len(columnarSchema)),
	}

	g.Columns["id"] = stringColumn(rows, dictThreshold, func(e *domain.TelemetryEvent) string { return e.ID })
	g.Columns["sessionId"] = stringColumn(rows, dictThreshold, func(e *domain.TelemetryEvent) string { return e.SessionID })
	g.Columns["eventType"] = stringColumn(rows, dictThreshold, func(e *domain.TelemetryEvent) string { return string(e.Type) })
	g.Columns["category"] = stringColumn(rows, dictThreshold, func(e *domain.TelemetryEvent) string { return e.Category })
	g.Columns["action"] = stringColumn(rows, dictThreshold, func(e *domain.TelemetryEvent) string { return e.Action })
	g.Columns["label"] = stringColumn(rows, dictThreshold, func(e *domain.TelemetryEvent) string { return e.Label })
	g.Columns["timestamp"] = numericColumn(rows, func(e *domain.TelemetryEvent) float64 {
		return float64(e.Timestamp)
	})
	g.Columns["value"] = numericColumn(rows, func(e *domain.TelemetryEvent) float64 {
		return e.Value
	})
	g.Columns["duration"] = numericColumn(rows, func(e *domain.TelemetryEvent) float64 {
		return float64(e.Duration)
	})
	return g
}

func stringColumn(rows []*domain.TelemetryEvent, dictThreshold int, get func(*domain.TelemetryEvent) string) *column {
	col := &column{}
	distinct := make(map[string]int)
	values := make([]string, len(rows))
	for i, row := range rows {
		v := get(row)
		values[i] = v
		if v == "" {
			col.Stats.NullCount++
			continue
		}
		col.Stats.Count++
		if _, seen := distinct[v]; !seen {
			distinct[v] = len(distinct)
		}
	}
	col.Stats.Distinct = len(distinct)

	if len(distinct) > 0 && len(distinct) <= dictThreshold {
		// Dictionary order follows first appearance.
		col.Dictionary = make([]string, len(distinct))
		for v, idx := range distinct {
			col.Dictionary[idx] = v
		}
		col.Indexes = make([]int, len(values))
		for i, v := range values {
			if v == "" {
				col.Indexes[i] = -1
				continue
			}
			col.Indexes[i] = distinct[v]
		}
		return col
	}

	col.Values = make([]any, len(values))
	for i, v := range values {
		if v == "" {
			col.Values[i] = nil
			continue
		}
		col.Values[i] = v
	}
	return col
}

// numericColumn encodes every row's value. Numeric event fields have no
// absent state on the wire, so a zero is stored as zero, never as null.
func numericColumn(rows []*domain.TelemetryEvent, get func(*domain.TelemetryEvent) float64) *column {
	col := &column{Values: make([]any, len(rows))}
	min := math.Inf(1)
	max := math.Inf(-1)
	sum := 0.0
	for i, row := range rows {
		v := get(row)
		col.Stats.Count++
		col.Values[i] = v
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if col.Stats.Count > 0 {
		avg := sum / float64(col.Stats.Count)
		col.Stats.Min = &min
		col.Stats.Max = &max
		col.Stats.Avg = &avg
	}
	return col
}
