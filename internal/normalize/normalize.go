// Package normalize converts staged raw payloads into canonical relational rows.
//
// A payload is a JSON object whose "results" member lists source records. Each
// record becomes exactly one row keyed by (s3_key, row_index), where row_index
// is the record's zero-based position in "results". Field-level problems yield
// nulls; only structural problems (payload or record not an object) fail.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"cstracker/internal/pointer"
)

var (
	// ErrNotJSONObject marks a payload whose top level is not a JSON object.
	ErrNotJSONObject = errors.New("payload is not a JSON object")
	// ErrResultsNotArray marks a payload whose "results" member is not an array.
	ErrResultsNotArray = errors.New("payload results is not an array")
	// ErrRecordNotObject marks a "results" entry that is not a JSON object.
	ErrRecordNotObject = errors.New("result record is not a JSON object")
)

// Table names a relational destination together with its insert columns.
type Table string

const (
	TableMeasurements Table = "measurements"
	TableObservations Table = "observations"
)

var tableColumns = map[Table][]string{
	TableMeasurements: {
		"source", "s3_key", "row_index", "location", "city", "country",
		"parameter", "value", "unit", "latitude", "longitude", "time_utc",
	},
	TableObservations: {
		"source", "s3_key", "row_index", "taxon_id", "scientific_name", "common_name",
		"latitude", "longitude", "observed_at", "place_city", "place_country", "quality_grade",
	},
}

// Columns returns the insert column order matching Row.Values.
func (t Table) Columns() []string {
	return tableColumns[t]
}

// Row is one normalized record ready for insertion.
type Row interface {
	Table() Table
	// Values returns column values in Table().Columns() order. Nil pointers become NULL.
	Values() []any
	Key() RowKey
}

// RowKey is the idempotency key of a row.
type RowKey struct {
	S3Key    string
	RowIndex int
}

// Strategy maps one source record to one row.
type Strategy interface {
	Table() Table
	Row(key RowKey, rec Record) Row
}

// Registry is the closed set of strategies keyed by source.
type Registry struct {
	strategies map[pointer.Source]Strategy
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	return &Registry{strategies: map[pointer.Source]Strategy{
		pointer.SourceOpenAQ:      measurementStrategy{source: pointer.SourceOpenAQ},
		pointer.SourceINaturalist: observationStrategy{source: pointer.SourceINaturalist},
	}}
}

// Lookup returns the strategy for source, or false when source is unknown.
func (r *Registry) Lookup(source pointer.Source) (Strategy, bool) {
	s, ok := r.strategies[source]
	return s, ok
}

// Normalize parses payload and applies s to every record in "results".
// An absent or null "results" yields zero rows.
func Normalize(s Strategy, s3Key string, payload []byte) ([]Row, error) {
	records, err := splitResults(payload)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(records))
	for i, raw := range records {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("results[%d]: %w", i, err)
		}
		rows = append(rows, s.Row(RowKey{S3Key: s3Key, RowIndex: i}, rec))
	}
	return rows, nil
}

// CountResults returns len(results) for a payload, using the same rules as Normalize.
func CountResults(payload []byte) (int, error) {
	records, err := splitResults(payload)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func splitResults(payload []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotJSONObject
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSONObject, err)
	}

	raw, ok := top["results"]
	if !ok || isNull(raw) {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResultsNotArray, err)
	}
	return records, nil
}

func decodeRecord(raw json.RawMessage) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrRecordNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordNotObject, err)
	}
	return Record(fields), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
