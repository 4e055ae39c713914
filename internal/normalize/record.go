package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one decoded "results" entry. Accessors walk nested objects by
// path and return nil for anything absent, null or of the wrong shape.
type Record map[string]json.RawMessage

// Raw returns the JSON value at path, or nil.
func (r Record) Raw(path ...string) json.RawMessage {
	if len(path) == 0 {
		return nil
	}
	cur, ok := r[path[0]]
	if !ok {
		return nil
	}
	for _, part := range path[1:] {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil || obj == nil {
			return nil
		}
		if cur, ok = obj[part]; !ok {
			return nil
		}
	}
	if isNull(cur) {
		return nil
	}
	return cur
}

// String returns a string field. Numbers and booleans are rendered as text;
// empty or whitespace-only strings become nil.
func (r Record) String(path ...string) *string {
	raw := r.Raw(path...)
	if raw == nil {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return &s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		out := n.String()
		return &out
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		out := strconv.FormatBool(b)
		return &out
	}
	return nil
}

// Float returns a numeric field. Numeric strings are accepted.
func (r Record) Float(path ...string) *float64 {
	return parseFloat(r.Raw(path...))
}

// Int returns an integral numeric field. Fractional values yield nil.
func (r Record) Int(path ...string) *int64 {
	f := parseFloat(r.Raw(path...))
	if f == nil || *f != math.Trunc(*f) || math.Abs(*f) > math.MaxInt64 {
		return nil
	}
	v := int64(*f)
	return &v
}

// Time returns the first of candidates that holds a parseable timestamp,
// converted to UTC.
func (r Record) Time(candidates ...[]string) *time.Time {
	for _, path := range candidates {
		s := r.String(path...)
		if s == nil {
			continue
		}
		if ts, ok := parseTimestamp(*s); ok {
			return &ts
		}
	}
	return nil
}

func parseFloat(raw json.RawMessage) *float64 {
	if raw == nil {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return floatFromText(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return floatFromText(s)
}

// floatFromText parses a finite decimal number.
func floatFromText(s string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and ISO 8601 variants. Values without a
// zone are taken as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// latLonPair returns both coordinates or neither. Values are stored as
// reported, without range checks.
func latLonPair(lat, lon *float64) (*float64, *float64) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	return lat, lon
}
