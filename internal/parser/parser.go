// Package parser turns upstream telemetry payloads into per-task delay series.
package parser

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/XTFG/nezha-dash-v1/internal/models"
)

// Shape recognises and decodes one upstream payload layout.
type Shape interface {
	// Name returns the unique name of the shape.
	Name() string
	// Matches reports whether the decoded document has this shape.
	Matches(doc interface{}) bool
	// Decode appends every usable record of doc to b.
	Decode(doc interface{}, b *seriesBuilder)
}

// Payload is the adapter output for one upstream response.
type Payload struct {
	Shape       string                 `json:"shape,omitempty"`
	Series      []models.MonitorSeries `json:"series"`
	SourceRange *models.TimeRange      `json:"sourceRange,omitempty"`
	Dropped     int                    `json:"dropped"`
}

// Decode parses raw JSON into an untyped document. Numbers are kept as
// json.Number so integer ids and epoch values survive unchanged.
func Decode(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return doc, nil
}

// Timestamp layouts accepted in record "time" fields, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// parseTime converts a record time field to epoch milliseconds.
// Numbers are taken as epoch milliseconds.
func parseTime(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, true
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UnixMilli(), true
			}
		}
		return 0, false
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return ms, true
		}
		f, err := t.Float64()
		if err != nil || !finite(f) {
			return 0, false
		}
		return int64(f), true
	case float64:
		if !finite(t) {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}

// parseValue converts a record value field to a sample. -1 maps to Lost.
func parseValue(v interface{}) (models.Sample, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return models.Sample{}, false
		}
		f = parsed
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return models.Sample{}, false
		}
		f = parsed
	default:
		return models.Sample{}, false
	}

	if !finite(f) {
		return models.Sample{}, false
	}
	if f == models.LostValue {
		return models.LostSample(), true
	}
	return models.ObservedSample(f), true
}

// parseID reads a task id; anything unparseable is task 0.
func parseID(v interface{}) int64 {
	switch n := v.(type) {
	case json.Number:
		if id, err := n.Int64(); err == nil {
			return id
		}
		if f, err := n.Float64(); err == nil && finite(f) {
			return int64(f)
		}
	case float64:
		if finite(n) {
			return int64(n)
		}
	case string:
		if id, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return id
		}
	}
	return 0
}

func parseName(v interface{}) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
