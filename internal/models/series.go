package models

import (
	"fmt"
	"sort"
)

// Task identifies one ping task as listed by the upstream.
type Task struct {
	ID   int64  `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

// DefaultMonitorName is the display label used for tasks without a name.
func DefaultMonitorName(id int64) string {
	return fmt.Sprintf("task_%d", id)
}

// MonitorSeries is the delay history of one ping task.
// CreatedAt and AvgDelay are parallel and ascending after assembly.
type MonitorSeries struct {
	MonitorID   int64    `json:"monitor_id" msgpack:"monitor_id"`
	MonitorName string   `json:"monitor_name" msgpack:"monitor_name"`
	ServerID    uint64   `json:"server_id" msgpack:"server_id"`
	ServerName  string   `json:"server_name" msgpack:"server_name"`
	CreatedAt   []int64  `json:"created_at" msgpack:"created_at"`
	AvgDelay    []Sample `json:"avg_delay" msgpack:"avg_delay"`
}

// Len returns the number of points in the series.
func (s *MonitorSeries) Len() int {
	return len(s.CreatedAt)
}

// Append adds one point to the end of the series.
func (s *MonitorSeries) Append(ts int64, v Sample) {
	s.CreatedAt = append(s.CreatedAt, ts)
	s.AvgDelay = append(s.AvgDelay, v)
}

// IndexOf returns the index of the first point at ts, or -1.
// The series must be sorted.
func (s *MonitorSeries) IndexOf(ts int64) int {
	i := sort.Search(len(s.CreatedAt), func(i int) bool { return s.CreatedAt[i] >= ts })
	if i < len(s.CreatedAt) && s.CreatedAt[i] == ts {
		return i
	}
	return -1
}

// TimeRange represents a display window in epoch milliseconds.
type TimeRange struct {
	Start int64 `json:"start" msgpack:"start"`
	End   int64 `json:"end" msgpack:"end"`
}

// Valid reports whether the range is non-degenerate.
func (r TimeRange) Valid() bool {
	return r.Start < r.End
}

// Contains reports whether ts lies in [Start, End].
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

// OfflineSpan is a silence longer than the gap threshold. End is exclusive
// when the span is materialised into timeline points.
type OfflineSpan struct {
	Start int64 `json:"start" msgpack:"start"`
	End   int64 `json:"end" msgpack:"end"`
}

// Contains reports whether ts lies in [Start, End).
func (s OfflineSpan) Contains(ts int64) bool {
	return ts >= s.Start && ts < s.End
}

// Reconciliation is the shared x-axis all series are projected onto.
type Reconciliation struct {
	Timeline     []int64       `json:"timeline" msgpack:"timeline"`
	OfflineSpans []OfflineSpan `json:"offlineSpans" msgpack:"offlineSpans"`
	ObservedSet  []int64       `json:"observedSet" msgpack:"observedSet"`
	IntervalMs   int64         `json:"intervalMs" msgpack:"intervalMs"`
}

// IsOffline reports whether ts falls inside one of the offline spans.
func (r *Reconciliation) IsOffline(ts int64) bool {
	spans := r.OfflineSpans
	i := sort.Search(len(spans), func(i int) bool { return spans[i].End > ts })
	return i < len(spans) && spans[i].Contains(ts)
}

// PingQuery is the upstream telemetry request.
type PingQuery struct {
	Type      string `json:"type"`
	SubjectID uint64 `json:"subject_id"`
	MaxCount  int    `json:"maxCount"`
	Hours     int    `json:"hours"`
}

// QueryTypePing is the only query type the pipeline issues.
const QueryTypePing = "ping"

// Key identifies the query for caching and fetch coalescing.
func (q PingQuery) Key() string {
	return fmt.Sprintf("%s:%d:%d:%d", q.Type, q.SubjectID, q.Hours, q.MaxCount)
}
