package parser

import (
	"fmt"
	"strings"

	"github.com/XTFG/nezha-dash-v1/internal/logging"
	"github.com/XTFG/nezha-dash-v1/internal/models"
)

var logger = logging.New("parser")

// UpstreamError is reported by the upstream inside an otherwise valid payload.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "upstream error: " + e.Message
}

// CheckError returns an *UpstreamError when doc carries a non-empty "error"
// string field.
func CheckError(doc interface{}) error {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil
	}
	msg, ok := obj["error"].(string)
	if !ok || strings.TrimSpace(msg) == "" {
		return nil
	}
	return &UpstreamError{Message: msg}
}

// Adapt decodes raw and normalises it with the global registry.
func Adapt(raw []byte) (*Payload, error) {
	doc, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return globalRegistry.Adapt(doc), nil
}

// Adapt normalises an already decoded document into per-task series.
// Unknown shapes give an empty payload; unusable records are counted in
// Dropped and skipped.
func (r *Registry) Adapt(doc interface{}) *Payload {
	shape := r.FindShape(doc)
	if shape == nil {
		logger.Debugf("unrecognised payload shape %T", doc)
		return &Payload{Series: []models.MonitorSeries{}}
	}
	return adaptShape(shape, doc)
}

// AdaptAs is Adapt restricted to the named shape. It fails when the shape is
// unknown or doc does not have it.
func (r *Registry) AdaptAs(doc interface{}, name string) (*Payload, error) {
	shape, err := r.GetShapeByName(name)
	if err != nil {
		return nil, err
	}
	if !shape.Matches(doc) {
		return nil, fmt.Errorf("payload is not %s", shape.Name())
	}
	return adaptShape(shape, doc), nil
}

func adaptShape(shape Shape, doc interface{}) *Payload {
	b := newSeriesBuilder()
	shape.Decode(doc, b)
	if b.dropped > 0 {
		logger.Debugf("%s payload: dropped %d unusable records", shape.Name(), b.dropped)
	}

	return &Payload{
		Shape:       shape.Name(),
		Series:      b.series(),
		SourceRange: sourceRange(doc),
		Dropped:     b.dropped,
	}
}

// sourceRange reads the optional top-level from/to fields. An invalid or
// degenerate range is ignored.
func sourceRange(doc interface{}) *models.TimeRange {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil
	}
	from, okFrom := parseTime(obj["from"])
	to, okTo := parseTime(obj["to"])
	if !okFrom || !okTo {
		return nil
	}
	rng := models.TimeRange{Start: from, End: to}
	if !rng.Valid() {
		return nil
	}
	return &rng
}

// seriesBuilder groups records by task id, keeping first-seen order.
type seriesBuilder struct {
	order   []int64
	byID    map[int64]*models.MonitorSeries
	dropped int
}

func newSeriesBuilder() *seriesBuilder {
	return &seriesBuilder{byID: make(map[int64]*models.MonitorSeries)}
}

// seed registers a task so it appears even without records.
func (b *seriesBuilder) seed(task models.Task) *models.MonitorSeries {
	if s, ok := b.byID[task.ID]; ok {
		if task.Name != "" {
			s.MonitorName = globalNames.Intern(task.Name)
		}
		return s
	}

	name := task.Name
	if name == "" {
		name = models.DefaultMonitorName(task.ID)
	}
	s := &models.MonitorSeries{
		MonitorID:   task.ID,
		MonitorName: globalNames.Intern(name),
		CreatedAt:   []int64{},
		AvgDelay:    []models.Sample{},
	}
	b.byID[task.ID] = s
	b.order = append(b.order, task.ID)
	return s
}

func (b *seriesBuilder) addAll(records []interface{}) {
	for _, raw := range records {
		b.add(raw)
	}
}

func (b *seriesBuilder) add(raw interface{}) {
	rec, ok := raw.(map[string]interface{})
	if !ok {
		b.dropped++
		return
	}

	ts, ok := parseTime(rec["time"])
	if !ok {
		b.dropped++
		return
	}
	v, ok := parseValue(rec["value"])
	if !ok {
		b.dropped++
		return
	}

	id := parseID(rec["task_id"])
	s, known := b.byID[id]
	if !known {
		s = b.seed(models.Task{ID: id, Name: parseName(rec["name"])})
	}
	s.Append(ts, v)
}

func (b *seriesBuilder) series() []models.MonitorSeries {
	out := make([]models.MonitorSeries, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.byID[id])
	}
	return out
}

// String is used in debug logs.
func (p *Payload) String() string {
	return fmt.Sprintf("shape=%s series=%d dropped=%d", p.Shape, len(p.Series), p.Dropped)
}
