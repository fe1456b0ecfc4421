package parser

import "github.com/XTFG/nezha-dash-v1/internal/models"

const (
	ShapeTaskRecords = "tasks+records"
	ShapeRecords     = "records"
	ShapeRecordArray = "record-array"
)

// taskRecordsShape is {tasks: [{id, name}], records: [...]}. The task list
// seeds series so that tasks without records still show up.
type taskRecordsShape struct{}

func (s *taskRecordsShape) Name() string { return ShapeTaskRecords }

func (s *taskRecordsShape) Matches(doc interface{}) bool {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = obj["tasks"].([]interface{})
	return ok
}

func (s *taskRecordsShape) Decode(doc interface{}, b *seriesBuilder) {
	obj := doc.(map[string]interface{})
	for _, raw := range obj["tasks"].([]interface{}) {
		task, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		b.seed(models.Task{ID: parseID(task["id"]), Name: parseName(task["name"])})
	}
	// records may be absent or null when no task has data yet
	if records, ok := obj["records"].([]interface{}); ok {
		b.addAll(records)
	}
}

// recordsShape is {records: [...]} without a task list.
type recordsShape struct{}

func (s *recordsShape) Name() string { return ShapeRecords }

func (s *recordsShape) Matches(doc interface{}) bool {
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = obj["records"].([]interface{})
	return ok
}

func (s *recordsShape) Decode(doc interface{}, b *seriesBuilder) {
	b.addAll(doc.(map[string]interface{})["records"].([]interface{}))
}

// recordArrayShape is a bare array of records.
type recordArrayShape struct{}

func (s *recordArrayShape) Name() string { return ShapeRecordArray }

func (s *recordArrayShape) Matches(doc interface{}) bool {
	_, ok := doc.([]interface{})
	return ok
}

func (s *recordArrayShape) Decode(doc interface{}, b *seriesBuilder) {
	b.addAll(doc.([]interface{}))
}
