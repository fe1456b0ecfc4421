// mock_source.go - Mock telemetry source for testing
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/XTFG/nezha-dash-v1/internal/models"
)

// ErrNoPayload is returned for subjects without a stored payload.
var ErrNoPayload = errors.New("no payload for subject")

// MockSource implements pipeline.Source for testing
type MockSource struct {
	payloads map[uint64][]byte
	errs     map[uint64]error
	queries  []models.PingQuery
	calls    atomic.Int64
	delay    time.Duration
	mu       sync.RWMutex
}

// NewMockSource creates an empty mock source
func NewMockSource() *MockSource {
	return &MockSource{
		payloads: make(map[uint64][]byte),
		errs:     make(map[uint64]error),
	}
}

// SetRaw stores a raw payload for subjectID.
func (m *MockSource) SetRaw(subjectID uint64, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[subjectID] = []byte(raw)
}

// SetPayload stores v, JSON-encoded, for subjectID.
func (m *MockSource) SetPayload(subjectID uint64, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding mock payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[subjectID] = raw
	return nil
}

// SetError makes every fetch for subjectID fail with err.
func (m *MockSource) SetError(subjectID uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[subjectID] = err
}

// SetDelay makes each fetch block for d or until the context ends.
func (m *MockSource) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockSource) Fetch(ctx context.Context, q models.PingQuery) ([]byte, error) {
	m.calls.Add(1)

	m.mu.Lock()
	m.queries = append(m.queries, q)
	delay := m.delay
	raw, ok := m.payloads[q.SubjectID]
	err := m.errs[q.SubjectID]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoPayload
	}
	return raw, nil
}

// Calls returns the number of Fetch calls so far.
func (m *MockSource) Calls() int {
	return int(m.calls.Load())
}

// Queries returns every query received so far.
func (m *MockSource) Queries() []models.PingQuery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PingQuery(nil), m.queries...)
}

// RecordsPayload builds a tasks+records payload for one task sampled every
// intervalMs starting at startMs with the given delays. A negative delay is
// written as the lost sentinel.
func RecordsPayload(taskID int64, name string, startMs, intervalMs int64, delays ...float64) models.PingPayload {
	p := models.PingPayload{
		Tasks:   []models.Task{{ID: taskID, Name: name}},
		Records: make([]models.RawRecord, 0, len(delays)),
	}
	for i, d := range delays {
		id := taskID
		v := d
		if v < 0 {
			v = models.LostValue
		}
		p.Records = append(p.Records, models.RawRecord{
			TaskID: &id,
			Time:   time.UnixMilli(startMs + int64(i)*intervalMs).UTC().Format(time.RFC3339Nano),
			Value:  &v,
		})
	}
	return p
}
