// telemetry_test.go - Tests for the DuckDB telemetry store
package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XTFG/nezha-dash-v1/internal/models"
	"github.com/XTFG/nezha-dash-v1/internal/parser"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a temporary store whose clock is fixed at testNow
func createTestStore(t *testing.T) *TelemetryStore {
	t.Helper()
	store, err := NewTelemetryStore(filepath.Join(t.TempDir(), "telemetry.duckdb"), DefaultOptions())
	require.NoError(t, err)
	store.now = func() time.Time { return testNow }
	t.Cleanup(func() { store.Close() })
	return store
}

// minutesAgo builds a series with one point per offset, in minutes before testNow
func minutesAgo(id int64, name string, offsets ...int) models.MonitorSeries {
	s := models.MonitorSeries{MonitorID: id, MonitorName: name}
	for i, m := range offsets {
		s.Append(testNow.Add(-time.Duration(m)*time.Minute).UnixMilli(), models.ObservedSample(float64(10+i)))
	}
	return s
}

func fetchPayload(t *testing.T, store *TelemetryStore, q models.PingQuery) *parser.Payload {
	t.Helper()
	raw, err := store.Fetch(context.Background(), q)
	require.NoError(t, err)
	p, err := parser.Adapt(raw)
	require.NoError(t, err)
	return p
}

func TestNewTelemetryStore(t *testing.T) {
	t.Run("creates database file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "t.duckdb")
		store, err := NewTelemetryStore(path, DefaultOptions())
		require.NoError(t, err)
		defer store.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("reopens existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "t.duckdb")
		store, err := NewTelemetryStore(path, DefaultOptions())
		require.NoError(t, err)
		_, err = store.AddSeries(context.Background(), 1, []models.MonitorSeries{minutesAgo(1, "a", 5)})
		require.NoError(t, err)
		require.NoError(t, store.Close())

		store, err = NewTelemetryStore(path, DefaultOptions())
		require.NoError(t, err)
		defer store.Close()
		n, err := store.Count(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestTelemetryStore_FetchRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	lost := minutesAgo(2, "Tokyo", 3, 2, 1)
	lost.AvgDelay[1] = models.LostSample()

	n, err := store.AddSeries(ctx, 9, []models.MonitorSeries{minutesAgo(1, "", 3, 2), lost})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, store.UpsertTasks(ctx, 9, []models.Task{{ID: 3, Name: "idle"}}))

	p := fetchPayload(t, store, models.PingQuery{Type: models.QueryTypePing, SubjectID: 9, Hours: 1})
	assert.Equal(t, parser.ShapeTaskRecords, p.Shape)
	require.Len(t, p.Series, 3)

	assert.Equal(t, "task_1", p.Series[0].MonitorName)
	assert.Equal(t, 2, p.Series[0].Len())
	assert.Equal(t, "Tokyo", p.Series[1].MonitorName)
	assert.Equal(t, []models.Sample{models.ObservedSample(10), models.LostSample(), models.ObservedSample(12)}, p.Series[1].AvgDelay)
	assert.Equal(t, "idle", p.Series[2].MonitorName)
	assert.Equal(t, 0, p.Series[2].Len())

	require.NotNil(t, p.SourceRange)
	assert.Equal(t, testNow.UnixMilli(), p.SourceRange.End)
	assert.Equal(t, testNow.Add(-time.Hour).UnixMilli(), p.SourceRange.Start)
}

func TestTelemetryStore_FetchHonoursHours(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	_, err := store.AddSeries(ctx, 1, []models.MonitorSeries{minutesAgo(1, "a", 200, 90, 30, 5)})
	require.NoError(t, err)

	p := fetchPayload(t, store, models.PingQuery{SubjectID: 1, Hours: 1})
	assert.Equal(t, 2, p.Series[0].Len())

	p = fetchPayload(t, store, models.PingQuery{SubjectID: 1, Hours: 4})
	assert.Equal(t, 4, p.Series[0].Len())
}

func TestTelemetryStore_FetchHonoursMaxCount(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	_, err := store.AddSeries(ctx, 1, []models.MonitorSeries{minutesAgo(1, "a", 50, 40, 30, 20, 10)})
	require.NoError(t, err)

	p := fetchPayload(t, store, models.PingQuery{SubjectID: 1, Hours: 1, MaxCount: 2})
	require.Len(t, p.Series, 1)
	assert.Equal(t, []int64{
		testNow.Add(-20 * time.Minute).UnixMilli(),
		testNow.Add(-10 * time.Minute).UnixMilli(),
	}, p.Series[0].CreatedAt, "most recent records, ascending")
}

func TestTelemetryStore_SubjectsAreIsolated(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	_, err := store.AddSeries(ctx, 1, []models.MonitorSeries{minutesAgo(1, "a", 5)})
	require.NoError(t, err)

	p := fetchPayload(t, store, models.PingQuery{SubjectID: 2, Hours: 1})
	assert.Empty(t, p.Series)
}

func TestTelemetryStore_DeleteOlderThan(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	_, err := store.AddSeries(ctx, 1, []models.MonitorSeries{minutesAgo(1, "a", 120, 90, 10)})
	require.NoError(t, err)

	n, err := store.DeleteOlderThan(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := store.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
