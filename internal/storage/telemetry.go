// Package storage keeps ping telemetry in a local DuckDB file so the service
// can answer history queries without an upstream API.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/marcboeker/go-duckdb"

	"github.com/XTFG/nezha-dash-v1/internal/logging"
	"github.com/XTFG/nezha-dash-v1/internal/models"
)

var logger = logging.New("store")

const hourMs = int64(3600 * 1000)

// Options tunes the DuckDB connection.
type Options struct {
	MemoryLimit  string
	Threads      int
	MaxQueries   int
	DefaultLimit int
}

// DefaultOptions returns the options used by the server.
func DefaultOptions() Options {
	return Options{
		MemoryLimit:  "512MB",
		Threads:      2,
		MaxQueries:   3,
		DefaultLimit: 5000,
	}
}

// TelemetryStore stores ping tasks and records per subject in DuckDB and
// serves them back in the tasks+records payload shape.
type TelemetryStore struct {
	db     *sql.DB
	dbPath string
	opts   Options

	// Appender writes need a single connection at a time
	writeMu sync.Mutex

	// Semaphore to limit concurrent queries
	querySem chan struct{}

	now func() time.Time
}

// NewTelemetryStore opens (or creates) the store at dbPath. An empty path
// opens an in-memory database.
func NewTelemetryStore(dbPath string, opts Options) (*TelemetryStore, error) {
	if opts.MaxQueries <= 0 {
		opts.MaxQueries = 3
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 5000
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		var pragmas []string
		if opts.MemoryLimit != "" {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit))
		}
		if opts.Threads > 0 {
			pragmas = append(pragmas, fmt.Sprintf("PRAGMA threads=%d", opts.Threads))
		}
		pragmas = append(pragmas, "PRAGMA enable_progress_bar=false")
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			subject_id BIGINT NOT NULL,
			id         BIGINT NOT NULL,
			name       VARCHAR NOT NULL,
			PRIMARY KEY (subject_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS ping_records (
			subject_id BIGINT NOT NULL,
			task_id    BIGINT NOT NULL,
			ts         BIGINT NOT NULL,
			value      DOUBLE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ping_records_subject_ts ON ping_records(subject_id, ts)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	logger.Infof("telemetry store ready at %q", dbPath)
	return &TelemetryStore{
		db:       db,
		dbPath:   dbPath,
		opts:     opts,
		querySem: make(chan struct{}, opts.MaxQueries),
		now:      time.Now,
	}, nil
}

// UpsertTasks inserts or renames the given tasks of a subject.
func (s *TelemetryStore) UpsertTasks(ctx context.Context, subjectID uint64, tasks []models.Task) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		name := task.Name
		if name == "" {
			name = models.DefaultMonitorName(task.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO tasks (subject_id, id, name) VALUES (?, ?, ?)`,
			int64(subjectID), task.ID, name,
		); err != nil {
			return fmt.Errorf("failed to upsert task %d: %w", task.ID, err)
		}
	}
	return tx.Commit()
}

// AddSeries appends every point of series using the Appender API. Lost
// points are stored as the -1 sentinel. Returns the number of rows written.
func (s *TelemetryStore) AddSeries(ctx context.Context, subjectID uint64, series []models.MonitorSeries) (int, error) {
	tasks := make([]models.Task, 0, len(series))
	total := 0
	for _, ms := range series {
		tasks = append(tasks, models.Task{ID: ms.MonitorID, Name: ms.MonitorName})
		total += ms.Len()
	}
	if err := s.UpsertTasks(ctx, subjectID, tasks); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	written := 0
	err = conn.Raw(func(driverConn interface{}) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to duckdb.Conn")
		}

		appender, err := duckdb.NewAppenderFromConn(dConn, "", "ping_records")
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}
		defer appender.Close()

		for _, ms := range series {
			for i, ts := range ms.CreatedAt {
				if i >= len(ms.AvgDelay) {
					break
				}
				v := float64(models.LostValue)
				if sample := ms.AvgDelay[i]; sample.Valid() {
					v = sample.Value
				} else if sample.State == models.NotSampled {
					continue
				}
				if err := appender.AppendRow(int64(subjectID), ms.MonitorID, ts, v); err != nil {
					return fmt.Errorf("failed to append row: %w", err)
				}
				written++
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return 0, fmt.Errorf("appender error: %w", err)
	}

	logger.Debugf("subject %d: appended %d records in %v", subjectID, written, time.Since(start))
	return written, nil
}

// Fetch answers a ping query with a tasks+records payload covering the last
// q.Hours hours, limited to the q.MaxCount most recent records. The payload
// reports the queried window in its from/to fields.
func (s *TelemetryStore) Fetch(ctx context.Context, q models.PingQuery) ([]byte, error) {
	select {
	case s.querySem <- struct{}{}:
		defer func() { <-s.querySem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	hours := q.Hours
	if hours < 1 {
		hours = 1
	}
	limit := q.MaxCount
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}
	to := s.now().UnixMilli()
	from := to - int64(hours)*hourMs

	payload := models.PingPayload{
		Tasks:   []models.Task{},
		Records: []models.RawRecord{},
		From:    formatMs(from),
		To:      formatMs(to),
	}

	tasks, err := s.tasks(ctx, q.SubjectID)
	if err != nil {
		return nil, err
	}
	payload.Tasks = tasks

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, ts, value FROM (
			SELECT task_id, ts, value FROM ping_records
			WHERE subject_id = ? AND ts >= ? AND ts <= ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC, task_id ASC
	`, int64(q.SubjectID), from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			taskID, ts int64
			value      float64
		)
		if err := rows.Scan(&taskID, &ts, &value); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		payload.Records = append(payload.Records, models.RawRecord{
			TaskID: &taskID,
			Time:   formatMs(ts),
			Value:  &value,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

func (s *TelemetryStore) tasks(ctx context.Context, subjectID uint64) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM tasks WHERE subject_id = ? ORDER BY id`, int64(subjectID))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteOlderThan removes records older than cutoff and returns how many
// were deleted.
func (s *TelemetryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM ping_records WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Infof("retention removed %d records older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// RunRetention deletes records older than keep every interval until ctx ends.
// A non-positive interval means hourly.
func (s *TelemetryStore) RunRetention(ctx context.Context, keep, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.DeleteOlderThan(ctx, s.now().Add(-keep)); err != nil {
				logger.Errorf("retention: %v", err)
			}
		}
	}
}

// Count returns the number of stored records for a subject.
func (s *TelemetryStore) Count(ctx context.Context, subjectID uint64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ping_records WHERE subject_id = ?`, int64(subjectID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *TelemetryStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
