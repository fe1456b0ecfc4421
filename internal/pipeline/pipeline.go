// Package pipeline runs one latency history request end to end: fetch,
// adapt, assemble, reconcile and estimate loss concurrently, format, and
// optionally peak-cut.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/XTFG/nezha-dash-v1/internal/formatter"
	"github.com/XTFG/nezha-dash-v1/internal/logging"
	"github.com/XTFG/nezha-dash-v1/internal/loss"
	"github.com/XTFG/nezha-dash-v1/internal/models"
	"github.com/XTFG/nezha-dash-v1/internal/parser"
	"github.com/XTFG/nezha-dash-v1/internal/peakcut"
	"github.com/XTFG/nezha-dash-v1/internal/timeline"
)

var logger = logging.New("pipeline")

// ErrFetch marks every failure to obtain a usable payload: transport errors,
// malformed JSON and payloads carrying an error field.
var ErrFetch = errors.New("fetch failed")

// ErrCanceled marks a request abandoned because its own context ended.
// It wraps the context error, so errors.Is also matches
// context.Canceled and context.DeadlineExceeded.
var ErrCanceled = errors.New("request canceled")

// Source fetches the raw upstream payload for a query.
type Source interface {
	Fetch(ctx context.Context, q models.PingQuery) ([]byte, error)
}

// Cache stores raw payloads by query key.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Config tunes a Service.
type Config struct {
	// MaxHours clips requested hours; 0 disables clipping.
	MaxHours int
	// DefaultMaxCount is sent upstream when a request has none.
	DefaultMaxCount int
	// CacheTTL is how long fetched payloads are cached.
	CacheTTL time.Duration
	// FetchTimeout bounds a shared fetch, which outlives any one caller.
	FetchTimeout time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		MaxHours:        720,
		DefaultMaxCount: 5000,
		CacheTTL:        30 * time.Second,
		FetchTimeout:    30 * time.Second,
		Now:             time.Now,
	}
}

// Request is one pipeline invocation.
type Request struct {
	SubjectID uint64
	Hours     float64
	MaxCount  int
	PeakCut   bool
	Keys      []string
}

// Result holds every stage output of one invocation.
type Result struct {
	Query          models.PingQuery        `json:"query" msgpack:"query"`
	Shape          string                  `json:"shape,omitempty" msgpack:"shape,omitempty"`
	Series         []models.MonitorSeries  `json:"series" msgpack:"series"`
	Reconciliation models.Reconciliation   `json:"reconciliation" msgpack:"reconciliation"`
	Rows           []models.FormattedPoint `json:"rows" msgpack:"rows"`
	Columns        map[string]string       `json:"columns,omitempty" msgpack:"columns,omitempty"`
	Range          *models.TimeRange       `json:"range,omitempty" msgpack:"range,omitempty"`
	Dropped        int                     `json:"dropped" msgpack:"dropped"`
	PeakCut        bool                    `json:"peakCut" msgpack:"peakCut"`
	GeneratedAt    int64                   `json:"generatedAt" msgpack:"generatedAt"`
}

// Service runs the pipeline against a Source.
type Service struct {
	source   Source
	cache    Cache
	registry *parser.Registry
	cfg      Config
	group    singleflight.Group
}

// NewService creates a Service. cache may be nil.
func NewService(source Source, cache Cache, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Service{
		source:   source,
		cache:    cache,
		registry: parser.GetGlobalRegistry(),
		cfg:      cfg,
	}
}

// NormalizeHours converts a requested range to whole hours: max(1, floor(h)),
// clipped to maxHours when maxHours is positive.
func NormalizeHours(h float64, maxHours int) int {
	hours := 1
	if !math.IsNaN(h) && h >= 1 {
		if h > math.MaxInt32 {
			hours = math.MaxInt32
		} else {
			hours = int(math.Floor(h))
		}
	}
	if maxHours > 0 && hours > maxHours {
		hours = maxHours
	}
	return hours
}

// Query builds the upstream query for req.
func (s *Service) Query(req Request) models.PingQuery {
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = s.cfg.DefaultMaxCount
	}
	return models.PingQuery{
		Type:      models.QueryTypePing,
		SubjectID: req.SubjectID,
		MaxCount:  maxCount,
		Hours:     NormalizeHours(req.Hours, s.cfg.MaxHours),
	}
}

// Series fetches, adapts and assembles, without reconciling.
func (s *Service) Series(ctx context.Context, req Request) ([]models.MonitorSeries, error) {
	q := s.Query(req)
	payload, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}
	return s.assemble(q, payload), nil
}

// Run executes the whole pipeline for req.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	q := s.Query(req)

	payload, err := s.load(ctx, q)
	if err != nil {
		return nil, err
	}
	series := s.assemble(q, payload)
	now := s.cfg.Now().UnixMilli()

	result := &Result{
		Query:       q,
		Shape:       payload.Shape,
		Series:      series,
		Dropped:     payload.Dropped,
		PeakCut:     req.PeakCut,
		GeneratedAt: now,
	}

	rng, ok := timeline.DeriveRange(payload.SourceRange, series, q.Hours, now)
	if ok {
		result.Range = &rng
	}

	lossBySeries := make(map[int64][]float64, len(series))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result.Reconciliation = timeline.Reconcile(series, rng)
		return gctx.Err()
	})
	g.Go(func() error {
		for _, ms := range series {
			lossBySeries[ms.MonitorID] = loss.Estimate(ms.AvgDelay)
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	rows := formatter.Format(series, result.Reconciliation, lossBySeries)
	if req.PeakCut {
		rows = peakcut.Apply(rows, req.Keys)
	}
	result.Rows = rows
	if len(rows) > 0 {
		result.Columns = rows[0].ColumnNames()
	}

	logger.Debugf("subject %d: %d series, %d rows, %d offline spans in %v",
		q.SubjectID, len(series), len(rows), len(result.Reconciliation.OfflineSpans), time.Since(start))
	return result, nil
}

func (s *Service) assemble(q models.PingQuery, payload *parser.Payload) []models.MonitorSeries {
	series := parser.Assemble(payload.Series, s.cfg.Now().UnixMilli())
	for i := range series {
		series[i].ServerID = q.SubjectID
	}
	return series
}

type fetched struct {
	raw    []byte
	cached bool
}

// load fetches q, sharing one in-flight fetch per query key, and adapts the
// payload. Only payloads that pass the error check are cached.
//
// The shared fetch runs detached from every caller's cancellation, bounded
// by FetchTimeout; each caller stops waiting when its own ctx ends.
func (s *Service) load(ctx context.Context, q models.PingQuery) (*parser.Payload, error) {
	key := q.Key()
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		defer cancel()

		if s.cache != nil {
			if raw, ok := s.cache.Get(fctx, key); ok {
				return fetched{raw: raw, cached: true}, nil
			}
		}
		raw, err := s.source.Fetch(fctx, q)
		if err != nil {
			return nil, err
		}
		return fetched{raw: raw}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	if res.Err != nil {
		logger.Warnf("fetch %s: %v", key, res.Err)
		return nil, fmt.Errorf("%w: %w", ErrFetch, res.Err)
	}
	if res.Shared {
		logger.Debugf("fetch %s shared with a concurrent request", key)
	}
	f := res.Val.(fetched)

	doc, err := parser.Decode(f.raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if err := parser.CheckError(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	if s.cache != nil && !f.cached {
		s.cache.Set(ctx, key, f.raw, s.cfg.CacheTTL)
	}

	payload := s.registry.Adapt(doc)
	if payload.Dropped > 0 {
		logger.Infof("subject %d: dropped %d unusable records", q.SubjectID, payload.Dropped)
	}
	return payload, nil
}
