// Package cache stores raw upstream payloads in Redis, falling back to an
// in-memory map while Redis is disabled or unreachable.
package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/XTFG/nezha-dash-v1/internal/logging"
)

var logger = logging.New("cache")

// Mode indicates which backend is active.
type Mode string

const (
	ModeRedis    Mode = "redis"
	ModeInMemory Mode = "in-memory"
)

// Config configures the cache service.
type Config struct {
	Enabled        bool
	Address        string
	Password       string
	DB             int
	KeyPrefix      string
	HealthInterval time.Duration
}

type item struct {
	data      []byte
	expiresAt time.Time
}

func (i item) expired(now time.Time) bool {
	return now.After(i.expiresAt)
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Mode    Mode  `json:"mode"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"inMemoryEntries"`
}

// Service is the payload cache.
type Service struct {
	cfg   Config
	redis *redis.Client

	mode   Mode
	modeMu sync.RWMutex

	inMemory sync.Map

	hits   atomic.Int64
	misses atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates the service and tries Redis once when enabled. It never
// fails: without Redis the cache runs in memory.
func New(cfg Config) *Service {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "latency:"
	}

	s := &Service{
		cfg:      cfg,
		mode:     ModeInMemory,
		stopChan: make(chan struct{}),
	}
	if !cfg.Enabled {
		logger.Info("redis disabled, using in-memory cache")
		return s
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     5,
		MinIdleConns: 1,
		MaxRetries:   2,
	})
	s.checkHealth()
	go s.runHealthCheckLoop()
	return s
}

// Mode returns the active backend.
func (s *Service) Mode() Mode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.mode
}

func (s *Service) setMode(mode Mode) {
	s.modeMu.Lock()
	defer s.modeMu.Unlock()
	if s.mode != mode {
		logger.Infof("cache mode changed: %s -> %s", s.mode, mode)
		s.mode = mode
	}
}

// Get returns the cached payload for key.
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool) {
	if s.Mode() == ModeRedis {
		data, err := s.redis.Get(ctx, s.cfg.KeyPrefix+key).Bytes()
		switch {
		case err == nil:
			s.hits.Add(1)
			return data, true
		case errors.Is(err, redis.Nil):
			s.misses.Add(1)
			return nil, false
		default:
			logger.Warnf("redis get %s: %v, falling back to memory", key, err)
			s.setMode(ModeInMemory)
		}
	}

	v, ok := s.inMemory.Load(key)
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	it := v.(item)
	if it.expired(time.Now()) {
		s.inMemory.Delete(key)
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return it.data, true
}

// Set stores value under key for ttl.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if s.Mode() == ModeRedis {
		err := s.redis.Set(ctx, s.cfg.KeyPrefix+key, value, ttl).Err()
		if err == nil {
			return
		}
		logger.Warnf("redis set %s: %v, falling back to memory", key, err)
		s.setMode(ModeInMemory)
	}
	s.inMemory.Store(key, item{data: value, expiresAt: time.Now().Add(ttl)})
}

// Clear drops every entry from both backends.
func (s *Service) Clear(ctx context.Context) error {
	s.inMemory.Range(func(k, _ interface{}) bool {
		s.inMemory.Delete(k)
		return true
	})
	if s.Mode() != ModeRedis {
		return nil
	}

	iter := s.redis.Scan(ctx, 0, s.cfg.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Stats returns usage counters.
func (s *Service) Stats() Stats {
	entries := 0
	s.inMemory.Range(func(_, _ interface{}) bool {
		entries++
		return true
	})
	return Stats{
		Mode:    s.Mode(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: entries,
	}
}

// Stop ends the health loop and closes Redis.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.redis != nil {
			s.redis.Close()
		}
	})
}

func (s *Service) runHealthCheckLoop() {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkHealth()
			s.sweepExpired()
		case <-s.stopChan:
			return
		}
	}
}

// checkHealth pings Redis and switches mode. Coming back from memory mode
// copies the live in-memory entries into Redis.
func (s *Service) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		if s.Mode() == ModeRedis {
			logger.Warnf("redis health check failed: %v", err)
		}
		s.setMode(ModeInMemory)
		return
	}

	if s.Mode() == ModeInMemory {
		s.syncInMemoryToRedis(ctx)
	}
	s.setMode(ModeRedis)
}

func (s *Service) syncInMemoryToRedis(ctx context.Context) {
	now := time.Now()
	synced := 0
	s.inMemory.Range(func(k, v interface{}) bool {
		it := v.(item)
		if !it.expired(now) {
			if err := s.redis.Set(ctx, s.cfg.KeyPrefix+k.(string), it.data, it.expiresAt.Sub(now)).Err(); err != nil {
				logger.Warnf("sync %v to redis: %v", k, err)
				return false
			}
			synced++
		}
		s.inMemory.Delete(k)
		return true
	})
	if synced > 0 {
		logger.Infof("synced %d in-memory entries to redis", synced)
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()
	s.inMemory.Range(func(k, v interface{}) bool {
		if v.(item).expired(now) {
			s.inMemory.Delete(k)
		}
		return true
	})
}
