// Package session runs realtime views: each live session re-runs the
// pipeline on a fixed poll interval and publishes results to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XTFG/nezha-dash-v1/internal/logging"
	"github.com/XTFG/nezha-dash-v1/internal/models"
	"github.com/XTFG/nezha-dash-v1/internal/pipeline"
)

var logger = logging.New("session")

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many live sessions")
)

// DefaultMaxSessions limits concurrent live sessions
const DefaultMaxSessions = 50

// SessionKeepAliveWindow is how long to keep sessions that are actively being used
const SessionKeepAliveWindow = 5 * time.Minute

// DefaultPollInterval is the realtime refresh period.
const DefaultPollInterval = 10 * time.Second

// Runner executes one pipeline request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Config tunes a Manager.
type Config struct {
	PollInterval time.Duration
	MaxSessions  int
	RunTimeout   time.Duration
}

// Update is what subscribers receive after each published run.
type Update struct {
	SessionID  string           `json:"sessionId"`
	Generation uint64           `json:"generation"`
	Result     *pipeline.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Manager handles live sessions.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex
	runner   Runner
	cfg      Config
}

// SessionState holds the session metadata and the latest published result.
type SessionState struct {
	Session      *models.LiveSession
	Result       *pipeline.Result
	LastAccessed time.Time // Last time the session was accessed (for keep-alive)

	request     pipeline.Request
	nextGen     uint64 // last generation handed to a run
	cancel      context.CancelFunc
	subscribers map[chan *Update]struct{}
}

// NewManager creates a session manager that runs requests with runner.
func NewManager(runner Runner, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	return &Manager{
		sessions: make(map[string]*SessionState),
		runner:   runner,
		cfg:      cfg,
	}
}

// StartSession begins polling req and returns the new session.
func (m *Manager) StartSession(req pipeline.Request) (*models.LiveSession, error) {
	// Clean up idle sessions if at limit
	m.cleanupIdleSessionsIfNeeded()

	sessionID := uuid.New().String()
	session := models.NewLiveSession(sessionID, req.SubjectID, pipeline.NormalizeHours(req.Hours, 0))
	session.PeakCut = req.PeakCut
	session.Keys = req.Keys
	session.PollIntervalMs = m.cfg.PollInterval.Milliseconds()

	ctx, cancel := context.WithCancel(context.Background())
	state := &SessionState{
		Session:      session,
		LastAccessed: time.Now(),
		request:      req,
		cancel:       cancel,
		subscribers:  make(map[chan *Update]struct{}),
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		cancel()
		return nil, ErrTooManySessions
	}
	m.sessions[sessionID] = state
	snapshot := *session
	m.mu.Unlock()

	go m.pollLoop(ctx, sessionID)

	logger.Infof("[%s] live session started for subject %d", shortID(sessionID), req.SubjectID)
	return &snapshot, nil
}

// pollLoop triggers a run immediately and then every poll interval. Runs do
// not wait for each other: a slow fetch never delays the schedule, and a
// stale run that finishes late is discarded by publish.
func (m *Manager) pollLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.trigger(ctx, sessionID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.trigger(ctx, sessionID)
		}
	}
}

// trigger starts one run tagged with the next generation number.
func (m *Manager) trigger(ctx context.Context, sessionID string) {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.nextGen++
	gen := state.nextGen
	req := state.request
	m.mu.Unlock()

	go m.run(ctx, sessionID, gen, req)
}

func (m *Manager) run(ctx context.Context, sessionID string, gen uint64, req pipeline.Request) {
	// Recover from panics to prevent backend crash
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[%s] PANIC recovered in run %d: %v", shortID(sessionID), gen, r)
			m.publish(sessionID, gen, nil, fmt.Errorf("run panicked: %v", r), 0)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	result, err := m.runner.Run(runCtx, req)
	if ctx.Err() != nil {
		return
	}
	m.publish(sessionID, gen, result, err, time.Since(start))
}

// publish stores a run's outcome unless a newer generation was already
// published. Reports whether the outcome was accepted.
func (m *Manager) publish(sessionID string, gen uint64, result *pipeline.Result, runErr error, elapsed time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok || state.Session.Status == models.SessionStatusStopped {
		return false
	}
	if gen <= state.Session.Generation {
		logger.Debugf("[%s] discarding stale run %d (published %d)", shortID(sessionID), gen, state.Session.Generation)
		return false
	}

	s := state.Session
	s.Generation = gen
	s.LastRunMs = time.Now().UnixMilli()
	s.ProcessingMs = elapsed.Milliseconds()

	update := &Update{SessionID: sessionID, Generation: gen}
	if runErr != nil {
		s.Status = models.SessionStatusError
		s.LastError = runErr.Error()
		update.Error = s.LastError
		logger.Warnf("[%s] run %d failed: %v", shortID(sessionID), gen, runErr)
	} else {
		s.Status = models.SessionStatusLive
		s.LastError = ""
		state.Result = result
		update.Result = result
	}

	for ch := range state.subscribers {
		deliver(ch, update)
	}
	return true
}

// deliver replaces any undelivered update so slow subscribers only ever see
// the latest one.
func deliver(ch chan *Update, u *Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- u:
	default:
	}
}

// GetSession returns a snapshot of the session and its latest result.
func (m *Manager) GetSession(id string) (*models.LiveSession, *pipeline.Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, nil, false
	}
	snapshot := *state.Session
	return &snapshot, state.Result, true
}

// TouchSession updates the LastAccessed timestamp for a session.
// This should be called whenever a session is actively being used
// to prevent it from being cleaned up.
func (m *Manager) TouchSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return false
	}
	state.LastAccessed = time.Now()
	return true
}

// Subscribe returns a channel receiving the session's updates. The latest
// published result, if any, is delivered right away. Call the returned
// function to unsubscribe. The channel is closed when the session stops.
func (m *Manager) Subscribe(id string) (<-chan *Update, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}

	ch := make(chan *Update, 1)
	state.subscribers[ch] = struct{}{}
	state.LastAccessed = time.Now()
	if state.Result != nil {
		ch <- &Update{SessionID: id, Generation: state.Session.Generation, Result: state.Result}
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if st, ok := m.sessions[id]; ok {
				if _, subscribed := st.subscribers[ch]; subscribed {
					delete(st.subscribers, ch)
					close(ch)
				}
			}
		})
	}
	return ch, unsubscribe, nil
}

// StopSession stops polling and removes the session.
func (m *Manager) StopSession(id string) bool {
	m.mu.Lock()
	state, ok := m.sessions[id]
	if ok {
		m.stopLocked(id, state)
	}
	m.mu.Unlock()

	if ok {
		logger.Infof("[%s] live session stopped", shortID(id))
	}
	return ok
}

func (m *Manager) stopLocked(id string, state *SessionState) {
	state.cancel()
	state.Session.Status = models.SessionStatusStopped
	for ch := range state.subscribers {
		close(ch)
	}
	state.subscribers = nil
	delete(m.sessions, id)
}

// cleanupIdleSessionsIfNeeded removes sessions outside the keep-alive window
// when at capacity.
func (m *Manager) cleanupIdleSessionsIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) < m.cfg.MaxSessions {
		return
	}

	keepAliveCutoff := time.Now().Add(-SessionKeepAliveWindow)
	for id, state := range m.sessions {
		if len(state.subscribers) == 0 && state.LastAccessed.Before(keepAliveCutoff) {
			m.stopLocked(id, state)
			logger.Infof("[%s] cleaned up idle session to free a slot", shortID(id))
		}
	}
}

// CleanupOldSessions stops sessions not accessed within maxAge. Sessions
// with a connected subscriber are kept. Returns the number removed.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, state := range m.sessions {
		if len(state.subscribers) > 0 || state.LastAccessed.After(cutoff) {
			continue
		}
		logger.Infof("[%s] cleaned up aged session (last accessed: %s ago)",
			shortID(id), time.Since(state.LastAccessed).Round(time.Second))
		m.stopLocked(id, state)
		removed++
	}
	return removed
}

// RunCleanup calls CleanupOldSessions every interval until ctx ends.
func (m *Manager) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupOldSessions(maxAge)
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, state := range m.sessions {
		m.stopLocked(id, state)
	}
}

// shortID safely truncates an ID for logging (handles short IDs gracefully)
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
