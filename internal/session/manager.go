package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/chanbridge/internal/metrics"
	"github.com/user/chanbridge/internal/state"
	"github.com/user/chanbridge/internal/types"
)

type entry struct {
	record  Record
	touched time.Time
}

// Manager owns the process-local session cache and mediates every
// create, load and save through a storage backend.
//
// Every access to a session happens under its per-id lock: resolution,
// mutation, ending and reads. Concurrent first references create or load
// a session exactly once per process, and callers outside WithSession
// only ever see copies of cached sessions.
type Manager struct {
	backend  types.Backend
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time
	locks    state.KeyedMutex

	mu    sync.Mutex
	cache map[string]*entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for swallowed errors.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager persisting through backend.
func NewManager(backend types.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logger:  slog.Default().With("component", "session"),
		now:     time.Now,
		cache:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recorder == nil {
		m.recorder = metrics.Default()
	}
	return m
}

// timeErrorHook logs and counts a failed duration computation.
func (m *Manager) timeErrorHook(sessionID string, err error) {
	m.logger.Warn("session duration not computed", "session_id", sessionID, "error", err)
	m.recorder.TimeComputationError(context.Background(), sessionID)
}

// CreateSession builds a new in-memory session. It is neither cached nor
// persisted. A nil startTime means now.
func (m *Manager) CreateSession(channelID, threadID string, startTime *time.Time, enriched bool) Record {
	start := m.now()
	if startTime != nil {
		start = *startTime
	}
	var rec Record
	if enriched {
		rec = NewEnrichedSession(channelID, threadID, start)
	} else {
		rec = NewSession(channelID, threadID, start)
	}
	rec.Base().OnTimeError = m.timeErrorHook
	return rec
}

// LoadSession reads a session from the backend and caches it. A missing
// key yields (nil, nil). Backend failures and undecodable data are
// returned as errors.
func (m *Manager) LoadSession(ctx context.Context, sessionID string) (*EnrichedSession, error) {
	defer m.locks.Lock(sessionID)()

	s, err := m.load(ctx, sessionID)
	if err != nil || s == nil {
		return nil, err
	}
	m.put(sessionID, s)
	return s, nil
}

// load reads and decodes a stored session without caching it.
func (m *Manager) load(ctx context.Context, sessionID string) (*EnrichedSession, error) {
	data, err := m.backend.Read(ctx, sessionID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	s, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s.OnTimeError = m.timeErrorHook
	return s, nil
}

// SaveSession writes the full session state, replacing any stored value.
func (m *Manager) SaveSession(ctx context.Context, rec Record) error {
	id := rec.Base().SessionID
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	if err := m.backend.Write(ctx, id, data); err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

// GetOrCreateSession returns the cached session for the pair, loading it
// from the backend or creating it on first reference. An ended session is
// never returned: it is archived and a new one takes its place.
//
// The returned record is the cached instance. Mutate it through
// WithSession, which holds the session lock.
func (m *Manager) GetOrCreateSession(ctx context.Context, channelID, threadID string, enriched bool) (Record, error) {
	id := GenerateSessionID(channelID, threadID)
	defer m.locks.Lock(id)()

	return m.resolve(ctx, id, channelID, threadID, enriched)
}

// resolve is GetOrCreateSession's body. Caller must hold the session lock.
func (m *Manager) resolve(ctx context.Context, id, channelID, threadID string, enriched bool) (Record, error) {
	prev := m.cached(id)
	if prev == nil {
		loaded, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			prev = loaded
		}
	}
	if prev != nil {
		if !prev.Base().Ended() {
			m.put(id, prev)
			return prev, nil
		}
		// The conversation was closed. Keep its history under the archive
		// key before the live key is reused.
		if err := m.archive(ctx, prev); err != nil {
			return nil, err
		}
	}

	rec := m.CreateSession(channelID, threadID, nil, enriched)
	m.put(id, rec)
	m.logger.Debug("session created", "session_id", id, "enriched", enriched, "replaces_ended", prev != nil)
	return rec, nil
}

// WithSession resolves the enriched session for the pair, runs fn while
// holding the session lock, and saves the result if fn succeeds.
func (m *Manager) WithSession(ctx context.Context, channelID, threadID string, fn func(*EnrichedSession) error) error {
	id := GenerateSessionID(channelID, threadID)
	defer m.locks.Lock(id)()

	rec, err := m.resolve(ctx, id, channelID, threadID, true)
	if err != nil {
		return err
	}
	s, ok := rec.(*EnrichedSession)
	if !ok {
		return fmt.Errorf("session %s is not enriched", id)
	}
	if err := fn(s); err != nil {
		return err
	}
	return m.SaveSession(ctx, s)
}

// AddUserInteractionToMessage appends interaction to a message and saves
// the session. It takes the session lock, so it must not be called from
// inside WithSession; use the EnrichedSession method there.
func (m *Manager) AddUserInteractionToMessage(ctx context.Context, s *EnrichedSession, index int, interaction Interaction) error {
	defer m.locks.Lock(s.SessionID)()

	if err := s.AddUserInteractionToMessage(index, interaction); err != nil {
		return fmt.Errorf("session %s: %w", s.SessionID, err)
	}
	return m.SaveSession(ctx, s)
}

// AddMindInteractionToMessage appends interaction to a message's mind log
// and saves the session. Like AddUserInteractionToMessage it takes the
// session lock.
func (m *Manager) AddMindInteractionToMessage(ctx context.Context, s *EnrichedSession, index int, interaction Interaction) error {
	defer m.locks.Lock(s.SessionID)()

	if err := s.AddMindInteractionToMessage(index, interaction); err != nil {
		return fmt.Errorf("session %s: %w", s.SessionID, err)
	}
	return m.SaveSession(ctx, s)
}

// EndSession ends the session with the given id, saves it, archives a
// copy under ArchiveSessionID and drops it from the cache. The next event
// for the conversation starts a new session. It returns a copy of the
// ended session, or nil if no such session exists. Ending an ended
// session only returns it.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (Record, error) {
	defer m.locks.Lock(sessionID)()

	var rec Record
	if cached := m.cached(sessionID); cached != nil {
		rec = cached
	} else {
		loaded, err := m.load(ctx, sessionID)
		if err != nil || loaded == nil {
			return nil, err
		}
		rec = loaded
	}
	if err := m.end(ctx, rec); err != nil {
		return nil, err
	}
	return snapshot(rec)
}

// end closes rec. Caller must hold the session lock.
func (m *Manager) end(ctx context.Context, rec Record) error {
	id := rec.Base().SessionID
	if !rec.Base().Ended() {
		rec.Base().EndSessionAt(m.now())
		if err := m.SaveSession(ctx, rec); err != nil {
			return err
		}
		if err := m.archive(ctx, rec); err != nil {
			return err
		}
	}
	m.evict(id)
	return nil
}

// archive writes a copy of the ended rec under its archive key.
func (m *Manager) archive(ctx context.Context, rec Record) error {
	base := rec.Base()
	end := m.now()
	if base.EndTime != nil {
		if t, err := parseTime(*base.EndTime); err == nil {
			end = t
		}
	}
	cp, err := snapshot(rec)
	if err != nil {
		return err
	}
	archiveID := ArchiveSessionID(base.SessionID, end)
	cp.Base().SessionID = archiveID
	if err := m.SaveSession(ctx, cp); err != nil {
		return fmt.Errorf("archive session %s: %w", base.SessionID, err)
	}
	m.logger.Info("session archived", "session_id", base.SessionID, "archive_id", archiveID)
	return nil
}

// Lookup returns a copy of the session with the given id, from the cache
// or the backend, without creating it. A miss returns (nil, nil). Lookup
// never adds to the cache, so reads do not make sessions reapable.
func (m *Manager) Lookup(ctx context.Context, sessionID string) (Record, error) {
	defer m.locks.Lock(sessionID)()

	if rec := m.peek(sessionID); rec != nil {
		return snapshot(rec)
	}
	s, err := m.load(ctx, sessionID)
	if err != nil || s == nil {
		return nil, err
	}
	return s, nil
}

// Evict drops a session from the cache. The stored copy is untouched.
func (m *Manager) Evict(sessionID string) {
	defer m.locks.Lock(sessionID)()
	m.evict(sessionID)
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, sessionID)
}

// Cached returns the ids of cached sessions, sorted.
func (m *Manager) Cached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.cache))
	for id := range m.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListSessions returns the ids of all stored sessions, archives included.
// Backends that cannot enumerate keys yield the cached ids instead.
func (m *Manager) ListSessions(ctx context.Context) ([]string, error) {
	lister, ok := m.backend.(types.Lister)
	if !ok {
		return m.Cached(), nil
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// ReapIdle ends and evicts cached sessions not touched within idle.
// Returns the number of sessions reaped.
func (m *Manager) ReapIdle(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := m.now().Add(-idle)

	m.mu.Lock()
	var stale []string
	for id, e := range m.cache {
		if e.touched.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	reaped := 0
	for _, id := range stale {
		ok, err := m.reapOne(ctx, id, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, errors.Join(errs...)
}

func (m *Manager) reapOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	defer m.locks.Lock(id)()

	m.mu.Lock()
	e, ok := m.cache[id]
	stale := ok && e.touched.Before(cutoff)
	m.mu.Unlock()
	// Touched again since the scan, or already gone.
	if !stale {
		return false, nil
	}

	if err := m.end(ctx, e.record); err != nil {
		return false, err
	}
	m.logger.Info("idle session reaped", "session_id", id)
	return true, nil
}

// cached returns the cached record and marks it used.
func (m *Manager) cached(id string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cache[id]
	if !ok {
		return nil
	}
	e.touched = m.now()
	return e.record
}

// peek returns the cached record without marking it used.
func (m *Manager) peek(id string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache[id]; ok {
		return e.record
	}
	return nil
}

// put caches rec, keeping the entry's last-use time current.
func (m *Manager) put(id string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cache[id]; ok && e.record == rec {
		e.touched = m.now()
		return
	}
	m.cache[id] = &entry{record: rec, touched: m.now()}
}

// snapshot deep-copies rec so it can be read without the session lock.
func snapshot(rec Record) (Record, error) {
	switch r := rec.(type) {
	case *EnrichedSession:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("copy session %s: %w", r.SessionID, err)
		}
		cp, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("copy session %s: %w", r.SessionID, err)
		}
		return cp, nil
	case *Session:
		cp := *r
		if r.EndTime != nil {
			end := *r.EndTime
			cp.EndTime = &end
		}
		cp.OnTimeError = nil
		return &cp, nil
	default:
		return nil, fmt.Errorf("unsupported session type %T", rec)
	}
}
