package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/rs/zerolog"
)

// Session is an open live share.
type Session struct {
	SubjectID   int64
	DisplayName string
	StartTime   time.Time
	LastUpdate  time.Time
}

// Entry pairs a session with its key.
type Entry struct {
	Key     Key
	Session Session
}

// Store is the in-memory registry of open sessions. Values are copied in and
// out; callers never hold a reference into the map.
type Store struct {
	mu       sync.RWMutex
	sessions map[Key]Session
	logger   zerolog.Logger

	persistMu sync.Mutex
}

// NewStore creates an empty store
func NewStore(logger zerolog.Logger) *Store {
	observability.EnsureRegistered()

	return &Store{
		sessions: make(map[Key]Session),
		logger:   logger.With().Str("component", "store").Logger(),
	}
}

// Open inserts a session starting at now. An existing session under the same
// key is overwritten with a warning; replaced reports whether that happened.
func (s *Store) Open(key Key, subjectID int64, displayName string, now time.Time) (replaced bool) {
	now = now.UTC()

	s.mu.Lock()
	prev, replaced := s.sessions[key]
	s.sessions[key] = Session{
		SubjectID:   subjectID,
		DisplayName: displayName,
		StartTime:   now,
		LastUpdate:  now,
	}
	count := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
	if replaced {
		s.logger.Warn().
			Str("session_key", key.String()).
			Int64("previous_subject_id", prev.SubjectID).
			Time("previous_start", prev.StartTime).
			Int64("subject_id", subjectID).
			Msg("Open on existing session key, overwriting")
	}
	return replaced
}

// Heartbeat records activity on key. It returns false if key is unknown.
// Timestamps never move backwards: an earlier now is clamped and logged.
func (s *Store) Heartbeat(key Key, now time.Time) bool {
	now = now.UTC()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return false
	}

	clamped := false
	floor := sess.LastUpdate
	if sess.StartTime.After(floor) {
		floor = sess.StartTime
	}
	if now.Before(floor) {
		clamped = true
		now = floor
	}
	sess.LastUpdate = now
	s.sessions[key] = sess
	s.mu.Unlock()

	if clamped {
		s.logger.Warn().
			Str("session_key", key.String()).
			Time("last_update", floor).
			Msg("Heartbeat older than last update, clamped")
	}
	return true
}

// Get returns a copy of the session under key.
func (s *Store) Get(key Key) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	return sess, ok
}

// Close removes key and returns the removed session. A second Close on the
// same key returns false.
func (s *Store) Close(key Key) (Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if ok {
		observability.SetActiveSessions(count)
	}
	return sess, ok
}

// Evict removes every session idle for longer than threshold and returns the
// number removed.
func (s *Store) Evict(now time.Time, threshold time.Duration) int {
	now = now.UTC()

	s.mu.Lock()
	var evicted []Entry
	for key, sess := range s.sessions {
		if now.Sub(sess.LastUpdate) > threshold {
			evicted = append(evicted, Entry{Key: key, Session: sess})
			delete(s.sessions, key)
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if len(evicted) > 0 {
		observability.SetActiveSessions(count)
	}
	for _, e := range evicted {
		s.logger.Info().
			Str("session_key", e.Key.String()).
			Int64("subject_id", e.Session.SubjectID).
			Str("display_name", e.Session.DisplayName).
			Time("last_update", e.Session.LastUpdate).
			Dur("idle", now.Sub(e.Session.LastUpdate)).
			Msg("Evicted inactive session")
	}
	return len(evicted)
}

// Snapshot returns a point-in-time copy of all sessions ordered by key.
func (s *Store) Snapshot() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.sessions))
	for key, sess := range s.sessions {
		entries = append(entries, Entry{Key: key, Session: sess})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Key, entries[j].Key
		if a.ChatID != b.ChatID {
			return a.ChatID < b.ChatID
		}
		return a.MessageID < b.MessageID
	})
	return entries
}

// Restore replaces the registry contents. Used once at startup.
func (s *Store) Restore(entries []Entry) {
	sessions := make(map[Key]Session, len(entries))
	for _, e := range entries {
		sess := e.Session
		sess.StartTime = sess.StartTime.UTC()
		sess.LastUpdate = sess.LastUpdate.UTC()
		sessions[e.Key] = sess
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	observability.SetActiveSessions(len(sessions))
}

// Persist writes a snapshot through p. Taking the snapshot and writing it
// happen under one lock, so a slow save never lands after a newer one.
func (s *Store) Persist(ctx context.Context, p Persister) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return p.Save(ctx, s.Snapshot())
}

// Len returns the number of open sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
