// Package snapshot persists the session registry as a JSON document so open
// shares survive a restart.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/livetrack/internal/observability"
	"github.com/harun/livetrack/internal/tracing"
	"github.com/harun/livetrack/pkg/presence"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultFileName is the snapshot file name inside the data directory.
const DefaultFileName = "active_shares_state.json"

// naiveLayout accepts timestamps written without a zone offset; they are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Storage reads and writes the snapshot file
type Storage struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// record is the on-disk shape of one session. user_id and username are
// accepted on read for files written by older deployments.
type record struct {
	SubjectID   *int64 `json:"subject_id,omitempty"`
	DisplayName string `json:"display_name"`
	StartTime   string `json:"start_time"`
	LastUpdate  string `json:"last_update,omitempty"`

	UserID   *int64 `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// New creates a Storage writing to path
func New(path string, logger zerolog.Logger) *Storage {
	observability.EnsureRegistered()

	return &Storage{
		path:   path,
		logger: logger.With().Str("component", "snapshot").Str("path", path).Logger(),
	}
}

// Path returns the snapshot file path
func (s *Storage) Path() string {
	return s.path
}

// Save atomically replaces the snapshot with entries. On failure the previous
// snapshot is left untouched and no temp file remains.
func (s *Storage) Save(ctx context.Context, entries []presence.Entry) (err error) {
	_, span := tracing.StartSpan(ctx, "snapshot.save", attribute.Int("entries", len(entries)))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordSnapshotSave(time.Since(start), err == nil)
		if err != nil {
			tracing.Fail(span, err)
			s.logger.Error().Err(err).Int("entries", len(entries)).Msg("Failed to save snapshot")
		}
	}()

	doc := make(map[string]record, len(entries))
	for _, e := range entries {
		subjectID := e.Session.SubjectID
		doc[e.Key.String()] = record{
			SubjectID:   &subjectID,
			DisplayName: e.Session.DisplayName,
			StartTime:   e.Session.StartTime.UTC().Format(time.RFC3339Nano),
			LastUpdate:  e.Session.LastUpdate.UTC().Format(time.RFC3339Nano),
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err = os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set snapshot permissions: %w", err)
	}

	// Atomic rename
	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	s.logger.Debug().Int("entries", len(entries)).Msg("Snapshot saved")
	return nil
}

// Load reads the snapshot. A missing or unreadable file yields no entries;
// malformed entries are skipped. Timestamps come back in UTC.
func (s *Storage) Load(ctx context.Context) []presence.Entry {
	_, span := tracing.StartSpan(ctx, "snapshot.load")
	defer span.End()

	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()

	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info().Msg("Snapshot file does not exist, starting fresh")
		return nil
	}
	if err != nil {
		tracing.Fail(span, err)
		s.logger.Error().Err(err).Msg("Failed to read snapshot, starting fresh")
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		tracing.Fail(span, err)
		s.logger.Error().Err(err).Msg("Failed to parse snapshot, starting fresh")
		return nil
	}

	entries := make([]presence.Entry, 0, len(raw))
	for k, v := range raw {
		entry, err := s.decodeEntry(k, v)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_key", k).Msg("Skipping malformed snapshot entry")
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Key, entries[j].Key
		if a.ChatID != b.ChatID {
			return a.ChatID < b.ChatID
		}
		return a.MessageID < b.MessageID
	})

	observability.SetSnapshotRestored(len(entries))
	span.SetAttributes(attribute.Int("entries", len(entries)))
	s.logger.Info().Int("entries", len(entries)).Int("skipped", len(raw)-len(entries)).Msg("Snapshot loaded")
	return entries
}

func (s *Storage) decodeEntry(k string, v json.RawMessage) (presence.Entry, error) {
	key, err := presence.ParseKey(k)
	if err != nil {
		return presence.Entry{}, err
	}

	var rec record
	if err := json.Unmarshal(v, &rec); err != nil {
		return presence.Entry{}, fmt.Errorf("invalid entry: %w", err)
	}

	subjectID := rec.SubjectID
	if subjectID == nil {
		subjectID = rec.UserID
	}
	if subjectID == nil {
		return presence.Entry{}, errors.New("missing subject_id")
	}
	name := rec.DisplayName
	if name == "" {
		name = rec.Username
	}

	if rec.StartTime == "" {
		return presence.Entry{}, errors.New("missing start_time")
	}
	startTime, err := parseTime(rec.StartTime)
	if err != nil {
		return presence.Entry{}, fmt.Errorf("invalid start_time: %w", err)
	}

	lastUpdate := startTime
	if rec.LastUpdate != "" {
		lastUpdate, err = parseTime(rec.LastUpdate)
		if err != nil {
			return presence.Entry{}, fmt.Errorf("invalid last_update: %w", err)
		}
	}
	if lastUpdate.Before(startTime) {
		s.logger.Warn().
			Str("session_key", k).
			Time("start_time", startTime).
			Time("last_update", lastUpdate).
			Msg("Snapshot last_update before start_time, clamped")
		lastUpdate = startTime
	}

	return presence.Entry{
		Key: key,
		Session: presence.Session{
			SubjectID:   *subjectID,
			DisplayName: name,
			StartTime:   startTime,
			LastUpdate:  lastUpdate,
		},
	}, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		naive, nerr := time.ParseInLocation(naiveLayout, s, time.UTC)
		if nerr != nil {
			return time.Time{}, err
		}
		t = naive
	}
	return t.UTC(), nil
}
