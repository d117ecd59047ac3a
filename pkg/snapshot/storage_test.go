package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/livetrack/pkg/presence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 15, 12, 0, 0, 123456789, time.UTC)

func sampleEntries() []presence.Entry {
	return []presence.Entry{
		{
			Key:     presence.Key{ChatID: -100123, MessageID: 5},
			Session: presence.Session{SubjectID: 7, DisplayName: "alice", StartTime: t0, LastUpdate: t0.Add(10 * time.Minute)},
		},
		{
			Key:     presence.Key{ChatID: -100123, MessageID: 9},
			Session: presence.Session{SubjectID: 8, DisplayName: "bob", StartTime: t0, LastUpdate: t0},
		},
	}
}

func TestStorage_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", DefaultFileName)
	s := New(path, zerolog.Nop())

	require.NoError(t, s.Save(context.Background(), sampleEntries()))

	loaded := s.Load(context.Background())
	assert.Equal(t, sampleEntries(), loaded)
}

func TestStorage_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, DefaultFileName), zerolog.Nop())

	require.NoError(t, s.Save(context.Background(), sampleEntries()))
	require.NoError(t, s.Save(context.Background(), nil))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, DefaultFileName, files[0].Name())

	assert.Empty(t, s.Load(context.Background()))
}

func TestStorage_SaveFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	s := New(path, zerolog.Nop())
	require.NoError(t, s.Save(context.Background(), sampleEntries()))

	// a file where the directory should be makes every save fail
	blocker := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	broken := New(filepath.Join(blocker, DefaultFileName), zerolog.Nop())
	assert.Error(t, broken.Save(context.Background(), nil))

	assert.Equal(t, sampleEntries(), s.Load(context.Background()))
}

func TestStorage_FileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := New(path, zerolog.Nop())
	require.NoError(t, s.Save(context.Background(), sampleEntries()[:1]))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"-100123:5": {
			"subject_id": 7,
			"display_name": "alice",
			"start_time": "2024-03-15T12:00:00.123456789Z",
			"last_update": "2024-03-15T12:10:00.123456789Z"
		}
	}`, string(data))
}

func TestStorage_LoadMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent.json"), zerolog.Nop())
	assert.Empty(t, s.Load(context.Background()))
}

func TestStorage_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := New(path, zerolog.Nop())
	assert.Empty(t, s.Load(context.Background()))
}

func TestStorage_LoadSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"100:5": {"subject_id": 1, "display_name": "ok", "start_time": "2024-03-15T12:00:00Z", "last_update": "2024-03-15T12:05:00Z"},
		"bad-key": {"subject_id": 2, "display_name": "x", "start_time": "2024-03-15T12:00:00Z"},
		"100:6": {"subject_id": 3, "display_name": "y", "start_time": "yesterday"},
		"100:7": {"subject_id": 4, "display_name": "z"},
		"100:8": "not an object",
		"100:9": {"display_name": "no subject", "start_time": "2024-03-15T12:00:00Z"}
	}`), 0644))

	loaded := New(path, zerolog.Nop()).Load(context.Background())

	require.Len(t, loaded, 1)
	assert.Equal(t, presence.Key{ChatID: 100, MessageID: 5}, loaded[0].Key)
	assert.Equal(t, "ok", loaded[0].Session.DisplayName)
}

func TestStorage_LoadNormalisesToUTC(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"100:5": {"subject_id": 1, "display_name": "a", "start_time": "2024-03-15T09:00:00-03:00", "last_update": "2024-03-15T09:30:00.5-03:00"}
	}`), 0644))

	loaded := New(path, zerolog.Nop()).Load(context.Background())

	require.Len(t, loaded, 1)
	sess := loaded[0].Session
	assert.Equal(t, time.UTC, sess.StartTime.Location())
	assert.Equal(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), sess.StartTime)
	assert.Equal(t, time.Date(2024, 3, 15, 12, 30, 0, 500000000, time.UTC), sess.LastUpdate)
}

func TestStorage_LoadFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"100:5": {"user_id": 1, "username": "legacy", "start_time": "2024-03-15T12:00:00+00:00"},
		"100:6": {"subject_id": 2, "display_name": "skewed", "start_time": "2024-03-15T12:00:00Z", "last_update": "2024-03-15T11:00:00Z"},
		"100:7": {"subject_id": 3, "display_name": "naive", "start_time": "2024-03-15T12:00:00.250"}
	}`), 0644))

	loaded := New(path, zerolog.Nop()).Load(context.Background())
	require.Len(t, loaded, 3)

	start := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	legacy := loaded[0].Session
	assert.Equal(t, int64(1), legacy.SubjectID)
	assert.Equal(t, "legacy", legacy.DisplayName)
	assert.Equal(t, start, legacy.LastUpdate, "missing last_update falls back to start")

	skewed := loaded[1].Session
	assert.Equal(t, start, skewed.LastUpdate, "last_update before start is clamped")

	naive := loaded[2].Session
	assert.Equal(t, start.Add(250*time.Millisecond), naive.StartTime)
}

func TestStorage_RestoreIntoStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	s := New(path, zerolog.Nop())

	store := presence.NewStore(zerolog.Nop())
	store.Open(presence.Key{ChatID: 1, MessageID: 1}, 1, "alice", t0)
	require.NoError(t, store.Persist(context.Background(), s))

	restored := presence.NewStore(zerolog.Nop())
	restored.Restore(s.Load(context.Background()))

	assert.Equal(t, store.Snapshot(), restored.Snapshot())
}
