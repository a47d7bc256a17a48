package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func delta(from, to int) storage.RecordSet {
	var s storage.RecordSet
	for i := from; i < to; i++ {
		url := fmt.Sprintf("http://w/p-%d", i)
		s.Pages = append(s.Pages, storage.PageRecord{URL: url, Title: fmt.Sprint("Page ", i), Rating: float64(i)})
		s.Votes = append(s.Votes, storage.VoteRecord{PageURL: url, VoterID: "1", Timestamp: "2020-01-01T00:00:00Z", Direction: 1})
	}
	return s
}

func newStore(t *testing.T) (*Store, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	return NewStore(filepath.Join(t.TempDir(), "cp"), logger), hook
}

func persist(t *testing.T, s *Store, progress int, cursor string, ts time.Time, records storage.RecordSet) string {
	t.Helper()
	path, err := s.Persist(&Checkpoint{
		RunID:        "run-1",
		Progress:     progress,
		Batch:        progress / 10,
		Cursor:       CursorPtr(cursor),
		Timestamp:    ts,
		RecordCounts: storage.Counts{Pages: progress, Votes: progress},
		Records:      records,
	})
	require.NoError(t, err)
	return path
}

func TestRecover_EmptyOrMissingDir(t *testing.T) {
	s, _ := newStore(t)
	rec, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	rec, err = s.Recover()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPersistRecover_RoundTrip(t *testing.T) {
	s, _ := newStore(t)
	persist(t, s, 10, "C1", base, delta(0, 10))
	persist(t, s, 20, "C2", base.Add(time.Minute), delta(10, 20))
	persist(t, s, 25, "C3", base.Add(2*time.Minute), delta(20, 25))

	rec, err := s.Recover()
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, 25, rec.Progress)
	assert.Equal(t, "C3", rec.Cursor)
	assert.Equal(t, 2, rec.Batch)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, 3, rec.Artifacts)
	assert.Equal(t, 0, rec.Skipped)
	assert.Equal(t, delta(0, 25), rec.Records)
	assert.Equal(t, storage.Counts{Pages: 25, Votes: 25}, rec.Counts)
}

func TestRecover_NullCursor(t *testing.T) {
	s, _ := newStore(t)
	path := persist(t, s, 0, "", base, storage.RecordSet{})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cursor":null`)

	rec, err := s.Recover()
	require.NoError(t, err)
	assert.Equal(t, "", rec.Cursor)
}

func TestRecover_PicksHighestProgressThenLatestTimestamp(t *testing.T) {
	s, _ := newStore(t)
	// written out of order on purpose
	persist(t, s, 30, "late", base.Add(5*time.Minute), delta(20, 30))
	persist(t, s, 10, "C1", base, delta(0, 10))
	persist(t, s, 30, "early", base.Add(time.Minute), storage.RecordSet{})
	persist(t, s, 20, "C2", base.Add(30*time.Second), delta(10, 20))

	rec, err := s.Recover()
	require.NoError(t, err)
	assert.Equal(t, 30, rec.Progress)
	assert.Equal(t, "late", rec.Cursor)
	assert.Len(t, rec.Records.Pages, 30)
}

func TestRecover_SkipsCorruptArtifacts(t *testing.T) {
	s, hook := newStore(t)
	persist(t, s, 10, "C1", base, delta(0, 10))
	latest := persist(t, s, 20, "C2", base.Add(time.Minute), delta(10, 20))

	// truncated write of what would have been the newest checkpoint
	garbage := filepath.Join(s.Dir(), "checkpoint_0000000030_1.json")
	require.NoError(t, os.WriteFile(garbage, []byte(`{"version":1,"progress":30,"cur`), 0o644))

	// tamper with records so the checksum no longer matches
	raw, err := os.ReadFile(latest)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "Page 15", "Page XX", 1)
	require.NoError(t, os.WriteFile(latest, []byte(tampered), 0o644))

	// temp files from an interrupted write are ignored entirely
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".checkpoint-123.tmp"), []byte("{"), 0o644))

	rec, err := s.Recover()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 10, rec.Progress)
	assert.Equal(t, "C1", rec.Cursor)
	assert.Equal(t, 2, rec.Skipped)
	assert.Len(t, rec.Records.Pages, 10)

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestRecover_AllCorrupt(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, os.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "checkpoint_0000000010_1.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "checkpoint_0000000020_1.json"), []byte(`{"version":99}`), 0o644))

	rec, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, problems, err := s.List()
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.True(t, IsCorruption(problems[0]))
}

func TestList_AndWritten(t *testing.T) {
	s, _ := newStore(t)
	persist(t, s, 20, "C2", base.Add(time.Minute), delta(10, 20))
	persist(t, s, 10, "C1", base, delta(0, 10))

	written := s.Written()
	require.Len(t, written, 2)
	assert.Equal(t, 20, written[0].Progress)

	infos, problems, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, problems)
	require.Len(t, infos, 2)
	assert.Equal(t, 10, infos[0].Progress)
	assert.Equal(t, 10, infos[0].Delta.Pages)
	assert.Equal(t, "C2", infos[1].Cursor)
}

func TestClear(t *testing.T) {
	s, _ := newStore(t)
	persist(t, s, 10, "C1", base, delta(0, 10))
	persist(t, s, 20, "C2", base.Add(time.Minute), delta(10, 20))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("keep"), 0o644))

	removed, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Empty(t, s.Written())
	assert.FileExists(t, filepath.Join(s.Dir(), "notes.txt"))

	rec, err := s.Recover()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`)))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
