package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	filePrefix = "checkpoint_"
	fileSuffix = ".json"
	tmpPattern = ".checkpoint-*.tmp"
)

// Info describes one artifact without its records
type Info struct {
	Path      string
	RunID     string
	Progress  int
	Batch     int
	Cursor    string
	Timestamp time.Time
	Counts    storage.Counts // cumulative
	Delta     storage.Counts // records embedded in this artifact
}

// Recovery is the furthest resumable state reconstructed from disk
type Recovery struct {
	Progress int
	Batch    int
	Cursor   string
	RunID    string
	// Records is the union of every artifact's delta, oldest first
	Records   storage.RecordSet
	Counts    storage.Counts
	Latest    Info
	Artifacts int
	Skipped   int
}

// Store persists checkpoints as one JSON file each under a directory and is the only writer there
type Store struct {
	dir    string
	logger logrus.FieldLogger
	// artifacts written by this process, so a run never rescans the directory
	written []Info
}

// NewStore creates a new checkpoint store rooted at dir
func NewStore(dir string, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string { return s.dir }

// Persist writes cp atomically (temp file + rename) and returns the final path
func (s *Store) Persist(cp *Checkpoint) (string, error) {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	// Ensure directory exists
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := encode(cp)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, fileName(cp))
	if err := writeAtomic(s.dir, path, tmpPattern, data); err != nil {
		return "", err
	}

	info := infoOf(path, cp)
	s.written = append(s.written, info)
	s.logger.WithFields(logrus.Fields{
		"path":     path,
		"progress": cp.Progress,
		"records":  info.Delta.Total(),
	}).Info("Checkpoint written")

	return path, nil
}

// Written returns the artifacts persisted by this store instance, in write order
func (s *Store) Written() []Info {
	out := make([]Info, len(s.written))
	copy(out, s.written)
	return out
}

// Recover reconstructs the furthest resumable state. It returns nil when no readable checkpoint exists.
// Unreadable artifacts are logged and skipped.
func (s *Store) Recover() (*Recovery, error) {
	checkpoints, skipped, err := s.scan()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		if skipped > 0 {
			s.logger.Warnf("No usable checkpoint: all %d artifacts were unreadable", skipped)
		}
		return nil, nil
	}

	rec := &Recovery{Artifacts: len(checkpoints), Skipped: skipped}
	for _, cp := range checkpoints {
		rec.Records.Append(cp.Records)
	}

	latest := checkpoints[len(checkpoints)-1]
	rec.Progress = latest.Progress
	rec.Batch = latest.Batch
	rec.Cursor = latest.CursorValue()
	rec.RunID = latest.RunID
	rec.Counts = latest.RecordCounts
	rec.Latest = infoOf(latest.path, &latest.Checkpoint)

	s.logger.WithFields(logrus.Fields{
		"progress":  rec.Progress,
		"cursor":    rec.Cursor,
		"artifacts": rec.Artifacts,
		"skipped":   rec.Skipped,
	}).Infof("Recovered %d records from checkpoints", rec.Records.Counts().Total())

	return rec, nil
}

// List returns readable artifacts in recovery order plus the errors for the ones that were skipped
func (s *Store) List() ([]Info, []error, error) {
	entries, err := s.artifactPaths()
	if err != nil {
		return nil, nil, err
	}

	var infos []Info
	var problems []error
	for _, path := range entries {
		cp, err := readArtifact(path)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		infos = append(infos, infoOf(path, cp))
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return less(infos[i].Progress, infos[i].Timestamp, infos[i].Path, infos[j].Progress, infos[j].Timestamp, infos[j].Path)
	})
	return infos, problems, nil
}

// Clear removes every checkpoint artifact and leftover temp file, returning how many were removed
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !(isArtifact(e.Name()) || isTemp(e.Name())) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove checkpoint: %w", err)
		}
		removed++
	}
	s.written = nil
	return removed, nil
}

type located struct {
	Checkpoint
	path string
}

// scan reads every artifact once and sorts them ascending by progress, then timestamp
func (s *Store) scan() ([]located, int, error) {
	paths, err := s.artifactPaths()
	if err != nil {
		return nil, 0, err
	}

	var out []located
	skipped := 0
	for _, path := range paths {
		cp, err := readArtifact(path)
		if err != nil {
			skipped++
			s.logger.WithField("path", path).Warnf("Skipping unreadable checkpoint: %v", err)
			continue
		}
		out = append(out, located{Checkpoint: *cp, path: path})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].Progress, out[i].Timestamp, out[i].path, out[j].Progress, out[j].Timestamp, out[j].path)
	})
	return out, skipped, nil
}

func (s *Store) artifactPaths() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	return paths, nil
}

func less(pa int, ta time.Time, na string, pb int, tb time.Time, nb string) bool {
	if pa != pb {
		return pa < pb
	}
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return na < nb
}

func fileName(cp *Checkpoint) string {
	return fmt.Sprintf("%s%010d_%d%s", filePrefix, cp.Progress, cp.Timestamp.UnixNano(), fileSuffix)
}

func isArtifact(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}

func isTemp(name string) bool {
	ok, _ := filepath.Match(tmpPattern, name)
	return ok
}

func infoOf(path string, cp *Checkpoint) Info {
	return Info{
		Path:      path,
		RunID:     cp.RunID,
		Progress:  cp.Progress,
		Batch:     cp.Batch,
		Cursor:    cp.CursorValue(),
		Timestamp: cp.Timestamp,
		Counts:    cp.RecordCounts,
		Delta:     cp.Records.Counts(),
	}
}

// WriteFileAtomic replaces path with data so readers never observe a partial file
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(filepath.Dir(path), path, "."+filepath.Base(path)+"-*.tmp", data)
}

// writeAtomic writes data to a temp file in dir, syncs it and renames it over path
func writeAtomic(dir, path, pattern string, data []byte) error {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", werr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Cleanup on error (ignore error as rename already failed)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// IsCorruption reports whether err marks an unreadable artifact
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
