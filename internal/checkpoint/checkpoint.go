package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/storage"
)

// FormatVersion is written into every artifact; newer versions are rejected on read
const FormatVersion = 1

// Checkpoint is one durable progress marker plus the records collected since the previous one
type Checkpoint struct {
	Version      int               `json:"version"`
	RunID        string            `json:"runId"`
	Progress     int               `json:"progress"`
	Batch        int               `json:"batch"`
	Cursor       *string           `json:"cursor"`
	Timestamp    time.Time         `json:"timestamp"`
	RecordCounts storage.Counts    `json:"recordCounts"` // cumulative for the whole walk
	Records      storage.RecordSet `json:"records"`      // delta since the previous checkpoint
	Checksum     string            `json:"checksum"`     // sha256 of the encoded records object
}

// CursorValue returns the cursor, empty when the walk has not started
func (c *Checkpoint) CursorValue() string {
	if c.Cursor == nil {
		return ""
	}
	return *c.Cursor
}

// CursorPtr converts a cursor to its nullable form
func CursorPtr(cursor string) *string {
	if cursor == "" {
		return nil
	}
	return &cursor
}

// CorruptionError reports an artifact that could not be used for recovery
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt checkpoint %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

var errChecksum = errors.New("checksum mismatch")

// envelope mirrors Checkpoint but keeps records raw so the checksum covers the exact bytes on disk
type envelope struct {
	Version      int             `json:"version"`
	RunID        string          `json:"runId"`
	Progress     int             `json:"progress"`
	Batch        int             `json:"batch"`
	Cursor       *string         `json:"cursor"`
	Timestamp    time.Time       `json:"timestamp"`
	RecordCounts storage.Counts  `json:"recordCounts"`
	Records      json.RawMessage `json:"records"`
	Checksum     string          `json:"checksum"`
}

func encode(cp *Checkpoint) ([]byte, error) {
	records, err := json.Marshal(cp.Records)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint records: %w", err)
	}
	env := envelope{
		Version:      FormatVersion,
		RunID:        cp.RunID,
		Progress:     cp.Progress,
		Batch:        cp.Batch,
		Cursor:       cp.Cursor,
		Timestamp:    cp.Timestamp.UTC(),
		RecordCounts: cp.RecordCounts,
		Records:      records,
		Checksum:     checksum(records),
	}
	cp.Version = env.Version
	cp.Checksum = env.Checksum

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// readArtifact loads and verifies one checkpoint file. Every failure is a *CorruptionError.
func readArtifact(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("read checkpoint: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("parse checkpoint: %w", err)}
	}

	switch {
	case env.Version < 1 || env.Version > FormatVersion:
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("unsupported version %d", env.Version)}
	case env.Progress < 0:
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("negative progress %d", env.Progress)}
	case env.Timestamp.IsZero():
		return nil, &CorruptionError{Path: path, Err: errors.New("missing timestamp")}
	case checksum(env.Records) != env.Checksum:
		return nil, &CorruptionError{Path: path, Err: errChecksum}
	}

	cp := &Checkpoint{
		Version:      env.Version,
		RunID:        env.RunID,
		Progress:     env.Progress,
		Batch:        env.Batch,
		Cursor:       env.Cursor,
		Timestamp:    env.Timestamp,
		RecordCounts: env.RecordCounts,
		Checksum:     env.Checksum,
	}
	if err := json.Unmarshal(env.Records, &cp.Records); err != nil {
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("parse checkpoint records: %w", err)}
	}
	return cp, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
