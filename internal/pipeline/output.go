package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/checkpoint"
	"github.com/alvmarrod/wiki-harvester/internal/metrics"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
)

// Report summarizes a finished run
type Report struct {
	RunID             string               `json:"runId"`
	StartTime         time.Time            `json:"startTime"`
	EndTime           time.Time            `json:"endTime"`
	Duration          string               `json:"duration"`
	DurationMs        int64                `json:"durationMs"`
	ResumedFrom       int                  `json:"resumedFrom"`
	Progress          int                  `json:"progress"`
	PagesProcessed    int                  `json:"pagesProcessed"`
	BatchesCompleted  int                  `json:"batchesCompleted"`
	QuotaUsed         int                  `json:"quotaUsed"`
	QuotaWaitMs       int64                `json:"quotaWaitMs"`
	Checkpoints       int                  `json:"checkpointsWritten"`
	Cursor            string               `json:"cursor,omitempty"`
	TerminationReason string               `json:"terminationReason"`
	RecordCounts      storage.Counts       `json:"recordCounts"`
	ErrorsByClass     map[string]int       `json:"errorsByClass"`
	Errors            []metrics.ErrorEntry `json:"errors"`
}

// Output is the consolidated artifact written at the end of a run
type Output struct {
	Report  Report            `json:"report"`
	Records storage.RecordSet `json:"records"`
}

// NewReport builds the report from final statistics
func NewReport(stats metrics.RunStatistics, cursor string) Report {
	duration := stats.EndTime.Sub(stats.StartTime)
	errs := stats.Errors
	if errs == nil {
		errs = []metrics.ErrorEntry{}
	}
	return Report{
		RunID:             stats.RunID,
		StartTime:         stats.StartTime,
		EndTime:           stats.EndTime,
		Duration:          metrics.FormatDuration(duration),
		DurationMs:        duration.Milliseconds(),
		ResumedFrom:       stats.ResumedFrom,
		Progress:          stats.Progress,
		PagesProcessed:    stats.PagesProcessed,
		BatchesCompleted:  stats.BatchesCompleted,
		QuotaUsed:         stats.QuotaUsed,
		QuotaWaitMs:       stats.QuotaWaitMs,
		Checkpoints:       stats.Checkpoints,
		Cursor:            cursor,
		TerminationReason: stats.TerminationReason,
		RecordCounts:      stats.Records,
		ErrorsByClass:     stats.ErrorsByClass,
		Errors:            errs,
	}
}

// WriteOutput writes the artifact atomically so a crash never leaves a truncated file
func WriteOutput(path string, out *Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	if err := checkpoint.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write output %s: %w", path, err)
	}
	return nil
}

// ReadOutput loads a previously written artifact
func ReadOutput(path string) (*Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse output %s: %w", path, err)
	}
	return &out, nil
}
