package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
)

// Termination reasons
const (
	ReasonTargetReached = "target_reached"
	ReasonNoMorePages   = "no_more_pages"
	ReasonInterrupted   = "interrupted"
	ReasonFatalError    = "fatal_error"
)

// maxErrorLog bounds the error entries kept for the report
const maxErrorLog = 100

// ErrorEntry is one failed attempt
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Batch   int       `json:"batch"`
	Cursor  string    `json:"cursor,omitempty"`
	Class   string    `json:"class"`
	Message string    `json:"message"`
}

// RunStatistics are the counters accumulated over one run
type RunStatistics struct {
	RunID             string         `json:"runId"`
	StartTime         time.Time      `json:"startTime"`
	EndTime           time.Time      `json:"endTime,omitempty"`
	ResumedFrom       int            `json:"resumedFrom"`
	Target            int            `json:"target"`
	Progress          int            `json:"progress"`
	PagesProcessed    int            `json:"pagesProcessed"`
	BatchesCompleted  int            `json:"batchesCompleted"`
	Requests          int            `json:"requests"`
	QuotaUsed         int            `json:"quotaUsed"`
	QuotaRemaining    int            `json:"quotaRemaining"`
	QuotaWaits        int            `json:"quotaWaits"`
	QuotaWaitMs       int64          `json:"quotaWaitMs"`
	Checkpoints       int            `json:"checkpointsWritten"`
	ErrorsByClass     map[string]int `json:"errorsByClass"`
	Errors            []ErrorEntry   `json:"errors"`
	Records           storage.Counts `json:"records"`
	TotalFetchTimeMs  int64          `json:"totalFetchTimeMs"`
	AvgFetchTimeMs    int64          `json:"avgFetchTimeMs"`
	TerminationReason string         `json:"terminationReason,omitempty"`
}

// ErrorCount returns the number of failed attempts across all classes
func (s RunStatistics) ErrorCount() int {
	n := 0
	for _, c := range s.ErrorsByClass {
		n += c
	}
	return n
}

// Snapshot is the progress view handed to observers after every batch
type Snapshot struct {
	Progress    int
	ResumedFrom int
	Target      int
	Batches     int
	Errors      int
	Remaining   int
	Elapsed     time.Duration
	Speed       float64
	ETA         string
}

// Tracker holds and manages run statistics. Safe for concurrent use so
// the CLI can write emergency metrics while the loop is running.
type Tracker struct {
	mu         sync.Mutex
	data       RunStatistics
	clock      clock.Clock
	collectors *Collectors
	fetchCount int
}

// NewTracker creates a tracker for a run resuming at resumedFrom
func NewTracker(runID string, resumedFrom, target int, clk clock.Clock, collectors *Collectors) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	t := &Tracker{
		clock:      clk,
		collectors: collectors,
		data: RunStatistics{
			RunID:         runID,
			StartTime:     clk.Now(),
			ResumedFrom:   resumedFrom,
			Target:        target,
			Progress:      resumedFrom,
			ErrorsByClass: map[string]int{},
		},
	}
	if collectors != nil {
		collectors.Progress.Set(float64(resumedFrom))
	}
	return t
}

// RecordBatch records one successful request
func (t *Tracker) RecordBatch(nodes int, duration time.Duration, budget ratelimit.Budget, produced storage.Counts) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Requests++
	t.data.BatchesCompleted++
	t.data.PagesProcessed += nodes
	t.data.Progress += nodes
	t.data.QuotaUsed += budget.Cost
	if budget.Known() {
		t.data.QuotaRemaining = budget.Remaining
	}
	t.data.TotalFetchTimeMs += duration.Milliseconds()
	t.fetchCount++

	if c := t.collectors; c != nil {
		c.Requests.WithLabelValues("ok").Inc()
		c.Pages.Add(float64(nodes))
		c.Progress.Set(float64(t.data.Progress))
		c.FetchDuration.Observe(duration.Seconds())
		if budget.Known() {
			c.QuotaRemaining.Set(float64(budget.Remaining))
		}
		for _, kind := range storage.Kinds {
			if n := produced.Of(kind); n > 0 {
				c.Records.WithLabelValues(string(kind)).Add(float64(n))
			}
		}
	}
}

// RecordError records one failed attempt
func (t *Tracker) RecordError(batch int, cursor, class string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Requests++
	t.data.ErrorsByClass[class]++
	if len(t.data.Errors) < maxErrorLog {
		t.data.Errors = append(t.data.Errors, ErrorEntry{
			Time:    t.clock.Now(),
			Batch:   batch,
			Cursor:  cursor,
			Class:   class,
			Message: err.Error(),
		})
	}

	if c := t.collectors; c != nil {
		c.Requests.WithLabelValues("error").Inc()
		c.Errors.WithLabelValues(class).Inc()
	}
}

// RecordQuotaWait records time spent waiting for the quota to reset
func (t *Tracker) RecordQuotaWait(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.QuotaWaits++
	t.data.QuotaWaitMs += d.Milliseconds()
	if t.collectors != nil {
		t.collectors.QuotaWaitSeconds.Add(d.Seconds())
	}
}

// RecordCheckpoint records one checkpoint write
func (t *Tracker) RecordCheckpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Checkpoints++
	if t.collectors != nil {
		t.collectors.Checkpoints.Inc()
	}
}

// SetRecords stores the final deduplicated record counts
func (t *Tracker) SetRecords(c storage.Counts) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Records = c
}

// Snapshot returns the current progress view
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	elapsed := now.Sub(t.data.StartTime)
	return Snapshot{
		Progress:    t.data.Progress,
		ResumedFrom: t.data.ResumedFrom,
		Target:      t.data.Target,
		Batches:     t.data.BatchesCompleted,
		Errors:      t.data.ErrorCount(),
		Remaining:   t.data.QuotaRemaining,
		Elapsed:     elapsed,
		Speed:       Speed(t.data.Progress, t.data.ResumedFrom, elapsed),
		ETA:         FormatETA(t.data.Progress, t.data.ResumedFrom, t.data.Target, t.data.StartTime, now),
	}
}

// GetSnapshot returns a copy of the current statistics
func (t *Tracker) GetSnapshot() RunStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Finish stamps the end time and termination reason and returns the final statistics
func (t *Tracker) Finish(reason string) RunStatistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.EndTime = t.clock.Now()
	t.data.TerminationReason = reason
	return t.copyLocked()
}

func (t *Tracker) copyLocked() RunStatistics {
	out := t.data
	if t.fetchCount > 0 {
		out.AvgFetchTimeMs = t.data.TotalFetchTimeMs / int64(t.fetchCount)
	}
	out.ErrorsByClass = make(map[string]int, len(t.data.ErrorsByClass))
	for k, v := range t.data.ErrorsByClass {
		out.ErrorsByClass[k] = v
	}
	out.Errors = append([]ErrorEntry(nil), t.data.Errors...)
	return out
}

// WriteToFile exports statistics to a JSON file. An empty reason keeps the current one.
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	if t.data.EndTime.IsZero() {
		t.data.EndTime = t.clock.Now()
	}
	if reason != "" {
		t.data.TerminationReason = reason
	}
	snapshot := t.copyLocked()
	t.mu.Unlock()

	jsonData, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current progress for periodic log lines
func (t *Tracker) LogProgress() string {
	s := t.Snapshot()
	target := "∞"
	if s.Target > 0 {
		target = fmt.Sprintf("%d", s.Target)
	}
	return fmt.Sprintf("Progress: %d/%s | Batches: %d | Errors: %d | Quota remaining: %d | %.1f items/s | ETA %s",
		s.Progress,
		target,
		s.Batches,
		s.Errors,
		s.Remaining,
		s.Speed,
		s.ETA,
	)
}
