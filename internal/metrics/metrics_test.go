package metrics

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func TestTracker_Counters(t *testing.T) {
	clk := clock.NewFake(start)
	reg := prometheus.NewRegistry()
	col := NewCollectors(reg)
	tr := NewTracker("run-1", 1000, 1100, clk, col)

	clk.Advance(10 * time.Second)
	tr.RecordBatch(50, 200*time.Millisecond, ratelimit.Budget{Cost: 7, Remaining: 900, ResetAt: start.Add(time.Hour)},
		storage.Counts{Pages: 50, Votes: 120})
	tr.RecordError(2, "C2", "transient", errors.New("502"))
	tr.RecordQuotaWait(30 * time.Second)
	tr.RecordQuotaWait(0)
	tr.RecordBatch(50, 400*time.Millisecond, ratelimit.Budget{Cost: 8, Remaining: 880, ResetAt: start.Add(time.Hour)},
		storage.Counts{Pages: 50})
	tr.RecordCheckpoint()

	s := tr.GetSnapshot()
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 1100, s.Progress)
	assert.Equal(t, 100, s.PagesProcessed)
	assert.Equal(t, 2, s.BatchesCompleted)
	assert.Equal(t, 3, s.Requests)
	assert.Equal(t, 15, s.QuotaUsed)
	assert.Equal(t, 880, s.QuotaRemaining)
	assert.Equal(t, 1, s.QuotaWaits)
	assert.Equal(t, int64(30000), s.QuotaWaitMs)
	assert.Equal(t, 1, s.Checkpoints)
	assert.Equal(t, map[string]int{"transient": 1}, s.ErrorsByClass)
	assert.Equal(t, 1, s.ErrorCount())
	require.Len(t, s.Errors, 1)
	assert.Equal(t, "C2", s.Errors[0].Cursor)
	assert.Equal(t, int64(300), s.AvgFetchTimeMs)

	assert.Equal(t, 1100.0, testutil.ToFloat64(col.Progress))
	assert.Equal(t, 100.0, testutil.ToFloat64(col.Pages))
	assert.Equal(t, 100.0, testutil.ToFloat64(col.Records.WithLabelValues("pages")))
	assert.Equal(t, 120.0, testutil.ToFloat64(col.Records.WithLabelValues("votes")))
	assert.Equal(t, 2.0, testutil.ToFloat64(col.Requests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.Errors.WithLabelValues("transient")))
	assert.Equal(t, 880.0, testutil.ToFloat64(col.QuotaRemaining))
	assert.Equal(t, 30.0, testutil.ToFloat64(col.QuotaWaitSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(col.Checkpoints))

	n, err := testutil.GatherAndCount(reg, "harvester_fetch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTracker_SnapshotAndETA(t *testing.T) {
	clk := clock.NewFake(start)
	tr := NewTracker("run-2", 0, 200, clk, nil)

	snap := tr.Snapshot()
	assert.Equal(t, NotAvailable, snap.ETA)
	assert.Zero(t, snap.Speed)

	clk.Advance(50 * time.Second)
	tr.RecordBatch(100, time.Second, ratelimit.Budget{}, storage.Counts{Pages: 100})

	snap = tr.Snapshot()
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, 2.0, snap.Speed)
	assert.Equal(t, "50s", snap.ETA)
	assert.Equal(t, 50*time.Second, snap.Elapsed)
	assert.Contains(t, tr.LogProgress(), "Progress: 100/200")
}

func TestTracker_ErrorLogIsBounded(t *testing.T) {
	tr := NewTracker("run-3", 0, 0, clock.NewFake(start), nil)
	for i := 0; i < maxErrorLog+20; i++ {
		tr.RecordError(i, "", "transient", errors.New("boom"))
	}
	s := tr.GetSnapshot()
	assert.Len(t, s.Errors, maxErrorLog)
	assert.Equal(t, maxErrorLog+20, s.ErrorsByClass["transient"])
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := NewTracker("run-4", 0, 0, clock.NewFake(start), nil)
	tr.RecordError(1, "", "transient", errors.New("boom"))

	s := tr.GetSnapshot()
	s.ErrorsByClass["transient"] = 99
	s.Errors[0].Class = "changed"

	again := tr.GetSnapshot()
	assert.Equal(t, 1, again.ErrorsByClass["transient"])
	assert.Equal(t, "transient", again.Errors[0].Class)
}

func TestTracker_FinishAndWriteToFile(t *testing.T) {
	clk := clock.NewFake(start)
	tr := NewTracker("run-5", 0, 25, clk, nil)
	tr.RecordBatch(25, time.Second, ratelimit.Budget{Cost: 3}, storage.Counts{Pages: 25})
	tr.SetRecords(storage.Counts{Pages: 25, Votes: 4})

	clk.Advance(time.Minute)
	final := tr.Finish(ReasonTargetReached)
	assert.Equal(t, ReasonTargetReached, final.TerminationReason)
	assert.Equal(t, start.Add(time.Minute), final.EndTime)

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, tr.WriteToFile(path, ""))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded RunStatistics
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ReasonTargetReached, decoded.TerminationReason)
	assert.Equal(t, 25, decoded.PagesProcessed)
	assert.Equal(t, storage.Counts{Pages: 25, Votes: 4}, decoded.Records)

	require.NoError(t, tr.WriteToFile(path, ReasonInterrupted))
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"terminationReason": "interrupted"`)
}

func TestNewCollectors_Unregistered(t *testing.T) {
	col := NewCollectors(nil)
	col.Pages.Add(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(col.Pages))
}
