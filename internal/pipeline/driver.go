package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alvmarrod/wiki-harvester/internal/checkpoint"
	"github.com/alvmarrod/wiki-harvester/internal/clock"
	"github.com/alvmarrod/wiki-harvester/internal/fetcher"
	"github.com/alvmarrod/wiki-harvester/internal/memory"
	"github.com/alvmarrod/wiki-harvester/internal/metrics"
	"github.com/alvmarrod/wiki-harvester/internal/normalize"
	"github.com/alvmarrod/wiki-harvester/internal/ratelimit"
	"github.com/alvmarrod/wiki-harvester/internal/retry"
	"github.com/alvmarrod/wiki-harvester/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State of the driver
type State string

const (
	StateIdle       State = "idle"
	StateRecovering State = "recovering"
	StateIngesting  State = "ingesting"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// Fetcher issues one paginated request
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) (*fetcher.Page, error)
}

// Checkpointer persists and recovers progress
type Checkpointer interface {
	Persist(cp *checkpoint.Checkpoint) (string, error)
	Recover() (*checkpoint.Recovery, error)
}

// Options configures a run
type Options struct {
	BatchSize int
	// Target of 0 walks until the API reports no more pages
	Target             int
	CheckpointInterval int
	// OutputPath of "" skips the output artifact
	OutputPath    string
	SinkChunkSize int
}

// Deps are the collaborators of a Driver. Sink, Collectors and OnProgress are optional.
type Deps struct {
	Fetcher    Fetcher
	Limiter    *ratelimit.Limiter
	Retry      *retry.Policy
	Store      Checkpointer
	Sink       storage.Sink
	Clock      clock.Clock
	Logger     logrus.FieldLogger
	Collectors *metrics.Collectors
	OnProgress func(metrics.Snapshot)
}

// Result is what a run produced
type Result struct {
	RunID    string
	State    State
	Reason   string
	Progress int
	Cursor   string
	Records  storage.RecordSet
	Stats    metrics.RunStatistics
	Output   string
	Flushed  map[storage.Kind]int
	SinkErr  error
}

// Driver runs the ingestion state machine. A Driver runs once.
type Driver struct {
	opts Options
	deps Deps

	mu      sync.Mutex
	state   State
	tracker atomic.Pointer[metrics.Tracker]
}

// runState is owned by the loop and never shared
type runState struct {
	runID          string
	progress       int
	batch          int
	cursor         string
	hasNext        bool
	budget         ratelimit.Budget
	lastCheckpoint int
	counts         storage.Counts
	recovered      storage.RecordSet
	// pending is the delta since the last checkpoint, collected everything fetched by this run
	pending   storage.RecordSet
	collected storage.RecordSet
}

// New creates a driver
func New(opts Options, deps Deps) (*Driver, error) {
	if deps.Fetcher == nil || deps.Limiter == nil || deps.Retry == nil || deps.Store == nil {
		return nil, errors.New("fetcher, limiter, retry policy and checkpoint store are required")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.CheckpointInterval < 1 {
		opts.CheckpointInterval = opts.BatchSize
	}
	if opts.Target < 0 {
		opts.Target = 0
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Driver{opts: opts, deps: deps, state: StateIdle}, nil
}

// State returns the current state
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	d.deps.Logger.Debugf("Pipeline state %s -> %s", prev, s)
}

// Tracker returns the statistics of the current run, nil before recovery completes
func (d *Driver) Tracker() *metrics.Tracker {
	return d.tracker.Load()
}

// Run recovers, ingests until the target, the last page, a stop request or a fatal error,
// then finalizes. The returned error is non-nil only for aborted runs; the result is
// still populated as far as the run got.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if d.State() != StateIdle {
		return nil, errors.New("driver already ran")
	}
	log := d.deps.Logger

	d.setState(StateRecovering)
	run, err := d.recover()
	if err != nil {
		d.setState(StateAborted)
		return nil, &retry.FatalError{Reason: "checkpoint recovery failed", Err: err}
	}
	tracker := metrics.NewTracker(run.runID, run.progress, d.opts.Target, d.deps.Clock, d.deps.Collectors)
	d.tracker.Store(tracker)

	d.setState(StateIngesting)
	reason, fatal := d.ingest(ctx, run, tracker)
	if fatal != nil {
		log.WithError(fatal).Error("Ingestion aborted")
	}

	// Final checkpoint is attempted even when aborting
	if err := d.persist(run, tracker, true); err != nil {
		log.WithError(err).Error("Failed to write final checkpoint")
		if fatal == nil {
			fatal = &retry.FatalError{Reason: "final checkpoint failed", Err: err}
			reason = metrics.ReasonFatalError
		}
	}

	d.setState(StateFinalizing)
	res := d.finalize(ctx, run, tracker, reason, fatal == nil)

	if fatal != nil {
		d.setState(StateAborted)
		res.State = StateAborted
		return res, fatal
	}
	d.setState(StateDone)
	res.State = StateDone
	return res, nil
}

func (d *Driver) recover() (*runState, error) {
	run := &runState{runID: uuid.NewString(), hasNext: true}

	rec, err := d.deps.Store.Recover()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		d.deps.Logger.Info("No checkpoint found, starting from the beginning")
		return run, nil
	}

	run.progress = rec.Progress
	run.batch = rec.Batch
	run.cursor = rec.Cursor
	run.lastCheckpoint = rec.Progress
	run.counts = rec.Counts
	run.recovered = rec.Records

	d.deps.Logger.WithFields(logrus.Fields{
		"progress":     rec.Progress,
		"cursor":       rec.Cursor,
		"previous_run": rec.RunID,
	}).Info("Resuming from checkpoint")
	return run, nil
}

// ingest is the main loop. It returns the termination reason and, for aborted runs, the fatal error.
func (d *Driver) ingest(ctx context.Context, run *runState, tracker *metrics.Tracker) (string, error) {
	log := d.deps.Logger

	for {
		if d.opts.Target > 0 && run.progress >= d.opts.Target {
			log.Infof("Target of %d items reached", d.opts.Target)
			return metrics.ReasonTargetReached, nil
		}
		if !run.hasNext {
			log.Info("No more pages")
			return metrics.ReasonNoMorePages, nil
		}
		if ctx.Err() != nil {
			log.Info("Stop requested, finishing")
			return metrics.ReasonInterrupted, nil
		}

		page, err := d.fetchBatch(ctx, run, tracker)
		if err != nil {
			if ctx.Err() != nil && !retry.IsFatal(err) {
				log.Info("Stop requested while waiting, finishing")
				return metrics.ReasonInterrupted, nil
			}
			return metrics.ReasonFatalError, err
		}

		d.absorb(run, page, tracker)

		if err := d.persist(run, tracker, false); err != nil {
			return metrics.ReasonFatalError, &retry.FatalError{Reason: "checkpoint write failed", Err: err}
		}
	}
}

// fetchBatch retries the current cursor until it succeeds or the retry policy gives up
func (d *Driver) fetchBatch(ctx context.Context, run *runState, tracker *metrics.Tracker) (*fetcher.Page, error) {
	for {
		if err := d.waitQuota(run, tracker, func() (time.Duration, error) {
			return d.deps.Limiter.CheckQuota(ctx, run.budget)
		}); err != nil {
			return nil, err
		}
		if err := d.deps.Limiter.Gate(ctx); err != nil {
			return nil, err
		}

		req := fetcher.Request{
			Batch:  run.batch + 1,
			Cursor: run.cursor,
			First:  d.requestSize(run),
		}

		// An in-flight batch is completed even when a stop has been requested
		page, err := d.deps.Fetcher.Fetch(context.WithoutCancel(ctx), req)
		if err == nil {
			err = checkAdvance(req, page)
		}
		if err == nil {
			d.deps.Retry.OnSuccess()
			return page, nil
		}

		decision, fatal := d.deps.Retry.OnFailure(err)
		if decision.Class == retry.ClassQuota {
			budget := run.budget
			var fe *fetcher.FetchError
			if errors.As(err, &fe) && fe.Budget.Known() {
				budget = fe.Budget
			}
			if err := d.waitQuota(run, tracker, func() (time.Duration, error) {
				return d.deps.Limiter.WaitForReset(ctx, budget)
			}); err != nil {
				return nil, err
			}
			continue
		}

		tracker.RecordError(req.Batch, req.Cursor, decision.Class.String(), err)
		if fatal != nil {
			return nil, fatal
		}
		if err := d.deps.Retry.Wait(ctx, decision.Delay); err != nil {
			return nil, err
		}
	}
}

// waitQuota records a pause only when one was taken. The budget that caused it is spent,
// so only a fresh response can trigger the next one.
func (d *Driver) waitQuota(run *runState, tracker *metrics.Tracker, wait func() (time.Duration, error)) error {
	waited, err := wait()
	if waited > 0 {
		tracker.RecordQuotaWait(waited)
		run.budget = ratelimit.Budget{}
	}
	return err
}

// requestSize lands the run exactly on the target
func (d *Driver) requestSize(run *runState) int {
	n := d.opts.BatchSize
	if d.opts.Target > 0 {
		n = min(n, d.opts.Target-run.progress)
	}
	return n
}

// checkAdvance rejects a page that would re-issue the same cursor forever
func checkAdvance(req fetcher.Request, page *fetcher.Page) error {
	if page.HasNextPage && page.NextCursor == req.Cursor {
		return &fetcher.FetchError{
			Kind:   fetcher.KindMalformed,
			Batch:  req.Batch,
			Cursor: req.Cursor,
			Budget: page.Budget,
			Err:    errors.New("cursor did not advance"),
		}
	}
	return nil
}

func (d *Driver) absorb(run *runState, page *fetcher.Page, tracker *metrics.Tracker) {
	set, skipped := normalize.Batch(page.Nodes)
	if skipped > 0 {
		d.deps.Logger.WithField("batch", run.batch+1).Warnf("Skipped %d nodes without a url", skipped)
	}

	run.pending.Append(set)
	run.collected.Append(set)
	run.counts = run.counts.Add(set.Counts())
	run.progress += len(page.Nodes)
	run.batch++
	if page.NextCursor != "" {
		run.cursor = page.NextCursor
	}
	run.hasNext = page.HasNextPage
	if page.Budget.Known() {
		run.budget = page.Budget
	}

	tracker.RecordBatch(len(page.Nodes), page.Duration, page.Budget, set.Counts())

	d.deps.Logger.WithFields(logrus.Fields{
		"batch":     run.batch,
		"progress":  run.progress,
		"nodes":     len(page.Nodes),
		"remaining": page.Budget.Remaining,
	}).Info("Batch processed")

	if d.deps.OnProgress != nil {
		d.deps.OnProgress(tracker.Snapshot())
	}
}

// persist writes a checkpoint when the interval has elapsed, or for the final one whenever
// anything changed since the last write
func (d *Driver) persist(run *runState, tracker *metrics.Tracker, final bool) error {
	sinceLast := run.progress - run.lastCheckpoint
	if final {
		if sinceLast == 0 && run.pending.Empty() {
			return nil
		}
	} else if sinceLast < d.opts.CheckpointInterval {
		return nil
	}

	cp := &checkpoint.Checkpoint{
		RunID:        run.runID,
		Progress:     run.progress,
		Batch:        run.batch,
		Cursor:       checkpoint.CursorPtr(run.cursor),
		Timestamp:    d.deps.Clock.Now(),
		RecordCounts: run.counts,
		Records:      run.pending,
	}
	if _, err := d.deps.Store.Persist(cp); err != nil {
		return fmt.Errorf("persist checkpoint at %d: %w", run.progress, err)
	}

	run.lastCheckpoint = run.progress
	run.pending.Reset()
	tracker.RecordCheckpoint()
	d.deps.Logger.Info(tracker.LogProgress())
	return nil
}

// finalize deduplicates, writes the output artifact and hands complete runs to the sink
func (d *Driver) finalize(ctx context.Context, run *runState, tracker *metrics.Tracker, reason string, healthy bool) *Result {
	log := d.deps.Logger
	startTime := d.deps.Clock.Now()

	final := memory.Merge(run.recovered, run.collected)
	tracker.SetRecords(final.Counts())
	stats := tracker.Finish(reason)

	res := &Result{
		RunID:    run.runID,
		Reason:   reason,
		Progress: run.progress,
		Cursor:   run.cursor,
		Records:  final,
		Stats:    stats,
	}

	c := final.Counts()
	log.WithField("duration", d.deps.Clock.Now().Sub(startTime).Round(time.Millisecond)).
		Infof("Deduplicated: %d pages, %d votes, %d revisions, %d attributions, %d relations, %d alternate titles",
			c.Pages, c.Votes, c.Revisions, c.Attributions, c.Relations, c.AlternateTitles)

	if d.opts.OutputPath != "" {
		out := &Output{Report: NewReport(stats, run.cursor), Records: final}
		if err := WriteOutput(d.opts.OutputPath, out); err != nil {
			log.WithError(err).Error("Failed to write output artifact")
		} else {
			res.Output = d.opts.OutputPath
			log.WithField("path", d.opts.OutputPath).Info("Output written")
		}
	}

	complete := reason == metrics.ReasonTargetReached || reason == metrics.ReasonNoMorePages
	if d.deps.Sink != nil && healthy && complete {
		res.Flushed, res.SinkErr = memory.Flush(ctx, final, d.deps.Sink, d.opts.SinkChunkSize, log)
		if res.SinkErr != nil {
			log.WithError(res.SinkErr).Error("Sink handoff incomplete; load the output artifact to retry")
		}
	}

	return res
}
