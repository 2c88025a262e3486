// Package processor runs a LeMUR prompt over every row of a transcript table
// through a bounded worker pool, pausing when the API reports that its
// remaining quota is low.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/csvtable"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/lemur"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/metrics"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/throttle"
	"golang.org/x/sync/errgroup"
)

// FailedResponse replaces the LeMUR answer of any row whose request failed.
const FailedResponse = "LeMUR Request Failed"

const DefaultConcurrency = 10

// Requester is the part of the LeMUR client the processor needs.
type Requester interface {
	Task(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error)
}

type Request struct {
	Prompt       string
	APIKey       string
	CountAnswers bool
}

// Progress is emitted after every completed row.
type Progress struct {
	Completed int
	Total     int
	Failed    int
	RateLimit throttle.Snapshot
	// Pause is set when this completion put dispatch on hold.
	Pause time.Duration
}

func (p Progress) StatusText() string {
	return fmt.Sprintf("Completed %d/%d requests", p.Completed, p.Total)
}

func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Total)
}

type Summary struct {
	Total     int
	Failed    int
	Pauses    int
	Paused    time.Duration
	Duration  time.Duration
	RateLimit throttle.Snapshot
}

type Options struct {
	Concurrency int
	// BatchSize splits the table into batches that run one after another;
	// the size of the next batch shrinks when the remaining quota is low.
	// 0 runs the whole table as one batch.
	BatchSize int
	Policy    throttle.Policy
	Pauses    throttle.PauseStore
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Processor struct {
	client      Requester
	concurrency int
	batchSize   int
	policy      throttle.Policy
	pauses      throttle.PauseStore
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(client Requester, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Pauses == nil {
		opts.Pauses = throttle.NewMemoryPauseStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Processor{
		client:      client,
		concurrency: opts.Concurrency,
		batchSize:   opts.BatchSize,
		policy:      opts.Policy,
		pauses:      opts.Pauses,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// run holds the state shared by the workers of one Run call.
type run struct {
	p        *Processor
	table    *csvtable.Table
	req      Request
	key      string
	progress func(Progress)

	mu          sync.Mutex
	completed   int
	summary     *Summary
	pausedUntil time.Time
}

// Run annotates every row of table. Each row is handled by exactly one
// worker. It returns early with the context error when ctx is done.
func (p *Processor) Run(ctx context.Context, table *csvtable.Table, req Request, onProgress func(Progress)) (*Summary, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	start := time.Now()
	r := &run{
		p:        p,
		table:    table,
		req:      req,
		key:      throttle.Fingerprint(req.APIKey),
		progress: onProgress,
		summary:  &Summary{Total: table.Len()},
	}

	p.logger.Info("processing started",
		slog.Int("rows", table.Len()),
		slog.Int("concurrency", p.concurrency),
		slog.Int("batch_size", p.batchSize))

	rows := table.Rows
	for len(rows) > 0 {
		size := len(rows)
		if p.batchSize > 0 {
			size = min(p.policy.NextBatchSize(r.latest(), p.batchSize), len(rows))
		}

		if err := r.runBatch(ctx, rows[:size]); err != nil {
			r.summary.Duration = time.Since(start)
			p.logger.Warn("processing stopped",
				slog.Int("completed", r.completed),
				slog.Int("rows", table.Len()),
				slog.String("error", err.Error()))
			return r.summary, err
		}
		rows = rows[size:]
	}

	r.summary.Duration = time.Since(start)
	p.logger.Info("processing finished",
		slog.Int("rows", r.summary.Total),
		slog.Int("failed", r.summary.Failed),
		slog.Int("pauses", r.summary.Pauses),
		slog.Duration("duration", r.summary.Duration))

	return r.summary, nil
}

func (r *run) runBatch(ctx context.Context, rows []*csvtable.Row) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.p.concurrency)

	for _, row := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return r.work(gctx, row)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *run) work(ctx context.Context, row *csvtable.Row) error {
	if _, err := throttle.Wait(ctx, r.p.pauses, r.key); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.p.logger.Warn("pause store unavailable", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	snap := r.p.processRow(ctx, r.table, row, r.req)
	r.complete(ctx, row, snap)
	return nil
}

func (p *Processor) processRow(ctx context.Context, table *csvtable.Table, row *csvtable.Row, req Request) throttle.Snapshot {
	id := table.TranscriptID(row)
	if id == "" {
		p.fail(row, id, fmt.Errorf("row %d has an empty %s", row.Index+1, table.IDColumn))
		return throttle.Snapshot{}
	}

	result, err := p.client.Task(ctx, req.APIKey, id, req.Prompt)

	var snap throttle.Snapshot
	if result != nil {
		snap = result.RateLimit
		if result.Latency > 0 {
			p.metrics.LemurRequest(result.Latency)
		}
	}

	if err != nil {
		p.fail(row, id, err)
		return snap
	}

	row.Response = result.Response
	if req.CountAnswers {
		row.Occurrences = CountAffirmative(ParseAnswers(result.Response))
	}
	p.metrics.RowProcessed(false)
	return snap
}

func (p *Processor) fail(row *csvtable.Row, transcriptID string, err error) {
	row.Response = FailedResponse
	row.Occurrences = 0
	row.Failed = true
	p.metrics.RowProcessed(true)
	p.logger.Warn("lemur request failed",
		slog.Int("row", row.Index+1),
		slog.String("transcript_id", transcriptID),
		slog.String("error", err.Error()))
}

// complete records a finished row and turns a low quota report into a pause
// every worker observes before its next request.
func (r *run) complete(ctx context.Context, row *csvtable.Row, snap throttle.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed++
	if row.Failed {
		r.summary.Failed++
	}
	if snap.Known() {
		r.summary.RateLimit = snap
		if snap.HasRemaining {
			r.p.metrics.RemainingQuota(snap.Remaining)
		}
	}

	progress := Progress{
		Completed: r.completed,
		Total:     r.summary.Total,
		Failed:    r.summary.Failed,
		RateLimit: snap,
	}

	if wait := r.p.policy.Decide(snap); wait > 0 {
		now := time.Now()
		until := now.Add(wait)
		if err := r.p.pauses.PauseUntil(ctx, r.key, until); err != nil {
			r.p.logger.Warn("failed to publish pause", slog.String("error", err.Error()))
		}

		if !now.Before(r.pausedUntil) {
			r.summary.Pauses++
			r.summary.Paused += wait
			r.p.metrics.Paused(wait)
			r.p.logger.Warn("rate limit approaching, pausing",
				slog.Int("remaining", snap.Remaining),
				slog.Duration("wait", wait))
		}
		if until.After(r.pausedUntil) {
			r.pausedUntil = until
		}
		progress.Pause = wait
	}

	r.progress(progress)
}

func (r *run) latest() throttle.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.RateLimit
}
