package service

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/csvtable"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/metrics"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/models"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/processor"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/throttle"
	"github.com/google/uuid"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotFinished = errors.New("job has not completed")
	ErrJobFinished    = errors.New("job already finished")
	ErrShuttingDown   = errors.New("service is shutting down")
	ErrInvalidCSV     = errors.New("invalid csv")
)

// JobStore is implemented by repository.JobRepository and
// repository.MemoryJobRepository.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, fingerprint string, limit int) ([]models.Job, error)
	Save(ctx context.Context, job *models.Job) error
	UpdateProgress(ctx context.Context, id uuid.UUID, completed, failed int, rateLimit string) error
	SaveResult(ctx context.Context, result *models.JobResult) error
	FindResult(ctx context.Context, id uuid.UUID) (*models.JobResult, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Runner is satisfied by *processor.Processor.
type Runner interface {
	Run(ctx context.Context, table *csvtable.Table, req processor.Request, onProgress func(processor.Progress)) (*processor.Summary, error)
}

type Submission struct {
	Filename     string
	Prompt       string
	APIKey       string
	CountAnswers bool
}

func (s Submission) request() processor.Request {
	return processor.Request{
		Prompt:       s.Prompt,
		APIKey:       s.APIKey,
		CountAnswers: s.CountAnswers,
	}
}

type JobService struct {
	repo    JobStore
	runner  Runner
	logger  *slog.Logger
	metrics *metrics.Metrics

	// progress is written to the store at most this often
	persistEvery time.Duration

	mu       sync.Mutex
	running  map[uuid.UUID]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	stopJobs context.CancelFunc
}

func NewJobService(repo JobStore, runner Runner, logger *slog.Logger, m *metrics.Metrics) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &JobService{
		repo:         repo,
		runner:       runner,
		logger:       logger,
		metrics:      m,
		persistEvery: 500 * time.Millisecond,
		running:      make(map[uuid.UUID]context.CancelFunc),
		baseCtx:      ctx,
		stopJobs:     cancel,
	}
}

// Submit validates the CSV, stores a queued job and processes it in the
// background. The CSV is rejected before any LeMUR call is made.
func (s *JobService) Submit(ctx context.Context, sub Submission, csv io.Reader) (*models.Job, error) {
	table, err := csvtable.Parse(csv)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}

	job := &models.Job{
		Status:         models.JobQueued,
		Filename:       sub.Filename,
		Prompt:         sub.Prompt,
		KeyFingerprint: throttle.Fingerprint(sub.APIKey),
		CountAnswers:   sub.CountAnswers,
		TotalRows:      table.Len(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if err := s.repo.Create(ctx, job); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	jobCtx, cancel := context.WithCancel(s.baseCtx)
	s.running[job.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	queued := *job
	go s.execute(jobCtx, &queued, table, sub.request())

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID.String()),
		slog.Int("rows", job.TotalRows))

	return job, nil
}

func (s *JobService) execute(ctx context.Context, job *models.Job, table *csvtable.Table, req processor.Request) {
	defer s.wg.Done()
	defer s.release(job.ID)

	// Bookkeeping outlives cancellation of the run itself.
	storeCtx := context.WithoutCancel(ctx)
	logger := s.logger.With(slog.String("job_id", job.ID.String()))

	started := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &started
	if err := s.repo.Save(storeCtx, job); err != nil {
		logger.Error("failed to mark job running", slog.String("error", err.Error()))
	}

	var (
		last        processor.Progress
		lastPersist time.Time
	)
	summary, runErr := s.runner.Run(ctx, table, req, func(p processor.Progress) {
		last = p
		if p.Completed < p.Total && time.Since(lastPersist) < s.persistEvery {
			return
		}
		lastPersist = time.Now()
		if err := s.repo.UpdateProgress(storeCtx, job.ID, p.Completed, p.Failed, p.RateLimit.String()); err != nil {
			logger.Warn("failed to persist progress", slog.String("error", err.Error()))
		}
	})

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.CompletedRows = last.Completed
	if summary != nil {
		job.FailedRows = summary.Failed
		job.Pauses = summary.Pauses
		if summary.RateLimit.Known() {
			job.RateLimit = summary.RateLimit.String()
		}
	}

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		job.Status = models.JobCanceled
		job.Error = "canceled"
	case runErr != nil:
		job.Status = models.JobFailed
		job.Error = runErr.Error()
	default:
		job.CompletedRows = job.TotalRows
		if err := s.storeResult(storeCtx, job, table); err != nil {
			job.Status = models.JobFailed
			job.Error = err.Error()
		} else {
			job.Status = models.JobCompleted
		}
	}

	if err := s.repo.Save(storeCtx, job); err != nil {
		logger.Error("failed to save job", slog.String("error", err.Error()))
	}
	s.metrics.JobFinished(string(job.Status))

	logger.Info("job finished",
		slog.String("status", string(job.Status)),
		slog.Int("failed", job.FailedRows),
		slog.Int("pauses", job.Pauses))
}

func (s *JobService) storeResult(ctx context.Context, job *models.Job, table *csvtable.Table) error {
	var buf bytes.Buffer
	if err := csvtable.Write(&buf, table, csvtable.WriteOptions{WithCount: job.CountAnswers}); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if err := s.repo.SaveResult(ctx, &models.JobResult{JobID: job.ID, CSV: buf.Bytes()}); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *JobService) release(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
}

// Get returns a job submitted with apiKey. Jobs of other keys are reported
// as not found.
func (s *JobService) Get(ctx context.Context, id uuid.UUID, apiKey string) (*models.Job, error) {
	job, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(job, apiKey) {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *JobService) find(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func ownedBy(job *models.Job, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	fingerprint := throttle.Fingerprint(apiKey)
	return subtle.ConstantTimeCompare([]byte(job.KeyFingerprint), []byte(fingerprint)) == 1
}

// List returns the jobs submitted with apiKey, newest first
func (s *JobService) List(ctx context.Context, apiKey string, limit int) ([]models.Job, error) {
	if apiKey == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.repo.List(ctx, throttle.Fingerprint(apiKey), limit)
}

// Result returns the annotated CSV of a completed job submitted with apiKey
func (s *JobService) Result(ctx context.Context, id uuid.UUID, apiKey string) ([]byte, error) {
	job, err := s.Get(ctx, id, apiKey)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, job)
}

// Download returns the CSV of a completed job without an owner check. The
// caller must have verified a download token for id.
func (s *JobService) Download(ctx context.Context, id uuid.UUID) ([]byte, error) {
	job, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, job)
}

func (s *JobService) result(ctx context.Context, job *models.Job) ([]byte, error) {
	if job.Status != models.JobCompleted {
		return nil, ErrJobNotFinished
	}

	result, err := s.repo.FindResult(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrJobNotFinished
	}
	return result.CSV, nil
}

// Cancel stops a queued or running job. Rows already in flight finish.
func (s *JobService) Cancel(ctx context.Context, id uuid.UUID, apiKey string) error {
	job, err := s.Get(ctx, id, apiKey)
	if err != nil {
		return err
	}
	if job.Status.Finished() {
		return ErrJobFinished
	}

	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobFinished
	}

	cancel()
	s.logger.Info("job cancel requested", slog.String("job_id", id.String()))
	return nil
}

// Process runs a table synchronously and writes the annotated CSV to out.
// The output is only written when every row has been handled.
func (s *JobService) Process(ctx context.Context, sub Submission, in io.Reader, out io.Writer, onProgress func(processor.Progress)) (*processor.Summary, error) {
	table, err := csvtable.Parse(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}

	summary, err := s.runner.Run(ctx, table, sub.request(), onProgress)
	if err != nil {
		return summary, err
	}

	if err := csvtable.Write(out, table, csvtable.WriteOptions{WithCount: sub.CountAnswers}); err != nil {
		return summary, fmt.Errorf("failed to write result: %w", err)
	}
	return summary, nil
}

// Cleanup removes finished jobs older than retention
func (s *JobService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteFinishedBefore(ctx, time.Now().UTC().Add(-retention))
}

// StartCleanup deletes expired jobs every interval until ctx is done
func (s *JobService) StartCleanup(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		s.logger.Info("job cleanup disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Cleanup(ctx, retention)
				if err != nil {
					s.logger.Error("job cleanup failed", slog.String("error", err.Error()))
					continue
				}
				if removed > 0 {
					s.logger.Info("expired jobs removed", slog.Int64("count", removed))
				}
			}
		}
	}()
}

// Running returns the number of jobs currently being processed
func (s *JobService) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait stops accepting jobs and waits for running ones to finish. When ctx
// ends first the remaining jobs are canceled and ctx's error is returned.
func (s *JobService) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopJobs()
		return nil
	case <-ctx.Done():
		s.stopJobs()
		<-done
		return ctx.Err()
	}
}
