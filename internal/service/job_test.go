package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/csvtable"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/lemur"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/models"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/processor"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/repository"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/throttle"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requesterFunc func(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error)

func (f requesterFunc) Task(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error) {
	return f(ctx, apiKey, transcriptID, prompt)
}

func answering(response string) requesterFunc {
	return func(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error) {
		if transcriptID == "bad" {
			return nil, errors.New("boom")
		}
		return &lemur.TaskResult{Response: response}, nil
	}
}

// blocking holds every request until the context ends
func blocking(started chan<- struct{}) requesterFunc {
	return func(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, client processor.Requester) (*JobService, *repository.MemoryJobRepository) {
	t.Helper()
	repo := repository.NewMemoryJobRepository()
	runner := processor.New(client, processor.Options{Concurrency: 2, Logger: quietLogger()})
	svc := NewJobService(repo, runner, quietLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
	})
	return svc, repo
}

func waitFinished(t *testing.T, svc *JobService, id uuid.UUID, apiKey string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = svc.Get(context.Background(), id, apiKey)
		return err == nil && job.Status.Finished()
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

const answer = `[{"question": "q1", "answer": "yes"}, {"question": "q2", "answer": "yes"}]`

func TestJobService_SubmitCompletes(t *testing.T) {
	svc, _ := newTestService(t, answering(answer))
	ctx := context.Background()

	input := "transcript_id,agent\nt1,ann\nbad,bob\nt3,cy\n"
	job, err := svc.Submit(ctx, Submission{Filename: "calls.csv", Prompt: "p", APIKey: "key", CountAnswers: true}, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 3, job.TotalRows)
	assert.NotEmpty(t, job.KeyFingerprint)
	assert.NotContains(t, job.KeyFingerprint, "key")

	done := waitFinished(t, svc, job.ID, "key")
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 3, done.CompletedRows)
	assert.Equal(t, 1, done.FailedRows)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, "Completed all 3 requests", done.StatusText())

	out, err := svc.Result(ctx, job.ID, "key")
	require.NoError(t, err)

	table, err := csvtable.Parse(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, []string{"transcript_id", "agent", csvtable.ResponseColumn, csvtable.CountColumn}, table.Header)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, answer, table.Rows[0].Values[csvtable.ResponseColumn])
	assert.Equal(t, "2", table.Rows[0].Values[csvtable.CountColumn])
	assert.Equal(t, processor.FailedResponse, table.Rows[1].Values[csvtable.ResponseColumn])
	assert.Equal(t, "0", table.Rows[1].Values[csvtable.CountColumn])
}

func TestJobService_SubmitRejectsMissingIDColumn(t *testing.T) {
	called := false
	svc, repo := newTestService(t, requesterFunc(func(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error) {
		called = true
		return nil, nil
	}))

	_, err := svc.Submit(context.Background(), Submission{APIKey: "k"}, strings.NewReader("id,agent\n1,a\n"))
	assert.ErrorIs(t, err, csvtable.ErrMissingIDColumn)
	assert.False(t, called)

	jobs, _ := repo.List(context.Background(), throttle.Fingerprint("k"), 0)
	assert.Empty(t, jobs, "no job is stored for a rejected file")
}

func TestJobService_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	svc, _ := newTestService(t, blocking(started))
	ctx := context.Background()

	job, err := svc.Submit(ctx, Submission{APIKey: "k"}, strings.NewReader("transcriptid\na\nb\nc\n"))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}

	assert.ErrorIs(t, svc.Cancel(ctx, job.ID, "other"), ErrJobNotFound, "only the submitter can cancel")
	require.NoError(t, svc.Cancel(ctx, job.ID, "k"))
	done := waitFinished(t, svc, job.ID, "k")
	assert.Equal(t, models.JobCanceled, done.Status)

	_, err = svc.Result(ctx, job.ID, "k")
	assert.ErrorIs(t, err, ErrJobNotFinished)

	assert.ErrorIs(t, svc.Cancel(ctx, job.ID, "k"), ErrJobFinished)
	assert.ErrorIs(t, svc.Cancel(ctx, uuid.New(), "k"), ErrJobNotFound)
}

func TestJobService_GetUnknown(t *testing.T) {
	svc, _ := newTestService(t, answering("ok"))

	_, err := svc.Get(context.Background(), uuid.New(), "k")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = svc.Result(context.Background(), uuid.New(), "k")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = svc.Download(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobService_OtherKeysCannotSeeJobs(t *testing.T) {
	svc, _ := newTestService(t, answering(answer))
	ctx := context.Background()

	job, err := svc.Submit(ctx, Submission{Prompt: "p", APIKey: "owner-key"}, strings.NewReader("transcriptid\nt1\n"))
	require.NoError(t, err)
	waitFinished(t, svc, job.ID, "owner-key")

	for _, key := range []string{"", "intruder-key"} {
		_, err = svc.Get(ctx, job.ID, key)
		assert.ErrorIs(t, err, ErrJobNotFound)
		_, err = svc.Result(ctx, job.ID, key)
		assert.ErrorIs(t, err, ErrJobNotFound)

		jobs, err := svc.List(ctx, key, 0)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	}

	mine, err := svc.List(ctx, "owner-key", 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, job.ID, mine[0].ID)

	data, err := svc.Download(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, string(data), "lemur_response")
}

func TestJobService_Process(t *testing.T) {
	svc, _ := newTestService(t, answering(`[{"answer": "yes"}, {"answer": "no"}]`))

	var out bytes.Buffer
	var lines []string
	summary, err := svc.Process(context.Background(),
		Submission{Prompt: "p", APIKey: "k", CountAnswers: true},
		strings.NewReader("transcriptid\nt1\nt2\n"), &out,
		func(p processor.Progress) { lines = append(lines, p.StatusText()) })
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, []string{"Completed 1/2 requests", "Completed 2/2 requests"}, lines)
	assert.Equal(t,
		"\"transcriptid\",\"lemur_response\",\"number_occurred\"\r\n"+
			"\"t1\",\"[{\"\"answer\"\": \"\"yes\"\"}, {\"\"answer\"\": \"\"no\"\"}]\",1\r\n"+
			"\"t2\",\"[{\"\"answer\"\": \"\"yes\"\"}, {\"\"answer\"\": \"\"no\"\"}]\",1\r\n",
		out.String())
}

func TestJobService_WaitCancelsOnDeadline(t *testing.T) {
	started := make(chan struct{}, 1)
	repo := repository.NewMemoryJobRepository()
	runner := processor.New(blocking(started), processor.Options{Logger: quietLogger()})
	svc := NewJobService(repo, runner, quietLogger(), nil)

	job, err := svc.Submit(context.Background(), Submission{APIKey: "k"}, strings.NewReader("transcriptid\na\n"))
	require.NoError(t, err)
	<-started
	assert.Equal(t, 1, svc.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Wait(ctx), context.DeadlineExceeded)
	assert.Zero(t, svc.Running())

	stored, _ := repo.FindByID(context.Background(), job.ID)
	assert.Equal(t, models.JobCanceled, stored.Status)

	_, err = svc.Submit(context.Background(), Submission{APIKey: "k"}, strings.NewReader("transcriptid\na\n"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestJobService_Cleanup(t *testing.T) {
	svc, repo := newTestService(t, answering("ok"))
	ctx := context.Background()

	old := time.Now().Add(-100 * time.Hour)
	require.NoError(t, repo.Create(ctx, &models.Job{Status: models.JobCompleted, FinishedAt: &old}))

	removed, err := svc.Cleanup(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
