package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/circuitbreaker"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/lemur"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/middleware"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/processor"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/repository"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLemur struct{}

func (fakeLemur) Task(ctx context.Context, apiKey, transcriptID, prompt string) (*lemur.TaskResult, error) {
	if apiKey != "secret-key" {
		return nil, errors.New("unauthorized")
	}
	return &lemur.TaskResult{Response: `[{"question": "q", "answer": "yes"}]`}, nil
}

func setup(t *testing.T, tokenSecret string) *gin.Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	runner := processor.New(fakeLemur{}, processor.Options{Logger: logger})
	svc := service.NewJobService(repository.NewMemoryJobRepository(), runner, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
	})

	h := NewJobHandler(svc, service.NewDownloadTokens(tokenSecret, time.Hour), 1<<20, logger)

	router := gin.New()
	api := router.Group("/api")
	api.POST("/jobs", middleware.LemurAPIKey(), h.Create)
	api.POST("/process", middleware.LemurAPIKey(), h.Process)
	api.GET("/jobs", middleware.LemurAPIKey(), h.List)
	api.GET("/jobs/:id", middleware.LemurAPIKey(), h.Get)
	api.GET("/jobs/:id/result", h.Result)
	api.DELETE("/jobs/:id", middleware.LemurAPIKey(), h.Cancel)
	return router
}

func form(t *testing.T, fields map[string]string, csv string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if csv != "" {
		part, err := mw.CreateFormFile("file", "calls.csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func upload(t *testing.T, router *gin.Engine, path string, fields map[string]string, csv string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := form(t, fields, csv)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-API-Key", "secret-key")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	return send(router, http.MethodGet, path, "")
}

func send(router *gin.Engine, method, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const ownerKey = "secret-key"

func waitCompleted(t *testing.T, router *gin.Engine, id uuid.UUID) jobBody {
	t.Helper()
	var job jobBody
	require.Eventually(t, func() bool {
		w := send(router, http.MethodGet, "/api/jobs/"+id.String(), ownerKey)
		_ = json.Unmarshal(w.Body.Bytes(), &job)
		return job.Status == "completed"
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

type jobBody struct {
	ID          uuid.UUID `json:"id"`
	Status      string    `json:"status"`
	TotalRows   int       `json:"total_rows"`
	StatusText  string    `json:"status_text"`
	DownloadURL string    `json:"download_url"`
}

func TestJobLifecycle(t *testing.T) {
	router := setup(t, "token-secret")

	w := upload(t, router, "/api/jobs",
		map[string]string{"prompt": "Did the agent greet?", "count_answers": "true"},
		"transcriptid,agent\nt1,ann\nt2,bob\n")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created jobBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "queued", created.Status)
	assert.Equal(t, 2, created.TotalRows)
	assert.Contains(t, created.DownloadURL, "?token=")
	assert.NotContains(t, w.Body.String(), "key_fingerprint")

	job := waitCompleted(t, router, created.ID)
	assert.Equal(t, "Completed all 2 requests", job.StatusText)

	w = get(router, job.DownloadURL)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="output.csv"`)
	assert.Equal(t,
		"\"transcriptid\",\"agent\",\"lemur_response\",\"number_occurred\"\r\n"+
			"\"t1\",\"ann\",\"[{\"\"question\"\": \"\"q\"\", \"\"answer\"\": \"\"yes\"\"}]\",1\r\n"+
			"\"t2\",\"bob\",\"[{\"\"question\"\": \"\"q\"\", \"\"answer\"\": \"\"yes\"\"}]\",1\r\n",
		w.Body.String())

	w = get(router, "/api/jobs/"+job.ID.String()+"/result")
	assert.Equal(t, http.StatusUnauthorized, w.Code, "key or token is required")

	w = send(router, http.MethodGet, "/api/jobs/"+job.ID.String()+"/result", ownerKey)
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(router, http.MethodGet, "/api/jobs", ownerKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), "token=")

	w = send(router, http.MethodDelete, "/api/jobs/"+job.ID.String(), ownerKey)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJobs_OnlyVisibleToOwner(t *testing.T) {
	router := setup(t, "token-secret")

	w := upload(t, router, "/api/jobs", map[string]string{"prompt": "p"}, "transcriptid\nt1\n")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created jobBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	waitCompleted(t, router, created.ID)

	jobPath := "/api/jobs/" + created.ID.String()

	assert.Equal(t, http.StatusBadRequest, get(router, "/api/jobs").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, jobPath).Code)

	w = send(router, http.MethodGet, "/api/jobs", "intruder-key")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
	assert.NotContains(t, w.Body.String(), created.ID.String())

	assert.Equal(t, http.StatusNotFound, send(router, http.MethodGet, jobPath, "intruder-key").Code)
	assert.Equal(t, http.StatusNotFound, send(router, http.MethodGet, jobPath+"/result", "intruder-key").Code)
	assert.Equal(t, http.StatusNotFound, send(router, http.MethodDelete, jobPath, "intruder-key").Code)

	assert.Equal(t, http.StatusForbidden, get(router, jobPath+"/result?token=forged").Code)

	other := upload(t, router, "/api/jobs", map[string]string{"prompt": "p"}, "transcriptid\nt2\n")
	require.Equal(t, http.StatusAccepted, other.Code)
	var second jobBody
	require.NoError(t, json.Unmarshal(other.Body.Bytes(), &second))
	token := second.DownloadURL[strings.Index(second.DownloadURL, "?token="):]
	assert.Equal(t, http.StatusForbidden, get(router, jobPath+"/result"+token).Code, "tokens are bound to one job")
}

func TestResult_TokenIgnoredWithoutSecret(t *testing.T) {
	router := setup(t, "")

	w := upload(t, router, "/api/jobs", map[string]string{"prompt": "p"}, "transcriptid\nt1\n")
	require.Equal(t, http.StatusAccepted, w.Code)
	var created jobBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotContains(t, created.DownloadURL, "token=")
	waitCompleted(t, router, created.ID)

	resultPath := "/api/jobs/" + created.ID.String() + "/result"
	assert.Equal(t, http.StatusUnauthorized, get(router, resultPath).Code)
	assert.Equal(t, http.StatusForbidden, get(router, resultPath+"?token=anything").Code)
	assert.Equal(t, http.StatusOK, send(router, http.MethodGet, resultPath, ownerKey).Code)
}

func TestCreate_Validation(t *testing.T) {
	router := setup(t, "")

	tests := []struct {
		name   string
		fields map[string]string
		csv    string
		status int
		errMsg string
	}{
		{
			name:   "missing file",
			fields: map[string]string{"prompt": "p"},
			status: http.StatusBadRequest,
			errMsg: "CSV file is required",
		},
		{
			name:   "missing prompt",
			csv:    "transcriptid\nt1\n",
			status: http.StatusBadRequest,
			errMsg: "prompt is required",
		},
		{
			name:   "no id column",
			fields: map[string]string{"prompt": "p"},
			csv:    "id,agent\n1,ann\n",
			status: http.StatusUnprocessableEntity,
			errMsg: "transcriptid or transcript_id",
		},
		{
			name:   "bad count flag",
			fields: map[string]string{"prompt": "p", "count_answers": "maybe"},
			csv:    "transcriptid\nt1\n",
			status: http.StatusBadRequest,
			errMsg: "count_answers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := upload(t, router, "/api/jobs", tt.fields, tt.csv)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.errMsg)
		})
	}
}

func TestCreate_MissingAPIKey(t *testing.T) {
	router := setup(t, "")

	body, contentType := form(t, map[string]string{"prompt": "p"}, "transcriptid\nt1\n")
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcess_Synchronous(t *testing.T) {
	router := setup(t, "")

	w := upload(t, router, "/api/process", map[string]string{"prompt": "p", "count_answers": "false"}, "transcript_id\nt1\n")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0", w.Header().Get("X-Rows-Failed"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "\"transcript_id\",\"lemur_response\"\r\n"))
	assert.NotContains(t, w.Body.String(), "number_occurred")
}

func TestGet_Errors(t *testing.T) {
	router := setup(t, "")

	assert.Equal(t, http.StatusBadRequest, send(router, http.MethodGet, "/api/jobs/not-a-uuid", ownerKey).Code)
	assert.Equal(t, http.StatusNotFound, send(router, http.MethodGet, "/api/jobs/"+uuid.NewString(), ownerKey).Code)
	assert.Equal(t, http.StatusNotFound, send(router, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/result", ownerKey).Code)
}

func TestSystemHandler(t *testing.T) {
	breakers := circuitbreaker.NewGroup(circuitbreaker.Config{MaxFailures: 1})
	bad := breakers.Get("fp-bad")
	_ = bad.Call(func() error { return errors.New("down") })
	require.Equal(t, circuitbreaker.StateOpen, bad.State())
	good := breakers.Get("fp-good")

	h := NewSystemHandler(breakers)
	router := gin.New()
	router.GET("/admin/circuit-breaker", h.CircuitBreakerStatus)
	router.POST("/admin/circuit-breaker/reset", h.ResetCircuitBreaker)

	w := get(router, "/admin/circuit-breaker")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Lemur map[string]struct {
			State string `json:"state"`
		} `json:"lemur"`
		Open int `json:"open"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Open)
	assert.Equal(t, "open", body.Lemur["fp-bad"].State)
	assert.Equal(t, "closed", body.Lemur["fp-good"].State)

	w = send(router, http.MethodPost, "/admin/circuit-breaker/reset?fingerprint=unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = send(router, http.MethodPost, "/admin/circuit-breaker/reset?fingerprint=fp-bad", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, bad.State())
	assert.Equal(t, circuitbreaker.StateClosed, good.State())

	_ = bad.Call(func() error { return errors.New("down") })
	w = send(router, http.MethodPost, "/admin/circuit-breaker/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, bad.State())
}
