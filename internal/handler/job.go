package handler

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/csvtable"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/middleware"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/models"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const resultFilename = "output.csv"

type JobHandler struct {
	service   *service.JobService
	tokens    *service.DownloadTokens
	maxUpload int64
	logger    *slog.Logger
}

func NewJobHandler(svc *service.JobService, tokens *service.DownloadTokens, maxUpload int64, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:   svc,
		tokens:    tokens,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

type jobResponse struct {
	*models.Job
	StatusText  string `json:"status_text"`
	DownloadURL string `json:"download_url,omitempty"`
}

// present renders a job for its owner. Download tokens are only signed into
// single-job responses; list entries link to the key-authenticated result.
func (h *JobHandler) present(job *models.Job, withToken bool) jobResponse {
	resp := jobResponse{Job: job, StatusText: job.StatusText()}
	if job.Status != models.JobCompleted && job.Status.Finished() {
		return resp
	}

	url := fmt.Sprintf("/api/jobs/%s/result", job.ID)
	if withToken && h.tokens.Enabled() {
		token, err := h.tokens.Issue(job.ID)
		if err != nil {
			h.logger.Error("failed to issue download token", slog.String("error", err.Error()))
			return resp
		}
		url += "?token=" + token
	}
	resp.DownloadURL = url
	return resp
}

// submission reads the multipart form shared by job creation and the
// synchronous endpoint.
func (h *JobHandler) submission(c *gin.Context) (service.Submission, multipart.File, bool) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CSV file is required"})
		return service.Submission{}, nil, false
	}

	if h.maxUpload > 0 && header.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds the %d byte limit", h.maxUpload),
		})
		return service.Submission{}, nil, false
	}

	prompt := c.PostForm("prompt")
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return service.Submission{}, nil, false
	}

	countAnswers := true
	if v := c.PostForm("count_answers"); v != "" {
		countAnswers, err = strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count_answers must be true or false"})
			return service.Submission{}, nil, false
		}
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return service.Submission{}, nil, false
	}

	return service.Submission{
		Filename:     header.Filename,
		Prompt:       prompt,
		APIKey:       c.GetString(middleware.LemurAPIKeyKey),
		CountAnswers: countAnswers,
	}, file, true
}

func (h *JobHandler) Create(c *gin.Context) {
	sub, file, ok := h.submission(c)
	if !ok {
		return
	}
	defer file.Close()

	job, err := h.service.Submit(c.Request.Context(), sub, file)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, h.present(job, true))
}

// Process runs the file inline and answers with the annotated CSV
func (h *JobHandler) Process(c *gin.Context) {
	sub, file, ok := h.submission(c)
	if !ok {
		return
	}
	defer file.Close()

	var out bytes.Buffer
	summary, err := h.service.Process(c.Request.Context(), sub, file, &out, nil)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resultFilename))
	c.Header("X-Rows-Failed", strconv.Itoa(summary.Failed))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", out.Bytes())
}

func (h *JobHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	jobs, err := h.service.List(c.Request.Context(), c.GetString(middleware.LemurAPIKeyKey), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, h.present(&jobs[i], false))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  out,
		"count": len(out),
	})
}

func (h *JobHandler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.service.Get(c.Request.Context(), id, c.GetString(middleware.LemurAPIKeyKey))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, h.present(job, true))
}

func (h *JobHandler) Result(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	var (
		data []byte
		err  error
	)
	if token := c.Query("token"); token != "" {
		if !h.tokens.Enabled() || h.tokens.Verify(token, id) != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired download link"})
			return
		}
		data, err = h.service.Download(c.Request.Context(), id)
	} else {
		apiKey := middleware.APIKeyFrom(c)
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "API key or download token is required"})
			return
		}
		data, err = h.service.Result(c.Request.Context(), id, apiKey)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resultFilename))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

func (h *JobHandler) Cancel(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), id, c.GetString(middleware.LemurAPIKeyKey)); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Job cancellation requested",
		"id":      id,
	})
}

func jobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id"})
		return uuid.Nil, false
	}
	return id, true
}

// fail maps service errors onto status codes
func (h *JobHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, csvtable.ErrMissingIDColumn):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "CSV must contain a transcriptid or transcript_id column",
		})
	case errors.Is(err, service.ErrInvalidCSV):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, service.ErrJobNotFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Job has not completed"})
	case errors.Is(err, service.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished"})
	case errors.Is(err, service.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server is shutting down"})
	default:
		h.logger.Error("request failed",
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
