// Package lemur calls the AssemblyAI LeMUR task endpoint for a single
// transcript at a time.
package lemur

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/circuitbreaker"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/throttle"
	"golang.org/x/time/rate"
)

const DefaultEndpoint = "https://api.assemblyai.com/lemur/v3/generate/task"

var ErrMissingResponse = errors.New("lemur response has no response field")

// StatusError is returned for non-2xx answers.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lemur returned status %d: %s", e.StatusCode, e.Body)
}

type TaskRequest struct {
	Prompt        string   `json:"prompt"`
	TranscriptIDs []string `json:"transcript_ids"`
}

type TaskResponse struct {
	RequestID string  `json:"request_id"`
	Response  *string `json:"response"`
}

// TaskResult carries the decoded answer along with the rate-limit state of
// the response. RateLimit is filled even when the call failed with a status.
type TaskResult struct {
	RequestID string
	Response  string
	RateLimit throttle.Snapshot
	Latency   time.Duration
}

type Config struct {
	Endpoint          string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Breaker           circuitbreaker.Config
	HTTPClient        *http.Client
}

type Client struct {
	endpoint string
	http     *http.Client
	pacer    *rate.Limiter
	breakers *circuitbreaker.Group // keyed by throttle.Fingerprint of the api key
}

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = countsAgainstEndpoint
	}

	return &Client{
		endpoint: cfg.Endpoint,
		http:     httpClient,
		pacer:    rate.NewLimiter(limit, burst),
		breakers: circuitbreaker.NewGroup(cfg.Breaker),
	}
}

// countsAgainstEndpoint keeps per-row problems such as an unknown transcript
// id from opening the breaker. Auth failures, throttling and server errors do;
// since breakers are per key, a rejected key only stops its own rows.
func countsAgainstEndpoint(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized,
			statusErr.StatusCode == http.StatusForbidden,
			statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	return !errors.Is(err, ErrMissingResponse)
}

// Task sends prompt for one transcript.
func (c *Client) Task(ctx context.Context, apiKey, transcriptID, prompt string) (*TaskResult, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	result := &TaskResult{}
	err := c.breakers.Get(throttle.Fingerprint(apiKey)).Call(func() error {
		return c.do(ctx, apiKey, transcriptID, prompt, result)
	})
	if err != nil {
		return result, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, apiKey, transcriptID, prompt string, result *TaskResult) error {
	body, err := json.Marshal(TaskRequest{
		Prompt:        prompt,
		TranscriptIDs: []string{transcriptID},
	})
	if err != nil {
		return fmt.Errorf("failed to encode lemur request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build lemur request: %w", err)
	}
	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		return fmt.Errorf("lemur request failed: %w", err)
	}
	defer resp.Body.Close()

	result.RateLimit = throttle.ParseHeaders(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var decoded TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode lemur response: %w", err)
	}
	if decoded.Response == nil {
		return ErrMissingResponse
	}

	result.RequestID = decoded.RequestID
	result.Response = *decoded.Response
	return nil
}

// Breakers exposes the per-key breakers for the admin endpoints.
func (c *Client) Breakers() *circuitbreaker.Group {
	return c.breakers
}
