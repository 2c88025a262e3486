package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLemur(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))

		var body struct {
			Prompt        string   `json:"prompt"`
			TranscriptIDs []string `json:"transcript_ids"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body.TranscriptIDs[0] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("x-ratelimit-limit", "100")
		w.Header().Set("x-ratelimit-remaining", "90")
		w.Header().Set("x-ratelimit-reset", "30")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"request_id": "req-" + body.TranscriptIDs[0],
			"response":   `[{"question": "greeting", "answer": "yes"}, {"question": "farewell", "answer": "yes"}]`,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--config", filepath.Join(t.TempDir(), "missing.json")))
	err := cmd.Execute()
	return out.String(), err
}

func TestProcessCommand(t *testing.T) {
	var hits atomic.Int32
	srv := fakeLemur(t, &hits)
	t.Setenv("LEMUR_ENDPOINT", srv.URL)
	t.Setenv("ASSEMBLYAI_API_KEY", "test-key")

	dir := t.TempDir()
	input := filepath.Join(dir, "calls.csv")
	output := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(input, []byte("transcriptid,agent\nt1,ann\nmissing,bob\n"), 0o600))

	stdout, err := execute(t, "process", "--input", input, "--output", output, "--prompt", "Was the caller greeted?")
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Contains(t, stdout, "Completed 2/2 requests")
	assert.Contains(t, stdout, "Rate Limit: 100, Remaining: 90, Reset: 30 seconds")
	assert.Contains(t, stdout, "Completed all 2 requests")
	assert.Contains(t, stdout, "1 rows failed")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t,
		"\"transcriptid\",\"agent\",\"lemur_response\",\"number_occurred\"\r\n"+
			"\"t1\",\"ann\",\"[{\"\"question\"\": \"\"greeting\"\", \"\"answer\"\": \"\"yes\"\"}, {\"\"question\"\": \"\"farewell\"\", \"\"answer\"\": \"\"yes\"\"}]\",2\r\n"+
			"\"missing\",\"bob\",\"LeMUR Request Failed\",0\r\n",
		string(data))
}

func TestProcessCommand_RejectsMissingIDColumn(t *testing.T) {
	var hits atomic.Int32
	srv := fakeLemur(t, &hits)
	t.Setenv("LEMUR_ENDPOINT", srv.URL)

	dir := t.TempDir()
	input := filepath.Join(dir, "calls.csv")
	output := filepath.Join(dir, "out.csv")
	require.NoError(t, os.WriteFile(input, []byte("id,agent\n1,ann\n"), 0o600))

	_, err := execute(t, "process", "-i", input, "-o", output, "-p", "q", "--api-key", "test-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript")
	assert.Zero(t, hits.Load(), "no request is sent")
	assert.NoFileExists(t, output)
}

func TestProcessCommand_RequiresKeyAndPrompt(t *testing.T) {
	t.Setenv("ASSEMBLYAI_API_KEY", "")
	input := filepath.Join(t.TempDir(), "calls.csv")
	require.NoError(t, os.WriteFile(input, []byte("transcriptid\nt1\n"), 0o600))

	_, err := execute(t, "process", "-i", input, "-p", "q")
	assert.ErrorContains(t, err, "API key is required")

	_, err = execute(t, "process", "-i", input, "--api-key", "k")
	assert.ErrorContains(t, err, "prompt is required")
}
