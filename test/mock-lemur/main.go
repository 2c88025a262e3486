// Command mock-lemur stands in for the LeMUR task endpoint during local
// runs. Every answer is a JSON array of yes/no answers and the quota in the
// x-ratelimit headers resets each minute.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type quota struct {
	mu        sync.Mutex
	limit     int
	used      int
	windowEnd time.Time
}

// take consumes one request and reports the state after it
func (q *quota) take(now time.Time) (remaining, reset int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !now.Before(q.windowEnd) {
		q.used = 0
		q.windowEnd = now.Truncate(time.Minute).Add(time.Minute)
	}

	reset = int(q.windowEnd.Sub(now).Seconds())
	if q.used >= q.limit {
		return 0, reset, false
	}
	q.used++
	return q.limit - q.used, reset, true
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	port := envOr("PORT", "3001")
	limit, err := strconv.Atoi(envOr("MOCK_RATE_LIMIT", "60"))
	if err != nil {
		logger.Error("invalid MOCK_RATE_LIMIT", slog.String("error", err.Error()))
		os.Exit(1)
	}
	q := &quota{limit: limit}

	http.HandleFunc("POST /lemur/v3/generate/task", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt        string   `json:"prompt"`
			TranscriptIDs []string `json:"transcript_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.TranscriptIDs) != 1 {
			http.Error(w, `{"error": "invalid request"}`, http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") == "" {
			http.Error(w, `{"error": "missing API key"}`, http.StatusUnauthorized)
			return
		}

		remaining, reset, ok := q.take(time.Now())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("x-ratelimit-limit", strconv.Itoa(q.limit))
		w.Header().Set("x-ratelimit-remaining", strconv.Itoa(remaining))
		w.Header().Set("x-ratelimit-reset", strconv.Itoa(reset))

		logger.Info("task request",
			slog.String("transcript_id", req.TranscriptIDs[0]),
			slog.Int("remaining", remaining))

		if !ok {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error": "rate limit exceeded"}`)
			return
		}

		time.Sleep(time.Duration(200+rand.IntN(800)) * time.Millisecond)

		_ = json.NewEncoder(w).Encode(map[string]string{
			"request_id": fmt.Sprintf("mock-%d", time.Now().UnixNano()),
			"response":   "Here are the answers:\n" + answers(),
		})
	})

	logger.Info("mock lemur starting", slog.String("port", port), slog.Int("limit", limit))
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		logger.Error("mock lemur stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func answers() string {
	questions := []string{"Did the agent greet the caller?", "Did the agent interrupt?", "Was the issue resolved?"}
	out := make([]map[string]string, len(questions))
	for i, q := range questions {
		answer := "no"
		if rand.IntN(2) == 0 {
			answer = "yes"
		}
		out[i] = map[string]string{"question": q, "answer": answer}
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
