package server

import (
	"log/slog"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/circuitbreaker"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/config"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/lemur"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/metrics"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/processor"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/storage"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/throttle"
)

// Pipeline is the LeMUR client and the processor built on top of it. The
// server and the process command share it.
type Pipeline struct {
	Client    *lemur.Client
	Processor *processor.Processor
}

// NewPipeline wires the client, pause store and processor from cfg. Pauses
// are shared through redis when a client is given.
func NewPipeline(cfg *config.Config, redis *storage.RedisClient, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	client := lemur.NewClient(lemur.Config{
		Endpoint:          cfg.Lemur.Endpoint,
		Timeout:           cfg.Lemur.Timeout(),
		RequestsPerSecond: cfg.Lemur.RequestsPerSecond,
		Breaker: circuitbreaker.Config{
			MaxFailures: cfg.Lemur.CircuitBreaker.MaxFailures,
			Timeout:     time.Duration(cfg.Lemur.CircuitBreaker.TimeoutSeconds) * time.Second,
		},
	})

	var pauses throttle.PauseStore = throttle.NewMemoryPauseStore()
	if redis != nil {
		pauses = throttle.NewRedisPauseStore(redis)
	}

	proc := processor.New(client, processor.Options{
		Concurrency: cfg.Lemur.Concurrency,
		BatchSize:   cfg.Lemur.BatchSize,
		Policy: throttle.Policy{
			Threshold: cfg.Throttle.RemainingThreshold,
			Extra:     cfg.Throttle.ExtraWait(),
			MaxWait:   cfg.Throttle.MaxWait(),
		},
		Pauses:  pauses,
		Logger:  logger,
		Metrics: m,
	})

	return &Pipeline{Client: client, Processor: proc}
}
