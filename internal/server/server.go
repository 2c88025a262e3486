package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/config"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/handler"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/healthcheck"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/metrics"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/middleware"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/ratelimit"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/repository"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/service"
	"github.com/AssemblyAI-Solutions/bulk-csv-lemur-processor/internal/storage"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     *slog.Logger
	redis      *storage.RedisClient // nil when redis is disabled
	postgres   *storage.Postgres    // nil when jobs are kept in memory
	metrics    *metrics.Metrics
	pipeline   *Pipeline
	jobs       *service.JobService
	limiter    ratelimit.Limiter
	health     *healthcheck.Checker
	jobHandler *handler.JobHandler
	sysHandler *handler.SystemHandler
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres, logger *slog.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.Server.MaxUploadMB << 20

	m := metrics.New()
	pipeline := NewPipeline(cfg, redis, m, logger)

	var store service.JobStore = repository.NewMemoryJobRepository()
	if postgres != nil {
		store = repository.NewJobRepository(postgres)
	}
	jobs := service.NewJobService(store, pipeline.Processor, logger, m)
	tokens := service.NewDownloadTokens(cfg.Download.TokenSecret, cfg.Download.TTL())

	s := &Server{
		router:     router,
		config:     cfg,
		logger:     logger,
		redis:      redis,
		postgres:   postgres,
		metrics:    m,
		pipeline:   pipeline,
		jobs:       jobs,
		limiter:    ratelimit.NewLimiter(redis, cfg.Submissions.Algorithm, cfg.Submissions.RequestsPerMinute, time.Minute),
		jobHandler: handler.NewJobHandler(jobs, tokens, cfg.Server.MaxUploadMB<<20, logger),
		sysHandler: handler.NewSystemHandler(pipeline.Client.Breakers()),
		health:     healthcheck.NewChecker(healthcheck.Config{Logger: logger}),
		startTime:  time.Now(),
	}

	if redis != nil {
		s.health.Register("redis", redis.Ping)
	}
	if postgres != nil {
		s.health.Register("database", postgres.Ping)
	}

	// Setup middleware
	s.setupMiddleware()

	// Setup routes
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	rateLimit := middleware.SubmissionRateLimit(s.limiter, s.logger)
	apiKey := middleware.LemurAPIKey()

	api := s.router.Group("/api")
	{
		api.POST("/jobs", rateLimit, apiKey, s.jobHandler.Create)
		api.POST("/process", rateLimit, apiKey, s.jobHandler.Process)
		api.GET("/jobs", apiKey, s.jobHandler.List)
		api.GET("/jobs/:id", apiKey, s.jobHandler.Get)
		api.GET("/jobs/:id/result", s.jobHandler.Result) // owner key or download token
		api.DELETE("/jobs/:id", apiKey, s.jobHandler.Cancel)
	}

	admin := s.router.Group("/admin")
	{
		admin.GET("/status", s.adminStatus)
		admin.GET("/circuit-breaker", s.sysHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breaker/reset", s.sysHandler.ResetCircuitBreaker)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	overall := s.health.OverallHealth()

	checks := gin.H{}
	for _, status := range s.health.GetAllStatus() {
		checks[status.Target] = status.IsHealthy
	}

	statusCode := http.StatusOK
	if overall != healthcheck.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overall.String(),
		"service":   "lemur-csv",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":        "running",
		"running_jobs":  s.jobs.Running(),
		"open_circuits": s.pipeline.Client.Breakers().Open(),
		"concurrency":   s.config.Lemur.Concurrency,
		"dependencies":  s.health.GetAllStatus(),
		"uptime":        time.Since(s.startTime).Seconds(),
		"timestamp":     time.Now().Unix(),
	})
}

// Start launches the background health checks and cleanup, stopped by ctx
func (s *Server) Start(ctx context.Context) {
	s.health.Start(ctx)
	s.jobs.StartCleanup(ctx, s.config.Jobs.CleanupInterval(), s.config.Jobs.Retention())
	if bucket, ok := s.limiter.(*ratelimit.TokenBucket); ok {
		bucket.StartJanitor(ctx)
	}
}

func (s *Server) Run(addr string) error {
	// No write timeout: /api/process answers only once every row is done.
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting lemur csv server",
		slog.String("addr", addr),
		slog.String("environment", s.config.Server.Environment))

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for running jobs until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	if waitErr := s.jobs.Wait(ctx); waitErr != nil {
		s.logger.Warn("jobs canceled during shutdown", slog.String("error", waitErr.Error()))
		if err == nil {
			err = waitErr
		}
	}

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
