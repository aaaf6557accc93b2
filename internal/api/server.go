package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/orchestrator"
	"github.com/proxy-inventory/internal/snapshot"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Runner starts workflows on demand.
type Runner interface {
	TryRun(ctx context.Context, workflow string) (*snapshot.Report, error)
	Running(workflow string) bool
}

// Server copies the API and metrics sections at construction; a later
// config reload does not affect a running server.
type Server struct {
	api         config.APIConfig
	metricsCfg  config.MetricsConfig
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	runner      Runner
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter

	// Triggered workflows outlive their request and stop with the server.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    max(requestsPerMinute/10, 1), // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, snap *snapshot.Manager, metricsCollector *metrics.Collector,
	gatherer prometheus.Gatherer, runner Runner) *Server {

	if cfg.LoggingSettings().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	runCtx, cancelRun := context.WithCancel(context.Background())
	s := &Server{
		api:         cfg.API,
		metricsCfg:  cfg.Metrics,
		snapshot:    snap,
		metrics:     metricsCollector,
		gatherer:    gatherer,
		runner:      runner,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
		runCtx:      runCtx,
		cancelRun:   cancelRun,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.metricsCfg.Enabled {
		s.router.GET(s.metricsCfg.Endpoint, gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.api.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.api.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/get-proxy", s.handleGetProxy)
	protected.GET("/stat", s.handleStat)
	protected.GET("/workflows/:name", s.handleWorkflowReport)
	protected.POST("/workflows/:name", s.handleWorkflowTrigger)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.api.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.api.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, cancels triggered workflows and waits
// for them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancelRun()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// Route pattern, not raw path, to keep label cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.api.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleGetProxy(c *gin.Context) {
	all := c.Query("all") == "1"
	fresh := c.Query("fresh") == "1"
	limitStr := c.Query("limit")
	format := c.Query("format")
	acceptHeader := c.GetHeader("Accept")

	wantsJSON := format == "json" || strings.Contains(acceptHeader, "application/json")

	limit := 1
	switch {
	case all:
		limit = 0
	case limitStr != "":
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter",
			})
			return
		}
		limit = n
	}

	proxies := s.snapshot.GetProxies(limit, fresh)
	if len(proxies) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No active proxies available",
		})
		return
	}

	if wantsJSON {
		stats := s.snapshot.Stats()
		c.JSON(http.StatusOK, gin.H{
			"total":   stats.Total,
			"active":  stats.Active,
			"proxies": proxies,
		})
		return
	}

	// Plain text format (one per line)
	var result strings.Builder
	for _, p := range proxies {
		result.WriteString(p.URL())
		result.WriteString("\n")
	}
	c.String(http.StatusOK, result.String())
}

func (s *Server) handleStat(c *gin.Context) {
	stats := s.snapshot.Stats()

	running := make([]string, 0)
	for _, wf := range orchestrator.Workflows() {
		if s.runner.Running(wf) {
			running = append(running, wf)
		}
	}

	alivePercent := 0.0
	if stats.Total > 0 {
		alivePercent = float64(stats.Active) / float64(stats.Total) * 100.0
	}

	c.JSON(http.StatusOK, gin.H{
		"total":         stats.Total,
		"active":        stats.Active,
		"inactive":      stats.Inactive,
		"stale":         stats.Stale,
		"alive_percent": alivePercent,
		"by_protocol":   stats.ByProtocol,
		"refreshed":     stats.Refreshed.Format(time.RFC3339),
		"workflows":     s.snapshot.Reports(),
		"running":       running,
	})
}

func (s *Server) handleWorkflowReport(c *gin.Context) {
	name := c.Param("name")
	if !slices.Contains(orchestrator.Workflows(), name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown workflow"})
		return
	}

	report, ok := s.snapshot.Last(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Workflow has not run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleWorkflowTrigger(c *gin.Context) {
	name := c.Param("name")
	if !slices.Contains(orchestrator.Workflows(), name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown workflow"})
		return
	}
	if s.runner.Running(name) {
		c.JSON(http.StatusConflict, gin.H{"error": "Workflow already running"})
		return
	}

	log.WithField("workflow", name).Info("Workflow triggered via API")

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.runner.TryRun(s.runCtx, name); errors.Is(err, orchestrator.ErrAlreadyRunning) {
			log.WithField("workflow", name).Warn("Workflow already running, trigger ignored")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"workflow": name,
		"message":  "Workflow triggered",
	})
}

