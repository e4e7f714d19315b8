// Package adminserver exposes a read-mostly HTTP+WebSocket surface for
// operators: liveness/readiness/metrics, job and route inspection, a
// guarded RESET trigger, and a live feed of job transitions. It adapts
// the teacher's internal/server/router.go gin Server: same
// setupRouter/middleware/Start/Stop shape, with the docker/migration/
// peer API groups and embedded web UI dropped, since this surface has
// no browser-facing dashboard of its own to serve.
package adminserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pht-router/trainrouter/internal/adminauth"
	"github.com/pht-router/trainrouter/internal/dispatcher"
	"github.com/pht-router/trainrouter/internal/jobstate"
	"github.com/pht-router/trainrouter/internal/observability"
	"github.com/pht-router/trainrouter/internal/routemodel"
	"github.com/pht-router/trainrouter/internal/routestore"
)

// Config wires the admin surface's collaborators.
type Config struct {
	Addr   string
	Logger *observability.Logger
	Health *observability.HealthChecker

	Routes *routestore.Store
	Jobs   *jobstate.Store
	Router dispatcher.Processor // the Router, addressed through its Processor interface to avoid an import cycle

	Auth *adminauth.Authenticator // nil disables the mutating /admin routes

	// Hub, when set, is used instead of constructing a new JobEventHub.
	// Callers that also wire the hub as the Router's Notifier must build
	// it first and pass it to both.
	Hub *JobEventHub
}

// Server is the admin HTTP+WebSocket surface.
type Server struct {
	cfg    Config
	logger *observability.Logger
	hub    *JobEventHub
	engine *gin.Engine
	http   *http.Server
}

// New builds a Server. Call Start to begin serving.
func New(cfg Config) *Server {
	if cfg.Logger.Core().Enabled(zap.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := cfg.Hub
	if hub == nil {
		hub = NewJobEventHub(cfg.Logger)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		hub:    hub,
	}
	s.engine = s.setupRouter()
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.engine,
	}
	return s
}

// Hub exposes the job event hub so it can be wired as the Router's
// Notifier.
func (s *Server) Hub() *JobEventHub {
	return s.hub
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.corsMiddleware())

	r.GET("/healthz", s.cfg.Health.HealthHandler())
	r.GET("/readyz", s.cfg.Health.ReadyHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/jobs/:id", s.handleGetJob)
	r.GET("/routes/:id", s.handleGetRoute)
	r.GET("/ws", s.handleWebSocket)

	admin := r.Group("/admin")
	admin.Use(s.requireAuth())
	admin.POST("/jobs/:id/reset", s.handleResetJob)

	return r
}

// Start runs the hub loop and the HTTP server until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("admin surface listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server and disconnects every
// websocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		s.logger.Info("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireAuth guards the mutating /admin group with a bearer token
// checked against adminauth. If no Authenticator was configured, every
// request to the group is rejected — there is no "open admin" mode.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Auth == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin surface not configured"})
			return
		}

		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		if !s.cfg.Auth.Verify(header[len(prefix):]) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleGetJob(c *gin.Context) {
	jobId := c.Param("id")
	ctx := c.Request.Context()

	exists, err := s.cfg.Jobs.Exists(ctx, jobId)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	status, err := s.cfg.Jobs.GetStatus(ctx, jobId)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	currentStation, err := s.cfg.Jobs.GetCurrentStation(ctx, jobId)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	routeType, err := s.cfg.Jobs.GetType(ctx, jobId)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	state := routemodel.JobState{
		Status:         status,
		CurrentStation: currentStation,
		Type:           routeType,
	}
	if epoch, err := s.cfg.Jobs.GetEpoch(ctx, jobId); err == nil {
		state.Epoch = epoch
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobId, "state": state})
}

func (s *Server) handleGetRoute(c *gin.Context) {
	jobId := c.Param("id")
	route, err := s.cfg.Routes.Get(c.Request.Context(), jobId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, route)
}

func (s *Server) handleResetJob(c *gin.Context) {
	jobId := c.Param("id")
	cmd := dispatcher.Command{Type: dispatcher.EventReset, JobId: jobId}

	resp := s.cfg.Router.Process(c.Request.Context(), cmd)
	if resp.Event == dispatcher.RespFailed {
		c.JSON(http.StatusConflict, gin.H{"error": resp.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobId, "event": resp.Event, "message": resp.Message})
}
