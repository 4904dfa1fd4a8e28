// Package api provides the HTTP surface of the gateway: the
// OpenAI-compatible completion endpoints, the admin management API, the
// public status endpoints, and static serving of generated media.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/logging"
	"github.com/router-for-me/GeminiBizAPI/internal/media"
	"github.com/router-for-me/GeminiBizAPI/internal/orchestrator"
	"github.com/router-for-me/GeminiBizAPI/internal/refresh"
	"github.com/router-for-me/GeminiBizAPI/internal/stats"
	"github.com/router-for-me/GeminiBizAPI/internal/task"
)

// Deps bundles everything the HTTP layer serves or mutates.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Stats        *stats.Collector
	Media        *media.Handler
	Register     *task.RegisterService
	RefreshTasks *task.RefreshService
	AutoRefresh  *refresh.Loop

	// LoadAccounts returns the persisted account documents.
	LoadAccounts func() []account.Document

	// ApplyAccounts persists a new account list and reloads the pool.
	ApplyAccounts func(docs []account.Document)

	// ApplySettings persists a settings document and hot-applies it.
	ApplySettings func(doc []byte) error

	StartedAt time.Time
	Version   string
}

// Server is the HTTP front of the gateway.
type Server struct {
	engine *gin.Engine
	server *http.Server
	deps   Deps
}

// NewServer builds the engine, routes, and middleware chain.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(logging.GinLogrusLogger())

	s := &Server{
		engine: engine,
		deps:   deps,
	}
	engine.Use(s.corsMiddleware())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) cfg() *config.Config {
	return s.deps.Orchestrator.Config()
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Gemini Business Gateway",
			"version": s.deps.Version,
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
			},
		})
	})

	v1 := s.engine.Group("/v1")
	v1.Use(s.clientAuthMiddleware())
	{
		v1.GET("/models", s.listModels)
		v1.GET("/models/:model", s.getModel)
		v1.POST("/chat/completions", s.chatCompletions)
	}

	s.engine.POST("/admin/login", s.adminLogin)
	admin := s.engine.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.GET("/accounts", s.listAccounts)
		admin.PUT("/accounts", s.putAccounts)
		admin.PATCH("/accounts/:id", s.patchAccount)
		admin.DELETE("/accounts/:id", s.deleteAccount)

		admin.GET("/settings", s.getSettings)
		admin.PUT("/settings", s.putSettings)

		admin.GET("/api-keys", s.getAPIKeys)
		admin.PUT("/api-keys", s.putAPIKeys)

		admin.POST("/tasks/register", s.startRegister)
		admin.POST("/tasks/refresh", s.startRefresh)
		admin.GET("/tasks/:kind/current", s.currentTask)
		admin.GET("/tasks/:kind/:id", s.getTask)
		admin.POST("/tasks/:kind/:id/cancel", s.cancelTask)

		admin.GET("/auto-refresh", s.autoRefreshStatus)
		admin.POST("/auto-refresh/pause", s.autoRefreshPause)
		admin.POST("/auto-refresh/resume", s.autoRefreshResume)

		admin.GET("/logs", s.recentLogs)
		admin.GET("/stats", s.adminStats)
		admin.POST("/stats/reset", s.resetStats)

		admin.POST("/mail/test", s.mailTest)
	}

	public := s.engine.Group("/public")
	{
		public.GET("/stats", s.publicStats)
		public.GET("/uptime", s.publicUptime)
		public.GET("/log", s.publicLog)
		public.GET("/display", s.publicDisplay)
	}

	if s.deps.Media != nil {
		s.engine.Static("/images", s.deps.Media.ImageDir())
		s.engine.Static("/videos", s.deps.Media.VideoDir())
	}
}

// Start begins serving. It blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// corsMiddleware answers preflights and scopes origins to the configured
// frontend unless all origins are allowed.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.cfg()
		origin := c.GetHeader("Origin")
		switch {
		case cfg.AllowAllOrigins:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && origin == cfg.FrontendOrigin:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, X-Chat-Id, X-Conversation-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestBaseURL reconstructs the externally visible origin, trusting the
// usual reverse-proxy headers.
func requestBaseURL(c *gin.Context) string {
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		if c.Request.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	return scheme + "://" + strings.TrimSuffix(host, "/")
}
