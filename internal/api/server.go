// Package api is the HTTP edge: the signed webhook ingress, the admin
// endpoints and the /ws/status push channel. Domain rejections surface in the
// response body; only transport-level failures use 4xx/5xx.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/titanops/titan/internal/broker"
	"github.com/titanops/titan/internal/bus"
	"github.com/titanops/titan/internal/config"
	"github.com/titanops/titan/internal/panicctl"
	"github.com/titanops/titan/internal/phase"
	"github.com/titanops/titan/internal/pipeline"
	"github.com/titanops/titan/internal/regime"
	"github.com/titanops/titan/internal/shadow"
	"github.com/titanops/titan/internal/store"
)

// ConnectionTester checks live venue connectivity. Implemented by the broker
// gateway.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// TradeStore is the slice of the durable store the read endpoints need.
type TradeStore interface {
	QueryTrades(ctx context.Context, f store.TradeFilter) ([]store.TradeRow, error)
	ActivePositions(ctx context.Context) ([]store.PositionRow, error)
	PerformanceSummary(ctx context.Context) (store.Summary, error)
}

// Beater receives producer liveness beats. Implemented by the dead-man's
// switch.
type Beater interface {
	Beat()
}

// Deps are the components the handlers drive.
type Deps struct {
	Pipeline  *pipeline.Pipeline
	Config    *config.Manager
	Gateway   ConnectionTester
	Shadow    *shadow.State
	Store     TradeStore
	Panic     *panicctl.Controller
	Heartbeat Beater
	Phase     *phase.Manager
	Regime    *regime.CachedProvider
	Bus       *bus.Bus
}

// Config contains server configuration.
type Config struct {
	Host       string
	Port       int
	HMACSecret string
}

// Server is the REST and WebSocket server.
type Server struct {
	router *gin.Engine
	deps   Deps
	secret []byte
	addr   string
	server *http.Server
	hub    *statusHub
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Signature"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router: router,
		deps:   deps,
		secret: []byte(cfg.HMACSecret),
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		hub:    newStatusHub(deps.Bus),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.POST("/webhook", s.handleWebhook)

	api := s.router.Group("/api")
	{
		api.GET("/config", s.handleGetConfig)
		api.POST("/config", s.handleUpdateConfig)
		api.POST("/test-connection", s.handleTestConnection)
		api.GET("/status", s.handleStatus)
		api.POST("/auto-exec/enable", s.handleAutoExecEnable)
		api.POST("/auto-exec/disable", s.handleAutoExecDisable)
		api.POST("/regime", s.handleRegimeUpdate)
		api.POST("/emergency-flatten", s.handleEmergencyFlatten)
		api.POST("/cancel-all", s.handleCancelAll)
		api.GET("/trades", s.handleTrades)
		api.GET("/positions/active", s.handleActivePositions)
		api.GET("/performance/summary", s.handlePerformanceSummary)
	}

	s.router.GET("/ws/status", s.hub.handleUpgrade)
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server and the status hub. Blocks until shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := s.hub.start(); err != nil {
		return fmt.Errorf("failed to start status hub: %w", err)
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and the status hub.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	s.hub.stop()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// RequestIDMiddleware tags each request with a short id for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// LoggerMiddleware is the request logging middleware.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method

		logEvent := log.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", clientIP)

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

var _ ConnectionTester = (*broker.Gateway)(nil)
