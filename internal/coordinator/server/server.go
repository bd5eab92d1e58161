package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"NetDispatch/internal/coordinator/handlers"
)

type Config struct {
	Host  string
	Port  int
	Binds []string // additional host:port listeners
	Mode  string
}

type Server struct {
	router   *gin.Engine
	config   *Config
	handlers *handlers.Handlers
	logger   *slog.Logger

	mu      sync.Mutex
	servers []*http.Server
}

func New(config *Config, h *handlers.Handlers, logger *slog.Logger) *Server {
	if config.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := &Server{
		router:   gin.New(),
		config:   config,
		handlers: h,
		logger:   logger,
	}

	server.setupMiddlewares()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddlewares() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.requestIDMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	api := s.router.Group("/api")
	{
		agents := api.Group("/agents")
		{
			agents.POST("/register", s.handlers.RegisterAgent)
			agents.GET("", s.handlers.ListAgents)
			agents.DELETE("/:id", s.handlers.RemoveAgent)
		}

		api.POST("/config/request", s.handlers.SetRequestConfig)
		api.GET("/config/request", s.handlers.GetRequestConfig)

		api.POST("/execute", s.handlers.Execute)
		api.GET("/execute", s.handlers.ExecuteStored)

		api.GET("/pool/status", s.handlers.PoolStatus)
		api.GET("/stats", s.handlers.Stats)
		api.GET("/history", s.handlers.History)
	}

	s.router.GET("/metrics", s.handlers.Metrics)

	ws := s.router.Group("/ws")
	{
		ws.GET("/agent", s.handlers.AgentWebSocket)
	}

	s.router.NoRoute(s.notFoundHandler)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "http-dispatcher",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) notFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Endpoint not found",
		"path":    c.Request.URL.Path,
	})
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logFn := s.logger.Info
		if statusCode >= 400 {
			logFn = s.logger.Warn
		}
		if statusCode >= 500 {
			logFn = s.logger.Error
		}

		logFn("http request",
			"status", statusCode,
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"latency", latency,
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("req-%d", time.Now().UnixNano())
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// Addresses returns every listen address, primary first, deduplicated.
func (s *Server) Addresses() []string {
	primary := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	addrs := []string{primary}

	seen := map[string]struct{}{primary: {}}
	for _, b := range s.config.Binds {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		addrs = append(addrs, b)
	}
	return addrs
}

// Start listens on the primary address and every additional --bind address,
// serving the same router. It blocks until the first listener fails or all
// are shut down.
func (s *Server) Start() error {
	addrs := s.Addresses()

	errCh := make(chan error, len(addrs))

	s.mu.Lock()
	for _, addr := range addrs {
		srv := &http.Server{
			Addr:        addr,
			Handler:     s.router,
			IdleTimeout: 60 * time.Second,
		}
		s.servers = append(s.servers, srv)

		s.logger.Info("starting http listener", "address", addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listener %s failed: %w", srv.Addr, err)
				return
			}
			errCh <- nil
		}()
	}
	n := len(s.servers)
	s.mu.Unlock()

	var firstErr error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http listeners")

	s.mu.Lock()
	servers := s.servers
	s.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	return firstErr
}

// Router is exposed for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
