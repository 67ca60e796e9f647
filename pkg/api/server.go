// Package api serves the report queries over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/acctd/pkg/engine"
	"github.com/codelaboratoryltd/acctd/pkg/persist"
	"github.com/codelaboratoryltd/acctd/pkg/query"
	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

// Config configures the HTTP server.
type Config struct {
	Address string // Listen address (default :8080)
}

// DefaultConfig returns the default HTTP configuration.
func DefaultConfig() Config {
	return Config{Address: ":8080"}
}

// HealthReporter reports the persistence write paths.
type HealthReporter interface {
	Health() []persist.Health
}

// EngineStats reports the engine counters.
type EngineStats interface {
	Stats() engine.Stats
}

// ListenerStats reports the RADIUS listener counters.
type ListenerStats interface {
	Stats() radius.ServerStats
}

// Deps are the components the API reads from. Only Query is required.
type Deps struct {
	Query    *query.Facade
	Health   HealthReporter
	Engine   EngineStats
	Listener ListenerStats
	Metrics  http.Handler
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	server *http.Server
	logger *zap.Logger
}

// New creates the API server and its routes.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Query == nil {
		return nil, fmt.Errorf("query facade required")
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		logger: logger.Named("api"),
	}
	s.engine.Use(s.requestLogger(), gin.Recovery())
	s.routes()

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.engine.Group("/api/v1")
	v1.GET("/sessions/live", s.liveSessions)
	v1.GET("/sessions/live/count", s.countLive)
	v1.GET("/sessions/closed", s.closedSessions)
	v1.GET("/auth", s.authRecords)
	v1.GET("/traffic/daily", s.dailyTraffic)
	v1.GET("/traffic/top", s.topUsers)
	v1.GET("/stats", s.stats)

	s.engine.NoRoute(func(c *gin.Context) {
		writeProblem(c, http.StatusNotFound, "no route for "+c.Request.URL.Path)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens in the background until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP API server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("HTTP request failed", fields...)
			return
		}
		s.logger.Debug("HTTP request", fields...)
	}
}
