// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/logging"
)

// Options configure the API server.
type Options struct {
	Port int
	// RateLimit is the sustained requests per second per client on the chat
	// endpoints. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// Searcher backs the analyze endpoint. Optional.
	Searcher core.MessageSearcher
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
	Logger          logging.Logger
}

// Server represents the API server
type Server struct {
	echo   *echo.Echo
	engine *engine.Engine
	opts   Options
	logger logging.Logger
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := Options{
		Port:            8080,
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger(opts.Logger))

	server := &Server{
		echo:   e,
		engine: eng,
		opts:   opts,
		logger: opts.Logger,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	api := s.echo.Group("/api")
	api.GET("/assistants", s.listAssistants)
	api.POST("/analyze", s.analyze)

	var limit []echo.MiddlewareFunc
	if s.opts.RateLimit > 0 {
		limit = append(limit, rateLimiter(s.opts.RateLimit, s.opts.RateBurst))
	}
	api.POST("/chat", s.chat, limit...)
	api.POST("/chat/stream", s.chatStream, limit...)
	api.POST("/threads/:threadId/runs/:runId/cancel", s.cancelRun, limit...)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api.server.start", "port", s.opts.Port)
		if err := s.echo.Start(fmt.Sprintf(":%d", s.opts.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.Info("api.server.shutdown")
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	status := map[string]string{"status": "healthy"}
	if err := s.engine.Ready(); err != nil {
		status["status"] = "degraded"
		status["reason"] = err.Error()
	}
	return c.JSON(http.StatusOK, status)
}

// rateLimiter limits chat requests per client IP.
func rateLimiter(limit float64, burst int) echo.MiddlewareFunc {
	if burst <= 0 {
		burst = 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(limit),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, errorBody{Error: "Could not identify client"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, errorBody{Error: "Too many requests"})
		},
	})
}

func requestLogger(logger logging.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			kv := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("api.request", append(kv, "error", v.Error)...)
				return nil
			}
			logger.Info("api.request", kv...)
			return nil
		},
	})
}
