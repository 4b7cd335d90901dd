// Package ingress exposes the local HTTP surface: event submission from
// hook scripts and the IDE extension, plus a health endpoint for the
// dashboard. Everything binds to localhost; there is no auth layer.
package ingress

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/blueplane/telemetry-core/pkg/config"
	"github.com/blueplane/telemetry-core/pkg/metrics"
	"github.com/blueplane/telemetry-core/pkg/msgqueue"
	"github.com/blueplane/telemetry-core/pkg/offsets"
	"github.com/blueplane/telemetry-core/pkg/sessions"
	"github.com/blueplane/telemetry-core/pkg/store"
)

// Server is the HTTP ingress. It validates submissions, routes session
// lifecycle events to the registry and enqueues everything else as-is.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	queue    *msgqueue.Queue
	registry *sessions.Registry
	client   *store.Client
	offsets  *offsets.Store
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewServer wires routes and middleware. Call Start to begin serving.
func NewServer(cfg *config.Config, queue *msgqueue.Queue, registry *sessions.Registry, client *store.Client, offsetStore *offsets.Store, reg *metrics.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		queue:    queue,
		registry: registry,
		client:   client,
		offsets:  offsetStore,
		metrics:  reg,
		logger:   logger.With("component", "ingress"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
				s.logger.Warn("Request failed", attrs...)
				return nil
			}
			s.logger.Debug("Request", attrs...)
			return nil
		},
	}))

	e.POST("/events", s.handleEvents)
	e.GET("/health", s.handleHealth)

	s.echo = e
	return s
}

// Start serves until Shutdown is called. It blocks; run it in a
// goroutine and treat http.ErrServerClosed as a clean exit.
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP ingress listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
