// Package server wires the proxy's HTTP surface: health, optional metrics
// and admin summary endpoints, and the catch-all forwarding handler.
package server

import (
	"context"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"croxyrelay/internal/admin"
	"croxyrelay/internal/proxy"
)

// Config controls which optional surfaces are mounted.
type Config struct {
	MetricsEnabled  bool
	MetricsEndpoint string
	AdminEnabled    bool
	AdminEndpoint   string
	AdminHandler    *admin.Handler
}

// Server wraps the Echo instance exposing the proxy's HTTP surface.
type Server struct {
	echo *echo.Echo
}

// New builds a Server. state handles every request that isn't health,
// metrics, or admin.
func New(state *proxy.AppState, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	// Every request gets a stable X-Request-ID, generated here if the
	// caller didn't supply one, so log lines and error responses can be
	// correlated to a single inbound request.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
				c.Request().Header.Set("X-Request-ID", id)
			}
			c.Response().Header().Set("X-Request-ID", id)
			return next(c)
		}
	})

	// No BodyLimit middleware: the forwarding pipeline enforces the
	// configured cap itself and answers 400, where echo would answer 413.

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.MetricsEnabled {
		metricsPath := path.Clean(cfg.MetricsEndpoint)
		if metricsPath == "" || metricsPath == "." {
			metricsPath = "/metrics"
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	if cfg.AdminEnabled && cfg.AdminHandler != nil {
		adminPath := path.Clean(cfg.AdminEndpoint)
		if adminPath == "" || adminPath == "." {
			adminPath = "/admin/summary"
		}
		e.GET(adminPath, cfg.AdminHandler.Summary)
	}

	e.Any("/*", echo.WrapHandler(http.HandlerFunc(state.HandleRequest)))

	return &Server{echo: e}
}

// Start listens and serves on addr, blocking until the server stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts the server down, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets Server be driven directly by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
