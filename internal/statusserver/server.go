// Package statusserver exposes a loopback-only read-only HTTP API so an
// operator on the host can inspect provisioning progress and tunnel state.
package statusserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gridmesh/provisiond/internal/config"
	"github.com/gridmesh/provisiond/internal/domain"
)

// StepSource provides the current step states. Implemented by the installer.
type StepSource interface {
	Snapshot() []domain.InstallationStep
}

// Server serves the local status API.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New creates the status server. tunnelState reports the current tunnel
// connection state; pass a function returning "disabled" when no tunnel is
// configured.
func New(port int, steps StepSource, tunnelState func() string, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(loggingMiddleware(logger))
	router.Use(gin.Recovery())

	registerRoutes(router, steps, tunnelState)

	s := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{http: s, logger: logger}
}

// Run serves until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	s.logger.Info("status server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func registerRoutes(router *gin.Engine, steps StepSource, tunnelState func() string) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "version": config.Version})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok": true,
			"data": gin.H{
				"steps":  steps.Snapshot(),
				"tunnel": tunnelState(),
			},
		})
	})
}

// loggingMiddleware logs each request with duration and status.
func loggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
