// Package api assembles the gin HTTP server: CORS, health and metrics
// endpoints, and the v1 REST/WebSocket surface, behind a graceful shutdown
// on context cancellation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "loomctl/internal/api/v1"
	"loomctl/internal/auth"
	internalconfig "loomctl/internal/config"
	"loomctl/internal/db/repositories"
	"loomctl/internal/events"
	"loomctl/internal/runs"
	"loomctl/internal/scheduler"
	"loomctl/internal/telemetry"
	"loomctl/internal/workflows"
)

// Server owns the HTTP listener and every handler dependency it mounts.
type Server struct {
	cfg         *internalconfig.Config
	repos       *repositories.Repositories
	workflows   *workflows.Store
	runs        *runs.Store
	scheduler   *scheduler.Scheduler
	broadcaster *events.Broadcaster
	gate        *auth.Gate
	httpServer  *http.Server
}

func New(cfg *internalconfig.Config, repos *repositories.Repositories, wfStore *workflows.Store, runStore *runs.Store, sched *scheduler.Scheduler, broadcaster *events.Broadcaster, gate *auth.Gate) *Server {
	return &Server{
		cfg:         cfg,
		repos:       repos,
		workflows:   wfStore,
		runs:        runStore,
		scheduler:   sched,
		broadcaster: broadcaster,
		gate:        gate,
	}
}

// Start builds the router, binds the listener, and blocks until ctx is
// cancelled, at which point it shuts the server down with a bounded grace
// period.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/healthz", s.healthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	handlers := v1.New(s.repos, s.workflows, s.runs, s.scheduler, s.broadcaster, s.gate)
	handlers.RegisterRoutes(router.Group("/api/v1"))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	case <-ctx.Done():
	}

	log.Println("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "loomctl"})
}

// corsMiddleware allows any origin for the API surface; loomctl has no
// cookie-based session to protect against CSRF, and clients authenticate
// with a bearer credential on every request.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
