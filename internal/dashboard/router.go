// Package dashboard implements the read-only operational API (spec §11):
// PR state, status counts, rate-limit status, and recent audit events,
// behind JWT bearer auth. It surfaces telemetry a UI would consume; it
// does not render one.
package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/consts"
	"github.com/reviewbot/reviewbot/internal/config"
	"github.com/reviewbot/reviewbot/internal/dashstore"
	"github.com/reviewbot/reviewbot/internal/ratelimit"
	"github.com/reviewbot/reviewbot/internal/state"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Server wraps the dashboard's gin.Engine and http.Server lifecycle.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// New builds the dashboard API server. It does not start listening;
// call Run.
func New(cfg config.DashboardConfig, st *state.StateStore, ds *dashstore.Store, guard *ratelimit.Guard, log *zap.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(consts.ServiceName))

	h := &handler{state: st, audit: ds, guard: guard}

	r.GET("/health", h.health)

	v1 := r.Group("/api/v1")
	v1.Use(jwtAuth(cfg.JWTSecret))
	{
		v1.GET("/prs", h.listPullRequests)
		v1.GET("/prs/:owner/:repo/:number", h.getPullRequest)
		v1.GET("/status-counts", h.statusCounts)
		v1.GET("/rate-limit", h.rateLimitStatus)
		v1.GET("/audit", h.recentEvents)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      r,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		log: log,
	}
}

// Run starts the HTTP listener; it blocks until the server stops.
// ErrServerClosed is swallowed, matching the standard graceful-shutdown
// pattern.
func (s *Server) Run() error {
	s.log.Info("starting dashboard API", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
