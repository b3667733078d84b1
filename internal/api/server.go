// Package api provides the HTTP surface of the gateway: the
// OpenAI-compatible chat endpoint, media serving, and status routes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/config"
	"github.com/zczy999/business-gemini/internal/logging"
	"github.com/zczy999/business-gemini/internal/media"
	"github.com/zczy999/business-gemini/internal/relay"
)

// Server owns the gin engine and the request-scoped collaborators.
type Server struct {
	engine       *gin.Engine
	orchestrator *relay.Orchestrator
	pool         *account.Pool
	cache        *media.Cache
	cfg          *config.Config

	httpServer *http.Server
}

// NewServer wires routes and middleware. cache may be nil in
// external-upload mode; the media routes then always 404.
func NewServer(cfg *config.Config, orchestrator *relay.Orchestrator, pool *account.Pool, cache *media.Cache) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogger())
	engine.Use(logging.GinRecovery())
	engine.Use(corsMiddleware())

	s := &Server{
		engine:       engine,
		orchestrator: orchestrator,
		pool:         pool,
		cache:        cache,
		cfg:          cfg,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/image/:filename", s.handleMediaFile(media.KindImage))
	s.engine.GET("/video/:filename", s.handleMediaFile(media.KindVideo))

	authed := s.engine.Group("/", s.authMiddleware())
	authed.POST("/v1/chat/completions", s.handleChatCompletions)
	authed.GET("/v1/models", s.handleModels)
	authed.GET("/v1/status", s.handleStatus)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run blocks serving HTTP until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
		// No write timeout: streams legitimately run minutes.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	logging.Infof("api: listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
