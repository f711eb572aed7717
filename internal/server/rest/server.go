// Package rest serves the session API over HTTP with gin. The refresh
// credential travels in an HttpOnly cookie scoped to /api/auth.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/logging"
	"github.com/dmitrijs2005/sessionkeeper/internal/server/models"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

type sessionSvc interface {
	LoginWithPassword(ctx context.Context, email, password string, client models.ClientContext) (*models.TokenPair, error)
	Refresh(ctx context.Context, raw string, client models.ClientContext) (*models.TokenPair, error)
	Logout(ctx context.Context, raw string) error
	Authenticate(ctx context.Context, access string) (*models.Principal, error)
}

// Config holds the HTTP-specific settings.
type Config struct {
	Addr         string
	CookieSecure bool
	RefreshTTL   time.Duration
}

type Server struct {
	cfg      Config
	sessions sessionSvc
	logger   logging.Logger
	engine   *gin.Engine
}

func NewServer(cfg Config, s sessionSvc, l logging.Logger) *Server {
	srv := &Server{
		cfg:      cfg,
		sessions: s,
		logger:   l.With("module", "http_server"),
	}
	srv.engine = srv.routes()
	return srv
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	authGroup := api.Group("/auth")
	authGroup.POST("/login", s.login)
	authGroup.POST("/refresh", s.refresh)
	authGroup.POST("/logout", s.logout)

	api.GET("/me", s.requireAccess(), s.me)

	return r
}

func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", ln.Addr().String())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}
