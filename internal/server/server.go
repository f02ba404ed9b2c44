package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/cache"
	"github.com/mohammad-safakhou/shelfgate/internal/idempotency"
	"github.com/mohammad-safakhou/shelfgate/internal/logging"
	"github.com/mohammad-safakhou/shelfgate/internal/orchestrator"
	"github.com/mohammad-safakhou/shelfgate/internal/telemetry"
	"github.com/mohammad-safakhou/shelfgate/internal/upload"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
)

// Upstream is everything the handlers ask of the resource API.
type Upstream interface {
	orchestrator.Upstream
	GetEntity(ctx context.Context, path string) (upstream.Entity, error)
	ListEntities(ctx context.Context, path string) ([]upstream.Entity, error)
	Search(ctx context.Context, path, query string) ([]upstream.Entity, error)
	Post(ctx context.Context, path string, payload, out any) error
	Login(ctx context.Context, creds upstream.Credentials) (string, error)
	Signup(ctx context.Context, creds upstream.Credentials) error
	VerifyToken(ctx context.Context, token string) (bool, error)
}

// Deps are the collaborators handed to New. Zero values get defaults.
type Deps struct {
	Upstream Upstream
	Cache    cache.Cache
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	Renderer echo.Renderer
}

type Server struct {
	cfg      *config.Config
	echo     *echo.Echo
	up       Upstream
	gate     *authgate.Gate
	orch     *orchestrator.Orchestrator
	stager   *upload.Stager
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	renderer echo.Renderer
}

// New wires the HTTP surface.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Upstream == nil {
		deps.Upstream = upstream.New(cfg.Upstream,
			upstream.WithMetrics(deps.Metrics),
			upstream.WithLogger(logging.WithComponent(logger, "upstream")))
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	if deps.Renderer == nil {
		deps.Renderer = NewTemplateRenderer()
	}

	gate, err := authgate.New(cfg.Server, cfg.Auth,
		authgate.WithVerifier(deps.Upstream),
		authgate.WithCache(deps.Cache),
		authgate.WithMetrics(deps.Metrics),
		authgate.WithLogger(logging.WithComponent(logger, "authgate")))
	if err != nil {
		return nil, fmt.Errorf("auth gate: %w", err)
	}
	stager, err := upload.NewStager(cfg.Uploads,
		upload.WithMetrics(deps.Metrics),
		upload.WithLogger(logging.WithComponent(logger, "upload")))
	if err != nil {
		return nil, fmt.Errorf("upload stager: %w", err)
	}
	orch := orchestrator.New(cfg.Orchestrator, deps.Upstream,
		orchestrator.WithStore(idempotency.NewStore(deps.Cache, cfg.Orchestrator.IdempotencyTTL)),
		orchestrator.WithMetrics(deps.Metrics),
		orchestrator.WithLogger(logging.WithComponent(logger, "orchestrator")))

	s := &Server{
		cfg:      cfg,
		up:       deps.Upstream,
		gate:     gate,
		orch:     orch,
		stager:   stager,
		metrics:  deps.Metrics,
		logger:   logger,
		renderer: deps.Renderer,
	}
	s.echo = s.newEcho()
	s.routes()
	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = s.renderer
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(logging.Scope(s.logger))
	e.Use(logging.AccessLog(logging.WithComponent(s.logger, "http")))
	e.Use(s.metrics.Middleware())
	if s.cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(s.cfg.Server.BodyLimit))
	}
	return e
}

// handleError is the outermost boundary: anything not translated by a
// handler ends up here.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	logger := logging.FromContext(req.Context(), s.logger)
	if code >= http.StatusInternalServerError {
		logger.Error("request error", "status", code, "method", req.Method, "path", req.URL.Path, "remote_ip", c.RealIP(), "err", err)
	}
	if req.Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, HTTPError{Error: msg})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Address
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr, "upstream", s.cfg.Upstream.BaseURL, "auth_policy", s.gate.Policy())
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down", "timeout", timeout)
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
