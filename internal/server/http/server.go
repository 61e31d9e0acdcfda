// Package http carries the echo server and its route wiring.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v3"
)

type Config struct {
	Address        string
	AllowedOrigins []string
	BodyLimit      string
}

type Server struct {
	echo   *echo.Echo
	cfg    Config
	logger *zerolog.Logger
}

// Opt mounts a set of routes or otherwise customizes the server.
type Opt func(*Server)

func New(cfg Config, logger *zerolog.Logger, opts ...Opt) *Server {
	log := logger.With().Str("channel", "web_server").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	echoLogger := lecho.From(log)
	e.Logger = echoLogger

	e.Use(lecho.Middleware(lecho.Config{Logger: echoLogger}))
	e.Use(mw.Recover())

	if cfg.BodyLimit != "" {
		e.Use(mw.BodyLimit(cfg.BodyLimit))
	}

	// Request metrics and the /metrics endpoint. Service-level collectors
	// register themselves on the same default registry.
	metrics := prometheus.NewPrometheus("billing", nil)
	metrics.Use(e)

	s := &Server{
		echo:   e,
		cfg:    cfg,
		logger: &log,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run blocks serving HTTP until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info().Str("address", s.cfg.Address).Msg("starting http server")

	err := s.echo.Start(s.cfg.Address)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return errors.Wrap(err, "unable to start http server")
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down http server")

	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router, mostly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
