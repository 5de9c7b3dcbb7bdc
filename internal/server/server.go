package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openmined/mirrorbox/internal/cloudcache"
	"github.com/openmined/mirrorbox/internal/jobs"
	"github.com/openmined/mirrorbox/internal/notify"
	"github.com/openmined/mirrorbox/internal/objstore"
)

const (
	DefaultAddr     = "127.0.0.1:7938"
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr      string
	RateLimit string
}

// Services are the long-lived components the HTTP surface exposes.
type Services struct {
	Store objstore.ObjectStore
	Jobs  *jobs.Service
	Cache *cloudcache.Cache
	Hub   *notify.Hub
}

type Server struct {
	config *Config
	svc    *Services
	server *http.Server
}

func New(config *Config, svc *Services) (*Server, error) {
	if svc == nil || svc.Store == nil || svc.Jobs == nil || svc.Cache == nil || svc.Hub == nil {
		return nil, errors.New("server: store, jobs, cache and hub services are required")
	}
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}

	handler, err := SetupRoutes(config, svc)
	if err != nil {
		return nil, fmt.Errorf("setup routes: %w", err)
	}

	return &Server{
		config: config,
		svc:    svc,
		server: &http.Server{
			Addr:              config.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("server start", "addr", s.config.Addr)
	defer slog.Info("server stop")

	go s.svc.Hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	return s.Shutdown(context.WithoutCancel(ctx))
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
