// Package runtime provides the Service struct and lifecycle management for
// the trial-matching session service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tjfontaine/trialmatch/internal/api"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/metrics"
	"github.com/tjfontaine/trialmatch/internal/pkg/config"
	"github.com/tjfontaine/trialmatch/internal/registration"
	"github.com/tjfontaine/trialmatch/internal/server"
	"github.com/tjfontaine/trialmatch/internal/session"
)

// Service is the main entry point for running the session service.
// It manages configuration, storage, backends and the HTTP server
// lifecycle, and can be embedded in larger applications or run standalone.
type Service struct {
	// Dependencies (injected via options)
	config    ports.ConfigProvider
	store     ports.SessionStore
	events    ports.EventPublisher
	extractor ports.ProfileExtractor
	backends  map[domain.Mode]ports.Backend
	logger    *slog.Logger

	// Internal state
	sessions *session.Coordinator
	metrics  *metrics.Metrics
	server   *server.Server
	addr     net.Addr
	serveErr chan error

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a Service with the given options. A config source is
// required; storage, events, extractor and backends default to what the
// config names.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger:   slog.Default(),
		backends: make(map[domain.Mode]ports.Backend),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	return s, nil
}

// Start loads the config, builds every component it names that was not
// injected, and starts serving.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	registration.RegisterBuiltins()
	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if s.store == nil {
		if s.store, err = newStore(cfg.Storage); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		s.logger.Info("session storage initialized", slog.String("type", cfg.Storage.Type))
	}
	if s.events == nil {
		if s.events, err = newPublisher(cfg.Events, s.store, s.logger); err != nil {
			return fmt.Errorf("init events: %w", err)
		}
	}
	if s.extractor == nil {
		s.extractor = newExtractor(cfg.Extractor, s.logger)
	}

	backends, err := s.resolveBackends(cfg)
	if err != nil {
		return fmt.Errorf("init backends: %w", err)
	}

	coordOpts := []session.Option{
		session.WithLogger(s.logger),
		session.WithExtractor(s.extractor),
	}
	if s.events != nil {
		coordOpts = append(coordOpts, session.WithEventPublisher(s.events))
	}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
		coordOpts = append(coordOpts, session.WithObserver(s.metrics))
	}
	for mode, b := range backends {
		coordOpts = append(coordOpts, session.WithBackend(mode, b))
	}
	s.sessions = session.New(s.store, sessionConfig(cfg), coordOpts...)

	if err := s.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	go s.watchConfig()

	s.logger.Info("service started",
		slog.String("addr", s.addr.String()),
		slog.String("default_mode", cfg.Backend.DefaultMode),
		slog.Int("backends", len(backends)),
	)
	return nil
}

// Shutdown stops the server, waits for turns in flight and releases
// storage, events and config.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down service")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if s.sessions != nil {
		if err := s.sessions.Wait(ctx); err != nil {
			s.logger.Warn("turns still in flight at shutdown", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}
	if s.config != nil {
		if err := s.config.Close(); err != nil {
			s.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("service shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the listener address once started.
func (s *Service) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Sessions returns the session coordinator once started.
func (s *Service) Sessions() *session.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions
}

// Err reports a server failure after Start returned. It is closed when
// the server stops.
func (s *Service) Err() <-chan error {
	return s.serveErr
}

// watchConfig watches for config changes and reloads.
func (s *Service) watchConfig() {
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading")
		if err := s.reload(newCfg); err != nil {
			s.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies a new config to subsequent turns: heartbeat policy,
// default mode and HTTP backend endpoints. New stages apply to sessions
// created afterwards. Storage, events and
// the listener keep their startup settings.
func (s *Service) reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		return nil
	}

	backends, err := s.resolveBackends(cfg)
	if err != nil {
		return fmt.Errorf("rebuild backends: %w", err)
	}
	for mode, b := range backends {
		s.sessions.SetBackend(mode, b)
	}
	s.sessions.Reload(sessionConfig(cfg))

	s.logger.Info("reload complete",
		slog.String("default_mode", cfg.Backend.DefaultMode),
		slog.Duration("heartbeat_timeout", cfg.Heartbeat.Timeout),
	)
	return nil
}

// resolveBackends builds the configured backends and applies the ones
// injected with WithBackend on top.
func (s *Service) resolveBackends(cfg *config.Config) (map[domain.Mode]ports.Backend, error) {
	backends, err := registration.BuildBackends(cfg.Backend, s.logger)
	if err != nil {
		return nil, err
	}
	for mode, b := range s.backends {
		backends[mode] = b
	}
	return backends, nil
}

// startServer mounts the API and starts serving in the background.
func (s *Service) startServer(cfg *config.Config) error {
	s.server = server.New(server.Config{
		Port:            cfg.Server.Port,
		RequestTimeout:  cfg.Server.RequestTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, s.logger)

	apiOpts := []api.Option{api.WithLogger(s.logger)}
	if s.metrics != nil {
		apiOpts = append(apiOpts, api.WithMetricsHandler(cfg.Metrics.Path, s.metrics.Handler()))
	}
	api.NewHandler(s.sessions, apiOpts...).Register(s.server.Router)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
	}
	s.addr = ln.Addr()

	s.serveErr = make(chan error, 1)
	go func() {
		defer close(s.serveErr)
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("server error", slog.String("error", err.Error()))
			s.serveErr <- err
		}
	}()
	return nil
}
