package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/trialmatch/internal/adapters/config/file"
	natsevents "github.com/tjfontaine/trialmatch/internal/adapters/events/nats"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/pkg/config"
	"github.com/tjfontaine/trialmatch/internal/storage/memory"
	"github.com/tjfontaine/trialmatch/internal/storage/sqlite"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration. It is validated but never
// reloaded.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) error {
		if cfg == nil {
			return fmt.Errorf("config required")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		s.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Service) error {
		s.config = provider
		return nil
	}
}

// WithSQLite stores sessions and the turn event log in SQLite.
func WithSQLite(path string) Option {
	return func(s *Service) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithMemoryStore keeps sessions in memory, expiring them after ttl of
// inactivity.
func WithMemoryStore(ttl time.Duration) Option {
	return func(s *Service) error {
		s.store = memory.New(ttl)
		return nil
	}
}

// WithSessionStore sets a custom session store.
func WithSessionStore(store ports.SessionStore) Option {
	return func(s *Service) error {
		s.store = store
		return nil
	}
}

// WithNATSEvents publishes turn lifecycle events to NATS.
func WithNATSEvents(url, subject string) Option {
	return func(s *Service) error {
		publisher, err := natsevents.NewPublisher(url, subject, s.logger)
		if err != nil {
			return fmt.Errorf("create nats event publisher: %w", err)
		}
		s.events = publisher
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(s *Service) error {
		s.events = publisher
		return nil
	}
}

// WithBackend serves mode with b instead of the configured backend.
func WithBackend(mode domain.Mode, b ports.Backend) Option {
	return func(s *Service) error {
		if !mode.Valid() {
			return fmt.Errorf("unknown mode %q", mode)
		}
		s.backends[mode] = b
		return nil
	}
}

// WithExtractor sets the profile extractor.
func WithExtractor(e ports.ProfileExtractor) Option {
	return func(s *Service) error {
		s.extractor = e
		return nil
	}
}

// WithLogger sets a custom logger. Options that create adapters use the
// logger set before them.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// staticConfig is a ConfigProvider for a fixed config.
type staticConfig struct {
	cfg *config.Config
}

func (p staticConfig) Load(context.Context) (*config.Config, error) { return p.cfg, nil }

func (p staticConfig) Watch(ctx context.Context, _ func(*config.Config)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p staticConfig) Close() error { return nil }
