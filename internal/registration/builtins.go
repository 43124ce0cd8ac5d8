package registration

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/trialmatch/internal/backend/httpstream"
	"github.com/tjfontaine/trialmatch/internal/backend/mock"
	"github.com/tjfontaine/trialmatch/internal/codec/local"
	"github.com/tjfontaine/trialmatch/internal/codec/remote"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/pkg/config"
)

// Backend names used in logs and errors.
const (
	LocalBackendName  = "local-pipeline"
	RemoteBackendName = "matching-service"
)

// RegisterBuiltins registers the built-in frame vocabularies explicitly.
// This replaces init-based side effects and is intended to be called from
// cmd/trialmatch and tests before any stream is opened.
func RegisterBuiltins() {
	local.Register()
	remote.Register()
}

// BuildBackends creates the backend for every configured mode. The mock
// pipeline is always available; the local and live backends only when a
// base URL is configured.
func BuildBackends(cfg config.BackendConfig, logger *slog.Logger) (map[domain.Mode]ports.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mockOpts := []mock.Option{mock.WithLogger(logger), mock.WithDelay(cfg.Mock.Delay)}
	if cfg.Mock.PricePerToken > 0 {
		mockOpts = append(mockOpts, mock.WithPricePerToken(cfg.Mock.PricePerToken))
	}
	mb, err := mock.New(mockOpts...)
	if err != nil {
		return nil, fmt.Errorf("create mock backend: %w", err)
	}

	backends := map[domain.Mode]ports.Backend{domain.ModeMock: mb}
	if cfg.Local.BaseURL != "" {
		backends[domain.ModeLocal] = newHTTPBackend(LocalBackendName, local.Vocabulary, cfg.Local)
	}
	if cfg.Remote.BaseURL != "" {
		backends[domain.ModeLive] = newHTTPBackend(RemoteBackendName, remote.Vocabulary, cfg.Remote)
	}

	for mode, b := range backends {
		logger.Debug("backend configured",
			slog.String("mode", string(mode)),
			slog.String("backend", b.Name()),
			slog.String("vocabulary", b.Vocabulary()),
		)
	}
	return backends, nil
}

func newHTTPBackend(name, vocabulary string, cfg config.HTTPBackendConfig) *httpstream.Client {
	opts := []httpstream.ClientOption{httpstream.WithBaseURL(cfg.BaseURL)}
	if cfg.APIKey != "" {
		opts = append(opts, httpstream.WithAPIKey(cfg.APIKey))
	}
	if cfg.StreamPath != "" {
		opts = append(opts, httpstream.WithStreamPath(cfg.StreamPath))
	}
	if cfg.HealthPath != "" {
		opts = append(opts, httpstream.WithHealthPath(cfg.HealthPath))
	}
	return httpstream.NewClient(name, vocabulary, opts...)
}
