// Package ports defines the interfaces the session core depends on.
package ports

import (
	"context"
	"io"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/pkg/config"
)

// Vocabulary names understood by the codec registry.
const (
	VocabularyLocal  = "local"
	VocabularyRemote = "remote"
)

// Backend opens streamed matching jobs.
// Implementations: in-process mock pipeline, HTTP local pipeline, HTTP remote service.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Vocabulary names the frame vocabulary the backend speaks.
	Vocabulary() string

	// Health is the pre-flight check run before a turn starts.
	Health(ctx context.Context) error

	// Open starts a matching job and returns its raw SSE byte stream.
	// Cancelling ctx or closing the reader must unblock pending reads.
	Open(ctx context.Context, req *domain.MatchRequest) (io.ReadCloser, error)
}

// ProfileExtractor turns free text into a partial patient profile.
// Implementations: regex heuristics, OpenAI chat completion.
type ProfileExtractor interface {
	Extract(ctx context.Context, text string, current domain.PatientProfile) (domain.PatientProfile, error)
}

// EventPublisher publishes turn lifecycle events.
// Implementations: none, slog, NATS.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.TurnEvent) error
	Close() error
}

// ConfigProvider supplies the service configuration and its updates.
// Implementations: YAML file with hot reload, static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)

	// Watch calls onChange with every new valid config until ctx is done.
	Watch(ctx context.Context, onChange func(*config.Config)) error

	Close() error
}
