package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/trialmatch/internal/adapters/events/direct"
	eventlog "github.com/tjfontaine/trialmatch/internal/adapters/events/logger"
	natsevents "github.com/tjfontaine/trialmatch/internal/adapters/events/nats"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/extract"
	"github.com/tjfontaine/trialmatch/internal/heartbeat"
	"github.com/tjfontaine/trialmatch/internal/pipeline"
	"github.com/tjfontaine/trialmatch/internal/pkg/config"
	"github.com/tjfontaine/trialmatch/internal/session"
	"github.com/tjfontaine/trialmatch/internal/storage/memory"
	"github.com/tjfontaine/trialmatch/internal/storage/sqlite"
	"github.com/tjfontaine/trialmatch/internal/stream"
)

func newStore(cfg config.StorageConfig) (ports.SessionStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewWithCleanup(cfg.Memory.TTL, cfg.Memory.CleanupInterval), nil
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// newPublisher returns nil for "none"; the coordinator then publishes
// nowhere.
func newPublisher(cfg config.EventsConfig, store ports.SessionStore, logger *slog.Logger) (ports.EventPublisher, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "log":
		return eventlog.NewPublisher(logger), nil
	case "direct":
		return direct.NewPublisher(store)
	case "nats":
		return natsevents.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
	default:
		return nil, fmt.Errorf("unknown events type %q", cfg.Type)
	}
}

// newExtractor returns nil for "none", which disables extraction.
func newExtractor(cfg config.ExtractorConfig, logger *slog.Logger) ports.ProfileExtractor {
	switch cfg.Type {
	case "none":
		return nil
	case "openai":
		llm := extract.NewOpenAIExtractor(extract.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		})
		if !cfg.OpenAI.Fallback {
			return llm
		}
		return &extract.Fallback{Primary: llm, Secondary: extract.NewHeuristic(), Logger: logger}
	default:
		return extract.NewHeuristic()
	}
}

// sessionConfig derives the turn policy from the service config.
func sessionConfig(cfg *config.Config) session.Config {
	stages := pipeline.DefaultStages()
	if len(cfg.Pipeline.Stages) > 0 {
		stages = make([]pipeline.StageConfig, len(cfg.Pipeline.Stages))
		for i, st := range cfg.Pipeline.Stages {
			stages[i] = pipeline.StageConfig{Name: st.Name, Model: st.Model}
		}
	}

	return session.Config{
		Stream: stream.Config{
			Heartbeat: heartbeat.Config{
				Timeout:       cfg.Heartbeat.Timeout,
				CheckInterval: cfg.Heartbeat.CheckInterval,
			},
			ReadBufferSize: cfg.Stream.ReadBufferSize,
			MaxBuffered:    cfg.Stream.MaxFrameSize,
		},
		Stages:      stages,
		DefaultMode: domain.Mode(cfg.Backend.DefaultMode),
		EventBuffer: cfg.Stream.EventBuffer,
	}
}
