// Package logger provides an event publisher that writes turn events to a
// structured logger.
package logger

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// Publisher implements ports.EventPublisher on slog.
type Publisher struct {
	logger *slog.Logger
}

// NewPublisher creates a publisher logging to logger, or slog.Default.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, event *domain.TurnEvent) error {
	attrs := []slog.Attr{
		slog.String("type", string(event.Type)),
		slog.String("session_id", event.SessionID),
		slog.String("turn_id", event.TurnID),
		slog.String("mode", string(event.Mode)),
		slog.Bool("retry", event.Retry),
	}
	switch event.Type {
	case domain.TurnCompleted:
		attrs = append(attrs,
			slog.Int("trial_count", event.TrialCount),
			slog.Float64("turn_cost", event.TurnCost),
			slog.Duration("duration", event.Duration),
		)
	case domain.TurnFailed:
		attrs = append(attrs,
			slog.String("error_kind", string(event.ErrorKind)),
			slog.String("error_message", event.ErrorMessage),
			slog.Duration("duration", event.Duration),
		)
	}

	p.logger.LogAttrs(ctx, slog.LevelInfo, "turn event", attrs...)
	return nil
}

func (p *Publisher) Close() error { return nil }
