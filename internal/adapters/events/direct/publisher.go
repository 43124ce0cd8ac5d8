// Package direct provides an event publisher that writes turn events to
// storage.
package direct

import (
	"context"
	"fmt"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
)

// Publisher implements ports.EventPublisher by appending to a
// TurnEventStore. This is the audit trail for single-instance deployments.
type Publisher struct {
	store ports.TurnEventStore
}

// NewPublisher creates a new direct event publisher. The session store
// must also keep turn events.
func NewPublisher(store ports.SessionStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("session store required")
	}

	events, ok := store.(ports.TurnEventStore)
	if !ok {
		return nil, fmt.Errorf("session store must implement TurnEventStore")
	}

	return &Publisher{store: events}, nil
}

// Publish appends a lifecycle event to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.TurnEvent) error {
	return p.store.AppendTurnEvent(ctx, event)
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
