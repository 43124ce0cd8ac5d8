package ports

import (
	"context"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// SessionStore defines the interface for session storage.
// Implementations: in-memory with TTL (default), SQLite.
//
// Stores hand out copies: a *domain.Session returned by Get is owned by the
// caller and a session passed to Create or Put is copied before it is kept.
type SessionStore interface {
	// Create stores a new session. It fails if the ID already exists.
	Create(ctx context.Context, sess *domain.Session) error

	// Get retrieves a session by ID. Missing sessions yield a not_found error.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Put replaces the stored state of an existing session.
	Put(ctx context.Context, sess *domain.Session) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// List lists sessions ordered by last update, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.Session, error)

	// Close closes the storage connection
	Close() error
}

// ListOptions defines options for listing sessions
type ListOptions struct {
	Limit  int
	Offset int
}

// TurnEventStore keeps an audit log of turn lifecycle events.
// Implementations: SQLite.
type TurnEventStore interface {
	AppendTurnEvent(ctx context.Context, event *domain.TurnEvent) error
	ListTurnEvents(ctx context.Context, sessionID string) ([]*domain.TurnEvent, error)
}
