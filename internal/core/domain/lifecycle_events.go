package domain

import (
	"time"
)

// TurnEvent is a high-level lifecycle record of one turn, published to
// event buses for decoupled consumers (analytics, audit). It is distinct
// from StreamEvent, which carries the turn's progress to the client.
type TurnEvent struct {
	Type      TurnEventType `json:"type"`
	SessionID string        `json:"session_id"`
	TurnID    string        `json:"turn_id"`
	Mode      Mode          `json:"mode"`
	Timestamp time.Time     `json:"timestamp"`
	Retry     bool          `json:"retry,omitempty"`

	// Set on completion.
	TrialCount int           `json:"trial_count,omitempty"`
	TurnCost   float64       `json:"turn_cost,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`

	// Set on failure.
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// TurnEventType identifies the type of lifecycle event.
type TurnEventType string

const (
	TurnStarted   TurnEventType = "turn.started"
	TurnCompleted TurnEventType = "turn.completed"
	TurnFailed    TurnEventType = "turn.failed"
)
