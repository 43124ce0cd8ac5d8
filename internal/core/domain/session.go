package domain

import (
	"encoding/json"
	"time"
)

// Canonical pipeline stage names shared by every backend vocabulary.
const (
	StageRetrieve  = "Retrieve"
	StagePrefilter = "Pre-filter"
	StageAssess    = "Assess"
	StageRank      = "Rank"
)

// CanonicalStages is the fixed stage order of the matching pipeline.
var CanonicalStages = []string{StageRetrieve, StagePrefilter, StageAssess, StageRank}

// StageStatus is the lifecycle position of one pipeline stage.
type StageStatus string

const (
	StatusPending  StageStatus = "pending"
	StatusRunning  StageStatus = "running"
	StatusComplete StageStatus = "complete"
	StatusError    StageStatus = "error"
)

// PipelineStage is one named, ordered step of the matching pipeline.
type PipelineStage struct {
	Name   string      `json:"name"`
	Model  string      `json:"model,omitempty"`
	Status StageStatus `json:"status"`
	Cost   *float64    `json:"cost,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Mode selects the backend a session talks to.
type Mode string

const (
	ModeMock  Mode = "mock"
	ModeLocal Mode = "local"
	ModeLive  Mode = "live"
)

// Valid reports whether m names a known backend mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeMock, ModeLocal, ModeLive:
		return true
	}
	return false
}

// Role tags a turn in the conversation log.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a session's conversation log.
type Turn struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Trials    []json.RawMessage `json:"trials,omitempty"`
	Profile   *PatientProfile   `json:"profile,omitempty"`
	// ErrorKind is set on assistant turns that report a failed attempt.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

// IsError reports whether the turn reports a failed attempt.
func (t Turn) IsError() bool {
	return t.Role == RoleAssistant && t.ErrorKind != ""
}

// Session is the per-conversation state owned by the session coordinator.
type Session struct {
	ID            string               `json:"id"`
	Mode          Mode                 `json:"mode"`
	Turns         []Turn               `json:"turns"`
	Profile       PatientProfile       `json:"profile"`
	LastUserInput string               `json:"last_user_input,omitempty"`
	Stages        []PipelineStage      `json:"stages"`
	TrialProgress []TrialProgressEvent `json:"trial_progress,omitempty"`
	Trials        []json.RawMessage    `json:"trials,omitempty"`
	// TurnCost accumulates stage costs of the current (or last) turn.
	TurnCost float64 `json:"turn_cost"`
	// TotalCost accumulates the cost of every successful turn.
	TotalCost float64   `json:"total_cost"`
	IsRunning bool      `json:"is_running"`
	IsLoading bool      `json:"is_loading"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores and readers never share slices or
// maps with the coordinator.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Profile = s.Profile.Clone()
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		if t.Profile != nil {
			p := t.Profile.Clone()
			t.Profile = &p
		}
		t.Trials = append([]json.RawMessage(nil), t.Trials...)
		out.Turns[i] = t
	}
	out.Stages = append([]PipelineStage(nil), s.Stages...)
	out.TrialProgress = append([]TrialProgressEvent(nil), s.TrialProgress...)
	out.Trials = append([]json.RawMessage(nil), s.Trials...)
	return &out
}

// MatchRequest is what a backend receives when a turn opens its stream.
type MatchRequest struct {
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Text      string          `json:"text"`
	Profile   PatientProfile  `json:"profile"`
	Mode      Mode            `json:"mode"`
	Stages    []PipelineStage `json:"stages,omitempty"`
}
