package domain

import "encoding/json"

// EventType identifies a canonical stream event variant.
type EventType string

const (
	EventStageStart    EventType = "stage-start"
	EventStageProgress EventType = "stage-progress"
	EventStageComplete EventType = "stage-complete"
	EventTrialProgress EventType = "trial-progress"
	EventProfileUpdate EventType = "profile-update"
	EventFinalResponse EventType = "final-response"
	EventError         EventType = "error"
	EventStreamEnd     EventType = "stream-end"
)

// IsTerminal reports whether the event finishes a turn's outcome.
// stream-end only closes the transport; the outcome is decided by
// final-response or error.
func (t EventType) IsTerminal() bool {
	return t == EventFinalResponse || t == EventError
}

// StreamEvent is the backend-agnostic event produced by the codecs and
// consumed by the pipeline tracker, the session coordinator and the
// outbound transports. Only the fields relevant to Type are populated;
// use the constructors below rather than building values by hand.
type StreamEvent struct {
	Type EventType `json:"type"`

	// StageName and Detail for stage-start, stage-progress and stage-complete.
	StageName string `json:"stage_name,omitempty"`
	Detail    string `json:"detail,omitempty"`

	// Cost for stage-complete.
	Cost *float64 `json:"cost,omitempty"`

	// Trial for trial-progress.
	Trial *TrialProgressEvent `json:"trial,omitempty"`

	// Text, Trials and TotalCost for final-response.
	Text      string            `json:"text,omitempty"`
	Trials    []json.RawMessage `json:"trials,omitempty"`
	TotalCost *float64          `json:"total_cost,omitempty"`

	// Profile for profile-update and (optionally) final-response.
	Profile *PatientProfile `json:"profile,omitempty"`

	// Message for error.
	Message string `json:"message,omitempty"`
}

// TrialProgressEvent reports that one trial was assessed. Entries are
// appended per turn and never mutated.
type TrialProgressEvent struct {
	NCTID      string   `json:"nct_id"`
	Title      string   `json:"title"`
	Index      int      `json:"index"`
	Total      int      `json:"total"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// FinalResponse is the payload of a final-response event.
type FinalResponse struct {
	Text      string
	Profile   *PatientProfile
	Trials    []json.RawMessage
	TotalCost *float64
}

func StageStart(stage, detail string) StreamEvent {
	return StreamEvent{Type: EventStageStart, StageName: stage, Detail: detail}
}

func StageProgress(stage, detail string) StreamEvent {
	return StreamEvent{Type: EventStageProgress, StageName: stage, Detail: detail}
}

func StageComplete(stage string, cost *float64) StreamEvent {
	return StreamEvent{Type: EventStageComplete, StageName: stage, Cost: cost}
}

func TrialProgress(t TrialProgressEvent) StreamEvent {
	return StreamEvent{Type: EventTrialProgress, Trial: &t}
}

func ProfileUpdate(p PatientProfile) StreamEvent {
	return StreamEvent{Type: EventProfileUpdate, Profile: &p}
}

func Final(r FinalResponse) StreamEvent {
	return StreamEvent{
		Type:      EventFinalResponse,
		Text:      r.Text,
		Profile:   r.Profile,
		Trials:    r.Trials,
		TotalCost: r.TotalCost,
	}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

func StreamEnd() StreamEvent {
	return StreamEvent{Type: EventStreamEnd}
}

// Float returns a pointer to v. Used for optional costs and scores.
func Float(v float64) *float64 {
	return &v
}
