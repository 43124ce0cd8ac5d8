package codec

import (
	"slices"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// State is the per-stream stage bookkeeping shared by a vocabulary's
// handlers. Vocabularies that report stages directly ignore it; vocabularies
// that skip phases use Start and Complete to synthesize the missing
// boundaries so that stage N never starts before stages 0..N-1 completed.
//
// A State lives exactly as long as the stream it belongs to.
type State struct {
	order     []string
	started   map[string]bool
	completed map[string]bool
	active    string
}

// NewState creates stage bookkeeping for the given stage order.
func NewState(order []string) *State {
	if len(order) == 0 {
		order = domain.CanonicalStages
	}
	return &State{
		order:     slices.Clone(order),
		started:   make(map[string]bool),
		completed: make(map[string]bool),
	}
}

// Active returns the most recently started, not yet completed stage, or "".
func (s *State) Active() string { return s.active }

// Started reports whether a stage-start was emitted for stage.
func (s *State) Started(stage string) bool { return s.started[stage] }

// Completed reports whether a stage-complete was emitted for stage.
func (s *State) Completed(stage string) bool { return s.completed[stage] }

// Start returns the events that move the stream to stage: every earlier
// stage is completed (started first if it never was), then stage-start for
// stage. It returns nothing for a stage that already started.
func (s *State) Start(stage, detail string) []domain.StreamEvent {
	var out []domain.StreamEvent

	if idx := slices.Index(s.order, stage); idx > 0 {
		for _, earlier := range s.order[:idx] {
			if !s.started[earlier] {
				out = append(out, s.emit(domain.StageStart(earlier, ""))...)
			}
			if !s.completed[earlier] {
				out = append(out, s.emit(domain.StageComplete(earlier, nil))...)
			}
		}
	}

	if !s.started[stage] {
		out = append(out, s.emit(domain.StageStart(stage, detail))...)
	}
	return out
}

// Complete returns the events that finish stage, starting it (and its
// predecessors) first when needed. It returns nothing for a stage that
// already completed.
func (s *State) Complete(stage string, cost *float64) []domain.StreamEvent {
	if s.completed[stage] {
		return nil
	}
	out := s.Start(stage, "")
	return append(out, s.emit(domain.StageComplete(stage, cost))...)
}

// Progress returns a stage-progress event for stage, starting it first
// when needed.
func (s *State) Progress(stage, detail string) []domain.StreamEvent {
	out := s.Start(stage, "")
	return append(out, domain.StageProgress(stage, detail))
}

func (s *State) emit(ev domain.StreamEvent) []domain.StreamEvent {
	s.Observe(ev)
	return []domain.StreamEvent{ev}
}

// Observe records a canonical event emitted for this stream. The
// Normalizer calls it for every event so direct vocabularies keep the
// active stage current too. Observing the same event twice is harmless.
func (s *State) Observe(ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventStageStart:
		s.started[ev.StageName] = true
		if !s.completed[ev.StageName] {
			s.active = ev.StageName
		}
	case domain.EventStageComplete:
		s.started[ev.StageName] = true
		s.completed[ev.StageName] = true
		if s.active == ev.StageName {
			s.active = ""
		}
	case domain.EventFinalResponse, domain.EventError, domain.EventStreamEnd:
		s.active = ""
	}
}
