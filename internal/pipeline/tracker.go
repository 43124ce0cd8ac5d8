package pipeline

import (
	"slices"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

// StageConfig describes one stage of the pipeline.
type StageConfig struct {
	Name  string
	Model string
}

// DefaultStages returns the canonical four-stage pipeline.
func DefaultStages() []StageConfig {
	out := make([]StageConfig, len(domain.CanonicalStages))
	for i, name := range domain.CanonicalStages {
		out[i] = StageConfig{Name: name}
	}
	return out
}

// Tracker is the per-turn stage state machine. It is owned by one turn and
// is not safe for concurrent use.
type Tracker struct {
	stages  []domain.PipelineStage
	index   map[string]int
	trials  []domain.TrialProgressEvent
	forced  []string
	running bool
}

// NewTracker creates a tracker with every stage pending. Duplicate stage
// names keep their first position. An empty config uses DefaultStages.
func NewTracker(cfg []StageConfig) *Tracker {
	if len(cfg) == 0 {
		cfg = DefaultStages()
	}

	t := &Tracker{index: make(map[string]int, len(cfg))}
	for _, s := range cfg {
		if _, dup := t.index[s.Name]; dup || s.Name == "" {
			continue
		}
		t.index[s.Name] = len(t.stages)
		t.stages = append(t.stages, domain.PipelineStage{
			Name:   s.Name,
			Model:  s.Model,
			Status: domain.StatusPending,
		})
	}
	return t
}

// Restore creates a tracker from a previously captured stage list. Stage
// order and models are kept, statuses are reset to pending.
func Restore(stages []domain.PipelineStage) *Tracker {
	cfg := make([]StageConfig, len(stages))
	for i, s := range stages {
		cfg[i] = StageConfig{Name: s.Name, Model: s.Model}
	}
	return NewTracker(cfg)
}

// Reset returns every stage to pending and clears the turn's trial list.
func (t *Tracker) Reset() {
	for i := range t.stages {
		t.stages[i].Status = domain.StatusPending
		t.stages[i].Cost = nil
		t.stages[i].Detail = ""
	}
	t.trials = nil
	t.forced = nil
	t.running = false
}

// Apply moves the state machine by one event. It reports false when the
// event names a stage the tracker does not know; such events change
// nothing.
func (t *Tracker) Apply(ev domain.StreamEvent) bool {
	switch ev.Type {
	case domain.EventStageStart:
		s := t.stage(ev.StageName)
		if s == nil {
			return false
		}
		if s.Status == domain.StatusPending || s.Status == domain.StatusRunning {
			s.Status = domain.StatusRunning
			s.Detail = ev.Detail
		}
		t.running = true

	case domain.EventStageProgress:
		s := t.stage(ev.StageName)
		if s == nil {
			return false
		}
		if s.Status == domain.StatusPending || s.Status == domain.StatusRunning {
			s.Detail = ev.Detail
		}

	case domain.EventStageComplete:
		s := t.stage(ev.StageName)
		if s == nil {
			return false
		}
		if s.Status == domain.StatusPending || s.Status == domain.StatusRunning {
			s.Status = domain.StatusComplete
			s.Detail = ""
			if ev.Cost != nil {
				c := *ev.Cost
				s.Cost = &c
			}
		}

	case domain.EventTrialProgress:
		if ev.Trial != nil {
			t.trials = append(t.trials, *ev.Trial)
		}

	case domain.EventFinalResponse:
		for i := range t.stages {
			s := &t.stages[i]
			if s.Status == domain.StatusPending || s.Status == domain.StatusRunning {
				t.forced = append(t.forced, s.Name)
				s.Status = domain.StatusComplete
				s.Detail = ""
			}
		}
		t.running = false

	case domain.EventError:
		for i := range t.stages {
			if t.stages[i].Status == domain.StatusRunning {
				t.stages[i].Status = domain.StatusError
			}
		}
		t.running = false
	}
	return true
}

func (t *Tracker) stage(name string) *domain.PipelineStage {
	i, ok := t.index[name]
	if !ok {
		return nil
	}
	return &t.stages[i]
}

// Stages returns a copy of the stage list in pipeline order.
func (t *Tracker) Stages() []domain.PipelineStage {
	out := slices.Clone(t.stages)
	for i := range out {
		if out[i].Cost != nil {
			c := *out[i].Cost
			out[i].Cost = &c
		}
	}
	return out
}

// TrialProgress returns a copy of the trials reported this turn.
func (t *Tracker) TrialProgress() []domain.TrialProgressEvent {
	return slices.Clone(t.trials)
}

// Running reports whether a stage has started and no terminal event has
// arrived yet.
func (t *Tracker) Running() bool { return t.running }

// Cost returns the sum of the costs reported by completed stages.
func (t *Tracker) Cost() float64 {
	var total float64
	for _, s := range t.stages {
		if s.Cost != nil {
			total += *s.Cost
		}
	}
	return total
}

// Settled reports whether no stage is pending or running.
func (t *Tracker) Settled() bool {
	for _, s := range t.stages {
		if s.Status == domain.StatusPending || s.Status == domain.StatusRunning {
			return false
		}
	}
	return true
}

// Forced returns the stages final-response closed without a completion
// event.
func (t *Tracker) Forced() []string { return slices.Clone(t.forced) }

// HasRunning reports whether any stage is running.
func (t *Tracker) HasRunning() bool {
	return slices.ContainsFunc(t.stages, func(s domain.PipelineStage) bool {
		return s.Status == domain.StatusRunning
	})
}
