package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

func statuses(tr *Tracker) map[string]domain.StageStatus {
	out := make(map[string]domain.StageStatus)
	for _, s := range tr.Stages() {
		out[s.Name] = s.Status
	}
	return out
}

func TestNewTracker(t *testing.T) {
	tr := NewTracker([]StageConfig{
		{Name: "Retrieve", Model: "bm25"},
		{Name: "Assess", Model: "gpt-4o"},
		{Name: "Retrieve", Model: "dup"},
		{Name: ""},
	})

	stages := tr.Stages()
	if len(stages) != 2 {
		t.Fatalf("got %d stages, want 2", len(stages))
	}
	if stages[0].Model != "bm25" || stages[1].Name != "Assess" {
		t.Errorf("stages = %+v", stages)
	}
	for _, s := range stages {
		if s.Status != domain.StatusPending {
			t.Errorf("%s status = %s, want pending", s.Name, s.Status)
		}
	}

	if got := len(NewTracker(nil).Stages()); got != len(domain.CanonicalStages) {
		t.Errorf("default tracker has %d stages", got)
	}
}

func TestTracker_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		events     []domain.StreamEvent
		want       map[string]domain.StageStatus
		wantRun    bool
		wantDetail string
	}{
		{
			name:    "start sets running",
			events:  []domain.StreamEvent{domain.StageStart(domain.StageRetrieve, "searching")},
			want:    map[string]domain.StageStatus{domain.StageRetrieve: domain.StatusRunning, domain.StageRank: domain.StatusPending},
			wantRun: true, wantDetail: "searching",
		},
		{
			name: "progress updates detail only",
			events: []domain.StreamEvent{
				domain.StageProgress(domain.StageRetrieve, "warming up"),
			},
			want:       map[string]domain.StageStatus{domain.StageRetrieve: domain.StatusPending},
			wantDetail: "warming up",
		},
		{
			name: "complete clears detail",
			events: []domain.StreamEvent{
				domain.StageStart(domain.StageRetrieve, "searching"),
				domain.StageComplete(domain.StageRetrieve, domain.Float(0.001)),
			},
			want:    map[string]domain.StageStatus{domain.StageRetrieve: domain.StatusComplete},
			wantRun: true,
		},
		{
			name: "error flips only running stages",
			events: []domain.StreamEvent{
				domain.StageStart(domain.StageRetrieve, ""),
				domain.StageComplete(domain.StageRetrieve, nil),
				domain.StageStart(domain.StagePrefilter, ""),
				domain.ErrorEvent("boom"),
			},
			want: map[string]domain.StageStatus{
				domain.StageRetrieve:  domain.StatusComplete,
				domain.StagePrefilter: domain.StatusError,
				domain.StageAssess:    domain.StatusPending,
			},
		},
		{
			name: "terminal status is sticky",
			events: []domain.StreamEvent{
				domain.StageStart(domain.StageRetrieve, ""),
				domain.ErrorEvent("boom"),
				domain.StageStart(domain.StageRetrieve, "again"),
				domain.StageComplete(domain.StageRetrieve, nil),
			},
			want:    map[string]domain.StageStatus{domain.StageRetrieve: domain.StatusError},
			wantRun: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(nil)
			for _, ev := range tt.events {
				tr.Apply(ev)
			}

			got := statuses(tr)
			for stage, want := range tt.want {
				if got[stage] != want {
					t.Errorf("%s = %s, want %s", stage, got[stage], want)
				}
			}
			if tr.Running() != tt.wantRun {
				t.Errorf("Running() = %v, want %v", tr.Running(), tt.wantRun)
			}
			if d := tr.Stages()[0].Detail; d != tt.wantDetail {
				t.Errorf("detail = %q, want %q", d, tt.wantDetail)
			}
		})
	}
}

func TestTracker_UnknownStageIgnored(t *testing.T) {
	tr := NewTracker(nil)
	if tr.Apply(domain.StageStart("Summarize", "")) {
		t.Error("Apply should report unknown stage")
	}
	if tr.Running() {
		t.Error("unknown stage must not start the turn")
	}
}

func TestTracker_FinalResponseSettlesEveryStage(t *testing.T) {
	// Deliberately forcing stages the backend never closed is intended:
	// the answer is in, so nothing may be left spinning.
	tr := NewTracker(nil)
	tr.Apply(domain.StageStart(domain.StageRetrieve, ""))
	tr.Apply(domain.StageStart(domain.StagePrefilter, "batch 1/2"))
	tr.Apply(domain.Final(domain.FinalResponse{Text: "done"}))

	if !tr.Settled() {
		t.Errorf("stages not settled: %+v", tr.Stages())
	}
	if tr.Running() {
		t.Error("Running() should be false after final-response")
	}
	for _, s := range tr.Stages() {
		if s.Detail != "" {
			t.Errorf("%s kept detail %q", s.Name, s.Detail)
		}
	}

	forced := tr.Forced()
	if len(forced) != 4 {
		t.Errorf("Forced() = %v, want all four stages", forced)
	}
}

func TestTracker_NoStageRunningAfterTerminal(t *testing.T) {
	prefixes := [][]domain.StreamEvent{
		nil,
		{domain.StageStart(domain.StageRetrieve, "")},
		{domain.StageStart(domain.StageRetrieve, ""), domain.StageComplete(domain.StageRetrieve, nil), domain.StageStart(domain.StageAssess, "")},
	}
	terminals := []domain.StreamEvent{
		domain.Final(domain.FinalResponse{Text: "ok"}),
		domain.ErrorEvent("failed"),
	}

	for _, prefix := range prefixes {
		for _, term := range terminals {
			tr := NewTracker(nil)
			for _, ev := range prefix {
				tr.Apply(ev)
			}
			tr.Apply(term)

			if tr.HasRunning() || tr.Running() {
				t.Errorf("after %d events + %s: stages %+v", len(prefix), term.Type, tr.Stages())
			}
			if term.Type == domain.EventFinalResponse && !tr.Settled() {
				t.Errorf("after final-response: stages %+v", tr.Stages())
			}
		}
	}
}

func TestTracker_Reset(t *testing.T) {
	tr := NewTracker(nil)
	tr.Apply(domain.StageStart(domain.StageRetrieve, "x"))
	tr.Apply(domain.StageComplete(domain.StageRetrieve, domain.Float(0.5)))
	tr.Apply(domain.TrialProgress(domain.TrialProgressEvent{NCTID: "NCT1"}))

	tr.Reset()

	if tr.Cost() != 0 || len(tr.TrialProgress()) != 0 || tr.Running() {
		t.Errorf("Reset left state behind: cost=%v trials=%v", tr.Cost(), tr.TrialProgress())
	}
	for _, s := range tr.Stages() {
		if s.Status != domain.StatusPending || s.Cost != nil {
			t.Errorf("%s not reset: %+v", s.Name, s)
		}
	}
}

func TestTracker_EndToEnd(t *testing.T) {
	trials := []json.RawMessage{
		json.RawMessage(`{"nct_id":"NCT001"}`),
		json.RawMessage(`{"nct_id":"NCT002"}`),
		json.RawMessage(`{"nct_id":"NCT003"}`),
	}
	events := []domain.StreamEvent{
		domain.StageStart(domain.StageRetrieve, ""),
		domain.StageComplete(domain.StageRetrieve, domain.Float(0.001)),
		domain.StageStart(domain.StagePrefilter, ""),
		domain.StageComplete(domain.StagePrefilter, nil),
		domain.StageStart(domain.StageAssess, ""),
		domain.TrialProgress(domain.TrialProgressEvent{NCTID: "NCT001", Index: 1, Total: 3}),
		domain.StageComplete(domain.StageAssess, domain.Float(0.01)),
		domain.StageStart(domain.StageRank, ""),
		domain.Final(domain.FinalResponse{Text: "done", Trials: trials, TotalCost: domain.Float(0.011)}),
	}

	tr := NewTracker(nil)
	for _, ev := range events {
		tr.Apply(ev)
	}

	for _, s := range tr.Stages() {
		if s.Status != domain.StatusComplete {
			t.Errorf("%s = %s, want complete", s.Name, s.Status)
		}
	}
	if got := tr.TrialProgress(); len(got) != 1 || got[0].NCTID != "NCT001" {
		t.Errorf("TrialProgress() = %+v", got)
	}
	if c := tr.Cost(); c < 0.0109 || c > 0.0111 {
		t.Errorf("Cost() = %v, want 0.011", c)
	}
	if forced := tr.Forced(); len(forced) != 1 || forced[0] != domain.StageRank {
		t.Errorf("Forced() = %v, want [Rank]", forced)
	}
}
