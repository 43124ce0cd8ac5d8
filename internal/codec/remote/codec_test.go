package remote

import (
	"slices"
	"testing"

	"github.com/tjfontaine/trialmatch/internal/codec"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

func normalizeAll(t *testing.T, frames ...string) []domain.StreamEvent {
	t.Helper()
	Register()
	n, err := codec.NewNormalizer(Vocabulary)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	var out []domain.StreamEvent
	for _, f := range frames {
		out = append(out, n.Normalize(f)...)
	}
	return out
}

// position returns the index of the first event matching type and stage.
func position(events []domain.StreamEvent, typ domain.EventType, stage string) int {
	return slices.IndexFunc(events, func(ev domain.StreamEvent) bool {
		return ev.Type == typ && ev.StageName == stage
	})
}

func TestSequentialFallback_PrefilterCompletesBeforeAssess(t *testing.T) {
	events := normalizeAll(t,
		`data: {"type":"retrieval_started"}`,
		`data: {"type":"retrieval_completed","candidates":40,"cost":0.001}`,
		`data: {"type":"matching_started","strategy":"sequential","total_trials":40}`,
		`data: {"type":"trial_matched","nct_id":"NCT001","title":"A","index":1,"total":40,"eligibility":"eligible"}`,
	)

	prefilterStart := position(events, domain.EventStageStart, domain.StagePrefilter)
	prefilterDone := position(events, domain.EventStageComplete, domain.StagePrefilter)
	assessStart := position(events, domain.EventStageStart, domain.StageAssess)

	if prefilterStart < 0 || prefilterDone < 0 || assessStart < 0 {
		t.Fatalf("missing synthesized events: %+v", events)
	}
	if !(prefilterStart < prefilterDone && prefilterDone < assessStart) {
		t.Errorf("order: prefilter start %d, complete %d, assess start %d", prefilterStart, prefilterDone, assessStart)
	}
	if events[assessStart].Detail != "40 candidate trials" {
		t.Errorf("assess detail = %q", events[assessStart].Detail)
	}
	if n := len(events); events[n-1].Type != domain.EventTrialProgress {
		t.Errorf("last event = %+v", events[n-1])
	}
}

func TestStrategyFallback_MidBatch(t *testing.T) {
	events := normalizeAll(t,
		`data: {"type":"retrieval_started"}`,
		`data: {"type":"retrieval_completed"}`,
		`data: {"type":"matching_started","strategy":"batched","total_trials":12}`,
		`data: {"type":"prefilter_batch","batch":1,"total_batches":3,"kept":4}`,
		`data: {"type":"strategy_fallback","from":"batched","to":"sequential","reason":"batch timeout"}`,
		`data: {"type":"assessment_started"}`,
		`data: {"type":"matching_completed","cost":0.01}`,
	)

	got := make([]string, 0, len(events))
	for _, ev := range events {
		got = append(got, string(ev.Type)+":"+ev.StageName)
	}
	want := []string{
		"stage-start:Retrieve",
		"stage-complete:Retrieve",
		"stage-start:Pre-filter",
		"stage-progress:Pre-filter",
		"stage-complete:Pre-filter",
		"stage-start:Assess",
		"stage-complete:Assess",
	}
	if !slices.Equal(got, want) {
		t.Errorf("events =\n%v\nwant\n%v", got, want)
	}
	if events[3].Detail != "batch 1/3, 4 kept" {
		t.Errorf("batch detail = %q", events[3].Detail)
	}
	if events[5].Detail != "falling back to sequential matching: batch timeout" {
		t.Errorf("fallback detail = %q", events[5].Detail)
	}
}

func TestStageStartAlwaysFollowsEarlierCompletion(t *testing.T) {
	// The service jumps straight to ranking.
	events := normalizeAll(t, `data: {"type":"ranking_started"}`)

	completed := map[string]bool{}
	for _, ev := range events {
		switch ev.Type {
		case domain.EventStageComplete:
			completed[ev.StageName] = true
		case domain.EventStageStart:
			idx := slices.Index(domain.CanonicalStages, ev.StageName)
			for _, earlier := range domain.CanonicalStages[:idx] {
				if !completed[earlier] {
					t.Errorf("%s started before %s completed", ev.StageName, earlier)
				}
			}
		}
	}
	if position(events, domain.EventStageStart, domain.StageRank) != len(events)-1 {
		t.Errorf("rank start should be last: %+v", events)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Run("without active stage", func(t *testing.T) {
		events := normalizeAll(t, "event: heartbeat\ndata: {\"elapsed_seconds\":15}")
		if len(events) != 0 {
			t.Errorf("events = %+v", events)
		}
	})

	t.Run("on active stage", func(t *testing.T) {
		events := normalizeAll(t,
			`data: {"type":"retrieval_started"}`,
			"event: heartbeat\ndata: {\"elapsed_seconds\":15.4}",
		)
		last := events[len(events)-1]
		if last.Type != domain.EventStageProgress || last.StageName != domain.StageRetrieve {
			t.Errorf("heartbeat event = %+v", last)
		}
		if last.Detail != "still working (15s)" {
			t.Errorf("detail = %q", last.Detail)
		}
	})

	t.Run("after completion", func(t *testing.T) {
		events := normalizeAll(t,
			`data: {"type":"retrieval_started"}`,
			`data: {"type":"retrieval_completed"}`,
			`data: {"type":"heartbeat"}`,
		)
		if len(events) != 2 {
			t.Errorf("heartbeat between stages should be dropped: %+v", events)
		}
	})
}

func TestResultAndError(t *testing.T) {
	events := normalizeAll(t,
		`data: {"type":"result","narrative":"Found 2 trials.","trials":[{"nct_id":"NCT1"},{"nct_id":"NCT2"}],"total_cost":0.02,"profile":{"cancer_type":"NSCLC"}}`,
		`data: {"type":"error","message":"rate limited","code":"429"}`,
		`data: {"type":"done"}`,
	)

	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	final := events[0]
	if final.Type != domain.EventFinalResponse || final.Text != "Found 2 trials." || len(final.Trials) != 2 {
		t.Errorf("final = %+v", final)
	}
	if ct, _ := final.Profile.CancerType.Get(); ct != "NSCLC" {
		t.Errorf("profile cancer type = %q", ct)
	}
	if events[1].Message != "rate limited (429)" {
		t.Errorf("error message = %q", events[1].Message)
	}
	if events[2].Type != domain.EventStreamEnd {
		t.Errorf("last = %+v", events[2])
	}
}

func TestUnknownStrategyDropped(t *testing.T) {
	events := normalizeAll(t, `data: {"type":"matching_started","strategy":"quantum"}`)
	if len(events) != 0 {
		t.Errorf("events = %+v", events)
	}
}
