// Package remote implements the stream vocabulary of the live matching
// service.
//
// The service reports phases and sub-phases rather than pipeline nodes, and
// skips sub-phases depending on the matching strategy it picks. Handlers
// fold every frame onto the four canonical stages through codec.State,
// which synthesizes stage boundaries the service never reported.
package remote

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tjfontaine/trialmatch/internal/codec"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
)

// Vocabulary is the registry name of this codec.
const Vocabulary = ports.VocabularyRemote

// Raw frame types.
const (
	TypeRetrievalStarted   = "retrieval_started"
	TypeRetrievalCompleted = "retrieval_completed"
	TypeMatchingStarted    = "matching_started"
	TypePrefilterBatch     = "prefilter_batch"
	TypePrefilterCompleted = "prefilter_completed"
	TypeStrategyFallback   = "strategy_fallback"
	TypeAssessmentStarted  = "assessment_started"
	TypeTrialMatched       = "trial_matched"
	TypeMatchingCompleted  = "matching_completed"
	TypeRankingStarted     = "ranking_started"
	TypeRankingCompleted   = "ranking_completed"
	TypeHeartbeat          = "heartbeat"
	TypeProfileExtracted   = "profile_extracted"
	TypeResult             = "result"
	TypeError              = "error"
	TypeDone               = "done"
)

// Matching strategies announced by matching_started.
const (
	StrategyBatched    = "batched"
	StrategySequential = "sequential"
)

// Register registers the vocabulary with the codec registry. Safe to call
// more than once.
func Register() {
	if codec.IsRegistered(Vocabulary) {
		return
	}
	codec.RegisterVocabulary(Vocabulary, map[string]codec.Handler{
		TypeRetrievalStarted:   retrievalStarted,
		TypeRetrievalCompleted: retrievalCompleted,
		TypeMatchingStarted:    matchingStarted,
		TypePrefilterBatch:     prefilterBatch,
		TypePrefilterCompleted: prefilterCompleted,
		TypeStrategyFallback:   strategyFallback,
		TypeAssessmentStarted:  assessmentStarted,
		TypeTrialMatched:       trialMatched,
		TypeMatchingCompleted:  matchingCompleted,
		TypeRankingStarted:     rankingStarted,
		TypeRankingCompleted:   rankingCompleted,
		TypeHeartbeat:          heartbeat,
		TypeProfileExtracted:   profileExtracted,
		TypeResult:             result,
		TypeError:              errorFrame,
		TypeDone:               done,
	})
}

// Frame is the union of fields carried by the service's frames. Each type
// uses a subset.
type Frame struct {
	Type string `json:"type,omitempty"`

	// retrieval_completed
	Candidates int `json:"candidates,omitempty"`

	// matching_started, strategy_fallback
	Strategy    string `json:"strategy,omitempty"`
	TotalTrials int    `json:"total_trials,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// prefilter_batch, prefilter_completed
	Batch        int `json:"batch,omitempty"`
	TotalBatches int `json:"total_batches,omitempty"`
	Kept         int `json:"kept,omitempty"`

	// trial_matched
	NCTID       string   `json:"nct_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Index       int      `json:"index,omitempty"`
	Total       int      `json:"total,omitempty"`
	Eligibility string   `json:"eligibility,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`

	// heartbeat
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`

	// profile_extracted, result
	Profile *domain.PatientProfile `json:"profile,omitempty"`

	// result
	Trials    []json.RawMessage `json:"trials,omitempty"`
	Narrative string            `json:"narrative,omitempty"`

	// *_completed, result
	Cost      *float64 `json:"cost,omitempty"`
	TotalCost *float64 `json:"total_cost,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func decode(payload json.RawMessage) (Frame, error) {
	return codec.Decode[Frame](payload)
}

func retrievalStarted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	if _, err := decode(payload); err != nil {
		return nil, err
	}
	return st.Start(domain.StageRetrieve, "searching trial registry"), nil
}

func retrievalCompleted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return st.Complete(domain.StageRetrieve, f.Cost), nil
}

func matchingStarted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}

	switch f.Strategy {
	case StrategySequential:
		// No pre-filter pass: finish it immediately so the tracker never
		// waits on it, then go straight to assessment.
		events := st.Complete(domain.StagePrefilter, nil)
		return append(events, st.Start(domain.StageAssess, trialsDetail(f.TotalTrials))...), nil
	case StrategyBatched, "":
		return st.Start(domain.StagePrefilter, trialsDetail(f.TotalTrials)), nil
	default:
		return nil, fmt.Errorf("unknown matching strategy %q", f.Strategy)
	}
}

func prefilterBatch(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("batch %d/%d, %d kept", f.Batch, f.TotalBatches, f.Kept)
	return st.Progress(domain.StagePrefilter, detail), nil
}

func prefilterCompleted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return st.Complete(domain.StagePrefilter, f.Cost), nil
}

func strategyFallback(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	detail := fmt.Sprintf("falling back to %s matching", f.To)
	if f.Reason != "" {
		detail += ": " + f.Reason
	}
	events := st.Complete(domain.StagePrefilter, nil)
	return append(events, st.Start(domain.StageAssess, detail)...), nil
}

func assessmentStarted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return st.Start(domain.StageAssess, trialsDetail(f.TotalTrials)), nil
}

func trialMatched(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if f.NCTID == "" {
		return nil, fmt.Errorf("trial_matched without nct_id")
	}
	events := st.Start(domain.StageAssess, "")
	return append(events, domain.TrialProgress(domain.TrialProgressEvent{
		NCTID:      f.NCTID,
		Title:      f.Title,
		Index:      f.Index,
		Total:      f.Total,
		Status:     f.Eligibility,
		Confidence: f.Confidence,
	})), nil
}

func matchingCompleted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return st.Complete(domain.StageAssess, f.Cost), nil
}

func rankingStarted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	if _, err := decode(payload); err != nil {
		return nil, err
	}
	return st.Start(domain.StageRank, "ranking matched trials"), nil
}

func rankingCompleted(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return st.Complete(domain.StageRank, f.Cost), nil
}

// heartbeat keeps the active stage's detail fresh. With no active stage
// there is nothing to show; the frame still counted as liveness upstream.
func heartbeat(st *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	stage := st.Active()
	if stage == "" {
		return nil, nil
	}
	detail := "still working"
	if f.ElapsedSeconds > 0 {
		detail = fmt.Sprintf("still working (%ds)", int(math.Round(f.ElapsedSeconds)))
	}
	return []domain.StreamEvent{domain.StageProgress(stage, detail)}, nil
}

func profileExtracted(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if f.Profile == nil {
		return nil, nil
	}
	return []domain.StreamEvent{domain.ProfileUpdate(*f.Profile)}, nil
}

func result(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.Final(domain.FinalResponse{
		Text:      f.Narrative,
		Profile:   f.Profile,
		Trials:    f.Trials,
		TotalCost: f.TotalCost,
	})}, nil
}

func errorFrame(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := decode(payload)
	if err != nil {
		return nil, err
	}
	msg := f.Message
	if msg == "" {
		msg = "the matching service reported an error"
	}
	if f.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, f.Code)
	}
	return []domain.StreamEvent{domain.ErrorEvent(msg)}, nil
}

func done(*codec.State, json.RawMessage) ([]domain.StreamEvent, error) {
	return []domain.StreamEvent{domain.StreamEnd()}, nil
}

func trialsDetail(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d candidate trials", n)
}
