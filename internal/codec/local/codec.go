// Package local implements the local-pipeline stream vocabulary.
//
// Stage-boundary frames name a pipeline node directly; the sentinel node
// "__end__" marks overall completion.
package local

import (
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/trialmatch/internal/codec"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
)

// Vocabulary is the registry name of this codec.
const Vocabulary = ports.VocabularyLocal

// EndNode is the sentinel node that marks completion of the whole graph.
const EndNode = "__end__"

// Raw frame types.
const (
	TypeNodeStart     = "node_start"
	TypeNodeProgress  = "node_progress"
	TypeNodeEnd       = "node_end"
	TypeProfileDelta  = "profile_delta"
	TypeTrialProgress = "trial_progress"
	TypeFinal         = "final"
	TypeError         = "error"
	TypeDone          = "done"
)

// NodeStages maps pipeline node names to canonical stage names.
var NodeStages = map[string]string{
	"retrieve":  domain.StageRetrieve,
	"prefilter": domain.StagePrefilter,
	"assess":    domain.StageAssess,
	"rank":      domain.StageRank,
}

// StageNodes is the inverse of NodeStages.
var StageNodes = func() map[string]string {
	m := make(map[string]string, len(NodeStages))
	for node, stage := range NodeStages {
		m[stage] = node
	}
	return m
}()

// Register registers the vocabulary with the codec registry. Safe to call
// more than once.
func Register() {
	if codec.IsRegistered(Vocabulary) {
		return
	}
	codec.RegisterVocabulary(Vocabulary, map[string]codec.Handler{
		TypeNodeStart:     nodeStart,
		TypeNodeProgress:  nodeProgress,
		TypeNodeEnd:       nodeEnd,
		TypeProfileDelta:  profileDelta,
		TypeTrialProgress: trialProgress,
		TypeFinal:         final,
		TypeError:         errorFrame,
		TypeDone:          done,
	})
}

// NodeFrame is the payload of node_start, node_progress and node_end.
type NodeFrame struct {
	Type   string   `json:"type"`
	Node   string   `json:"node"`
	Detail string   `json:"detail,omitempty"`
	Cost   *float64 `json:"cost,omitempty"`
}

// ProfileFrame is the payload of profile_delta.
type ProfileFrame struct {
	Type    string                `json:"type"`
	Profile domain.PatientProfile `json:"profile"`
}

// TrialFrame is the payload of trial_progress.
type TrialFrame struct {
	Type       string   `json:"type"`
	NCTID      string   `json:"nct_id"`
	Title      string   `json:"title"`
	Index      int      `json:"index"`
	Total      int      `json:"total"`
	Status     string   `json:"status"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// FinalFrame is the payload of final.
type FinalFrame struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text"`
	Profile   *domain.PatientProfile `json:"profile,omitempty"`
	Trials    []json.RawMessage      `json:"trials,omitempty"`
	TotalCost *float64               `json:"total_cost,omitempty"`
}

// ErrorFrame is the payload of error.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func stageOf(node string) (string, error) {
	if stage, ok := NodeStages[node]; ok {
		return stage, nil
	}
	return "", fmt.Errorf("unknown pipeline node %q", node)
}

func nodeStart(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[NodeFrame](payload)
	if err != nil {
		return nil, err
	}
	if f.Node == EndNode {
		return []domain.StreamEvent{domain.StreamEnd()}, nil
	}
	stage, err := stageOf(f.Node)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.StageStart(stage, f.Detail)}, nil
}

func nodeProgress(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[NodeFrame](payload)
	if err != nil {
		return nil, err
	}
	stage, err := stageOf(f.Node)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.StageProgress(stage, f.Detail)}, nil
}

func nodeEnd(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[NodeFrame](payload)
	if err != nil {
		return nil, err
	}
	if f.Node == EndNode {
		return []domain.StreamEvent{domain.StreamEnd()}, nil
	}
	stage, err := stageOf(f.Node)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.StageComplete(stage, f.Cost)}, nil
}

func profileDelta(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[ProfileFrame](payload)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.ProfileUpdate(f.Profile)}, nil
}

func trialProgress(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[TrialFrame](payload)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.TrialProgress(domain.TrialProgressEvent{
		NCTID:      f.NCTID,
		Title:      f.Title,
		Index:      f.Index,
		Total:      f.Total,
		Status:     f.Status,
		Confidence: f.Confidence,
	})}, nil
}

func final(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[FinalFrame](payload)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.Final(domain.FinalResponse{
		Text:      f.Text,
		Profile:   f.Profile,
		Trials:    f.Trials,
		TotalCost: f.TotalCost,
	})}, nil
}

func errorFrame(_ *codec.State, payload json.RawMessage) ([]domain.StreamEvent, error) {
	f, err := codec.Decode[ErrorFrame](payload)
	if err != nil {
		return nil, err
	}
	return []domain.StreamEvent{domain.ErrorEvent(f.Message)}, nil
}

func done(*codec.State, json.RawMessage) ([]domain.StreamEvent, error) {
	return []domain.StreamEvent{domain.StreamEnd()}, nil
}
