package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/sse"
)

// Reasons a frame is dropped instead of producing events.
const (
	DropNoData      = "no_data"
	DropMalformed   = "malformed"
	DropUnknownType = "unknown_type"
	DropInvalidText = "invalid_text"
	DropOverflow    = "overflow"
)

// Observer receives frame accounting from a Normalizer.
type Observer interface {
	FrameDecoded(vocabulary string)
	FrameDropped(vocabulary, reason string)
}

type nopObserver struct{}

func (nopObserver) FrameDecoded(string)         {}
func (nopObserver) FrameDropped(string, string) {}

// envelope is the part of every payload the normalizer needs.
type envelope struct {
	Type string `json:"type"`
}

// Normalizer turns complete frames of one stream into canonical events.
// It is scoped to one stream: its State tracks the stages seen so far.
type Normalizer struct {
	vocabulary string
	state      *State
	logger     *slog.Logger
	observer   Observer
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithLogger sets the logger used for dropped frames.
func WithLogger(logger *slog.Logger) NormalizerOption {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithObserver sets the frame accounting sink.
func WithObserver(o Observer) NormalizerOption {
	return func(n *Normalizer) {
		if o != nil {
			n.observer = o
		}
	}
}

// WithStages overrides the canonical stage order used for folding.
func WithStages(order []string) NormalizerOption {
	return func(n *Normalizer) {
		n.state = NewState(order)
	}
}

// NewNormalizer creates a normalizer for a registered vocabulary.
func NewNormalizer(vocabulary string, opts ...NormalizerOption) (*Normalizer, error) {
	if !IsRegistered(vocabulary) {
		return nil, fmt.Errorf("codec: unknown vocabulary %q", vocabulary)
	}

	n := &Normalizer{
		vocabulary: vocabulary,
		state:      NewState(nil),
		logger:     slog.Default(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Vocabulary returns the vocabulary name.
func (n *Normalizer) Vocabulary() string { return n.vocabulary }

// State exposes the stream's stage bookkeeping.
func (n *Normalizer) State() *State { return n.state }

// Normalize classifies one complete frame. Frames without data, with a
// payload that is not JSON, or with an unknown type are logged and dropped:
// the result is then empty and no error escapes.
func (n *Normalizer) Normalize(raw string) []domain.StreamEvent {
	frame, ok := sse.ParseFrame(raw)
	if !ok {
		n.observer.FrameDropped(n.vocabulary, DropNoData)
		return nil
	}

	payload := json.RawMessage(frame.Data)

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		n.drop(DropMalformed, domain.ErrMalformedFrame(err), frame)
		return nil
	}

	rawType := env.Type
	if rawType == "" {
		rawType = frame.Event
	}

	handler, ok := Lookup(n.vocabulary, rawType)
	if !ok {
		n.drop(DropUnknownType, domain.ErrUnknownEventType(n.vocabulary, rawType), frame)
		return nil
	}

	events, err := handler(n.state, payload)
	if err != nil {
		n.drop(DropMalformed, domain.ErrMalformedFrame(err), frame)
		return nil
	}

	n.observer.FrameDecoded(n.vocabulary)
	for _, ev := range events {
		n.state.Observe(ev)
	}

	if len(events) == 0 {
		n.logger.Debug("frame produced no events",
			slog.String("vocabulary", n.vocabulary),
			slog.String("type", rawType),
		)
	}
	return events
}

func (n *Normalizer) drop(reason string, err error, frame sse.Frame) {
	n.observer.FrameDropped(n.vocabulary, reason)
	n.logger.Warn("dropping stream frame",
		slog.String("vocabulary", n.vocabulary),
		slog.String("reason", reason),
		slog.String("event", frame.Event),
		slog.String("error", err.Error()),
		slog.Int("payload_bytes", len(frame.Data)),
	)
}
