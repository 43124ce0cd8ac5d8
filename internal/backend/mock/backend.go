// Package mock is an in-process, deterministic matching pipeline. It
// speaks the local pipeline vocabulary over an io.Pipe, so everything
// downstream of the backend (decoder, normalizer, heartbeat, session) runs
// exactly as it does against a real service.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/trialmatch/internal/codec/local"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
)

const (
	// Name is the backend name.
	Name = "mock"

	// DefaultPricePerToken is the synthetic price used for stage costs.
	DefaultPricePerToken = 0.000002
)

// Option configures the backend.
type Option func(*Backend)

// WithDelay pauses between frames.
func WithDelay(d time.Duration) Option {
	return func(b *Backend) { b.delay = d }
}

// WithCatalogue replaces the trial registry.
func WithCatalogue(trials []Trial) Option {
	return func(b *Backend) { b.catalogue = trials }
}

// WithPricePerToken sets the synthetic token price.
func WithPricePerToken(p float64) Option {
	return func(b *Backend) { b.price = p }
}

// WithFailAt makes the pipeline emit an error frame when the given stage
// starts.
func WithFailAt(stage, message string) Option {
	return func(b *Backend) {
		b.failStage = stage
		b.failMessage = message
	}
}

// WithStallAt makes the pipeline go silent, without closing the stream,
// when the given stage starts.
func WithStallAt(stage string) Option {
	return func(b *Backend) { b.stallStage = stage }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Backend is the mock pipeline.
type Backend struct {
	delay       time.Duration
	catalogue   []Trial
	price       float64
	failStage   string
	failMessage string
	stallStage  string
	logger      *slog.Logger
	codec       tokenizer.Codec

	unhealthy atomic.Bool
	opened    atomic.Int64
}

// New creates a mock backend.
func New(opts ...Option) (*Backend, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	b := &Backend{
		catalogue: DefaultCatalogue,
		price:     DefaultPricePerToken,
		logger:    slog.Default(),
		codec:     codec,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return Name }

// Vocabulary returns the local pipeline vocabulary.
func (b *Backend) Vocabulary() string { return local.Vocabulary }

// SetHealthy toggles the pre-flight check result.
func (b *Backend) SetHealthy(healthy bool) { b.unhealthy.Store(!healthy) }

// Opened returns how many streams were opened.
func (b *Backend) Opened() int { return int(b.opened.Load()) }

// Health reports the configured health.
func (b *Backend) Health(context.Context) error {
	if b.unhealthy.Load() {
		return domain.ErrBackendUnavailable(Name, fmt.Errorf("mock pipeline marked unhealthy"))
	}
	return nil
}

// Open starts the pipeline for req. Closing the returned reader or
// cancelling ctx stops it.
func (b *Backend) Open(ctx context.Context, req *domain.MatchRequest) (io.ReadCloser, error) {
	b.opened.Add(1)
	pr, pw := io.Pipe()

	go func() {
		err := b.run(ctx, pw, req)
		if err != nil && ctx.Err() == nil {
			b.logger.Debug("mock pipeline stopped", slog.String("error", err.Error()))
		}
		pw.CloseWithError(err)
	}()

	return pr, nil
}

// errStalled ends a stalled run once the consumer gives up.
var errStalled = fmt.Errorf("mock pipeline stalled")

type emitter struct {
	ctx   context.Context
	w     io.Writer
	delay time.Duration
}

func (e *emitter) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if e.delay > 0 {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-time.After(e.delay):
		}
	}
	_, err = fmt.Fprintf(e.w, "data: %s\n\n", data)
	return err
}

func (b *Backend) run(ctx context.Context, w io.Writer, req *domain.MatchRequest) error {
	e := &emitter{ctx: ctx, w: w, delay: b.delay}
	profile := req.Profile
	var total float64

	// enter emits node_start, or fails or stalls when configured to.
	enter := func(stage, detail string) error {
		if stage == b.stallStage {
			<-ctx.Done()
			return errStalled
		}
		if err := e.send(local.NodeFrame{Type: local.TypeNodeStart, Node: local.StageNodes[stage], Detail: detail}); err != nil {
			return err
		}
		if stage == b.failStage {
			if err := e.send(local.ErrorFrame{Type: local.TypeError, Message: b.failMessage}); err != nil {
				return err
			}
			return e.send(local.NodeFrame{Type: local.TypeDone})
		}
		return nil
	}
	leave := func(stage, work string) error {
		cost := b.cost(work)
		total += cost
		return e.send(local.NodeFrame{Type: local.TypeNodeEnd, Node: local.StageNodes[stage], Cost: domain.Float(cost)})
	}
	failed := func(stage string) bool { return stage == b.failStage }

	// Retrieve
	if err := enter(domain.StageRetrieve, "searching trial registry"); err != nil || failed(domain.StageRetrieve) {
		return err
	}
	candidates := retrieve(b.catalogue, profile)
	if err := leave(domain.StageRetrieve, req.Text); err != nil {
		return err
	}

	// Pre-filter
	if err := enter(domain.StagePrefilter, fmt.Sprintf("%d candidate trials", len(candidates))); err != nil || failed(domain.StagePrefilter) {
		return err
	}
	kept := prefilter(candidates, profile)
	if err := e.send(local.NodeFrame{
		Type: local.TypeNodeProgress, Node: local.StageNodes[domain.StagePrefilter],
		Detail: fmt.Sprintf("%d of %d kept", len(kept), len(candidates)),
	}); err != nil {
		return err
	}
	if err := leave(domain.StagePrefilter, titles(candidates)); err != nil {
		return err
	}

	// Assess
	if err := enter(domain.StageAssess, fmt.Sprintf("assessing %d trials", len(kept))); err != nil || failed(domain.StageAssess) {
		return err
	}
	matches := make([]Match, 0, len(kept))
	for i, t := range kept {
		m := assess(t, profile)
		matches = append(matches, m)
		if err := e.send(local.TrialFrame{
			Type: local.TypeTrialProgress, NCTID: m.NCTID, Title: m.Title,
			Index: i + 1, Total: len(kept), Status: m.Status, Confidence: domain.Float(m.Confidence),
		}); err != nil {
			return err
		}
	}
	if err := leave(domain.StageAssess, titles(kept)+req.Text); err != nil {
		return err
	}

	// Rank
	if err := enter(domain.StageRank, "ranking matched trials"); err != nil || failed(domain.StageRank) {
		return err
	}
	ranked := rank(matches)
	narrative := narrate(ranked, profile)
	if err := leave(domain.StageRank, narrative); err != nil {
		return err
	}

	trials := make([]json.RawMessage, 0, len(ranked))
	for _, m := range ranked {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		trials = append(trials, raw)
	}

	if err := e.send(local.FinalFrame{
		Type:      local.TypeFinal,
		Text:      narrative,
		Profile:   &profile,
		Trials:    trials,
		TotalCost: domain.Float(total),
	}); err != nil {
		return err
	}
	return e.send(local.NodeFrame{Type: local.TypeNodeEnd, Node: local.EndNode})
}

// cost prices a stage by the tokens of the text it worked on.
func (b *Backend) cost(work string) float64 {
	ids, _, _ := b.codec.Encode(work)
	return float64(len(ids)) * b.price
}

func titles(trials []Trial) string {
	var sb strings.Builder
	for _, t := range trials {
		sb.WriteString(t.Title)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func narrate(matches []Match, p domain.PatientProfile) string {
	who := "this patient"
	if ct, ok := p.CancerType.Get(); ok && ct != "" {
		who = "a patient with " + ct
	}
	switch len(matches) {
	case 0:
		return fmt.Sprintf("No trials in the registry matched %s.", who)
	case 1:
		return fmt.Sprintf("Found 1 trial for %s: %s (%s).", who, matches[0].Title, matches[0].NCTID)
	default:
		return fmt.Sprintf("Found %d trials for %s. The strongest match is %s (%s).",
			len(matches), who, matches[0].Title, matches[0].NCTID)
	}
}
