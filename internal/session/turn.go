package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/pipeline"
	"github.com/tjfontaine/trialmatch/internal/profile"
	"github.com/tjfontaine/trialmatch/internal/stream"
)

// Turn outcomes reported to the observer.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Turn is one in-flight request/response cycle of a session.
type Turn struct {
	ID        string
	SessionID string
	Retry     bool

	events chan domain.StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Events returns the turn's canonical events. The channel is closed after
// stream-end. A consumer that stops reading must call Cancel.
func (t *Turn) Events() <-chan domain.StreamEvent { return t.events }

// Done is closed once the turn has ended and the session is persisted.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn ends and returns its failure, if any.
func (t *Turn) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel aborts the turn. The session records a failed attempt that can
// be retried.
func (t *Turn) Cancel() { t.cancel() }

func (t *Turn) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// StartTurn records text as the user's next message and starts a turn.
// It fails with session_busy when a turn is already in flight and with
// backend_unavailable when the backend's pre-flight check fails; in both
// cases the session is left untouched.
func (c *Coordinator) StartTurn(ctx context.Context, id, text string) (*Turn, error) {
	return c.startTurn(ctx, id, text, false)
}

// errNothingToRetry reports a retry on a session with no retained input.
var errNothingToRetry = errors.New("nothing to retry")

// startTurn takes the busy flag before reading the session, so the copy it
// works on always includes the outcome of the previous turn. A retry
// replays the session's retained input and ignores text.
func (c *Coordinator) startTurn(ctx context.Context, id, text string, retry bool) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" && !retry {
		return nil, domain.ErrInvalidRequest("text must not be empty")
	}

	cfg := c.config()
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Turn{
		ID:        uuid.NewString(),
		SessionID: id,
		Retry:     retry,
		events:    make(chan domain.StreamEvent, cfg.EventBuffer),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	if err := c.acquire(id, t); err != nil {
		cancel()
		return nil, err
	}

	started := false
	defer func() {
		if !started {
			cancel()
			c.release(id)
		}
	}()

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if retry {
		if sess.LastUserInput == "" {
			return nil, errNothingToRetry
		}
		text = sess.LastUserInput
	}

	backend, err := c.backend(sess.Mode)
	if err != nil {
		return nil, err
	}
	if err := backend.Health(ctx); err != nil {
		c.logger.Warn("backend pre-flight failed",
			slog.String("session_id", id),
			slog.String("backend", backend.Name()),
			slog.String("error", err.Error()),
		)
		if domain.IsKind(err, domain.ErrorKindBackendUnavailable) {
			return nil, err
		}
		return nil, domain.ErrBackendUnavailable(backend.Name(), err)
	}

	if retry {
		sess.Turns = RollbackFailedAttempt(sess.Turns)
	}

	delta := c.extract(ctx, sess, text)
	sess.Profile = profile.Merge(sess.Profile, delta)

	now := time.Now().UTC()
	userTurn := domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Text:      text,
		Timestamp: now,
	}
	if !delta.IsEmpty() {
		d := delta.Clone()
		userTurn.Profile = &d
	}
	sess.Turns = append(sess.Turns, userTurn)

	tracker := pipeline.NewTracker(stageConfig(cfg, sess))
	sess.Stages = tracker.Stages()
	sess.TrialProgress = nil
	sess.TurnCost = 0
	sess.LastUserInput = text
	sess.IsLoading = true
	sess.IsRunning = false
	sess.UpdatedAt = now
	if err := c.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	started = true
	go c.run(tctx, t, sess, backend, tracker, cfg)
	return t, nil
}

// stageConfig returns the session's stage layout. The configured stages
// apply only to sessions that have none, so a reload never reorders the
// stages of an existing session.
func stageConfig(cfg Config, sess *domain.Session) []pipeline.StageConfig {
	if len(sess.Stages) == 0 {
		return cfg.Stages
	}
	out := make([]pipeline.StageConfig, len(sess.Stages))
	for i, s := range sess.Stages {
		out[i] = pipeline.StageConfig{Name: s.Name, Model: s.Model}
	}
	return out
}

func (c *Coordinator) extract(ctx context.Context, sess *domain.Session, text string) domain.PatientProfile {
	if c.extractor == nil {
		return domain.PatientProfile{}
	}
	delta, err := c.extractor.Extract(ctx, text, sess.Profile)
	if err != nil {
		c.logger.Warn("profile extraction failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		return domain.PatientProfile{}
	}
	return delta
}

// run is the turn's read loop. It owns sess and tracker until it returns.
func (c *Coordinator) run(ctx context.Context, t *Turn, sess *domain.Session, backend ports.Backend, tracker *pipeline.Tracker, cfg Config) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("turn.id", t.ID),
			attribute.String("backend", backend.Name()),
			attribute.Bool("turn.retry", t.Retry),
		),
	)

	logger := c.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("turn_id", t.ID),
		slog.String("backend", backend.Name()),
	)

	c.observer.TurnStarted()
	c.publish(ctx, &domain.TurnEvent{
		Type:      domain.TurnStarted,
		SessionID: sess.ID,
		TurnID:    t.ID,
		Mode:      sess.Mode,
		Timestamp: start.UTC(),
		Retry:     t.Retry,
	})

	r := &turnRun{c: c, t: t, sess: sess, tracker: tracker, logger: logger, span: span}

	defer r.end(ctx, start)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("turn panicked", slog.Any("panic", p))
			r.failure(ctx, domain.NewError(domain.ErrorKindStream, fmt.Sprintf("internal error: %v", p)))
		}
	}()

	req := &domain.MatchRequest{
		SessionID: sess.ID,
		TurnID:    t.ID,
		Text:      sess.LastUserInput,
		Profile:   sess.Profile.Clone(),
		Mode:      sess.Mode,
		Stages:    tracker.Stages(),
	}

	streamCfg := cfg.Stream
	if len(streamCfg.Stages) == 0 {
		for _, s := range tracker.Stages() {
			streamCfg.Stages = append(streamCfg.Stages, s.Name)
		}
	}

	st, err := stream.Open(ctx, backend, req, streamCfg,
		stream.WithLogger(logger),
		stream.WithObserver(c.observer),
	)
	if err != nil {
		r.failure(ctx, err)
		return
	}
	defer st.Close()

	for {
		ev, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			r.failure(ctx, err)
			return
		}
		r.apply(ctx, ev)
	}
}

// turnRun carries the state of one run of the read loop.
type turnRun struct {
	c       *Coordinator
	t       *Turn
	sess    *domain.Session
	tracker *pipeline.Tracker
	logger  *slog.Logger
	span    trace.Span

	// outcome is set by the first terminal event; later ones are ignored.
	outcome string
	errKind domain.ErrorKind
	errText string
	ended   bool
}

func (r *turnRun) apply(ctx context.Context, ev domain.StreamEvent) {
	if ev.Type == domain.EventStreamEnd {
		if r.outcome == "" {
			r.failure(ctx, domain.ErrStream(errors.New("stream ended without a result")))
			return
		}
		r.emit(ctx, ev)
		return
	}
	if r.outcome != "" {
		r.logger.Debug("ignoring event after terminal event", slog.String("type", string(ev.Type)))
		return
	}

	if !r.tracker.Apply(ev) {
		r.logger.Warn("event names an unknown stage",
			slog.String("type", string(ev.Type)),
			slog.String("stage", ev.StageName),
		)
		return
	}

	switch ev.Type {
	case domain.EventStageStart:
		r.span.AddEvent("stage.start", trace.WithAttributes(attribute.String("stage", ev.StageName)))
	case domain.EventStageComplete:
		r.span.AddEvent("stage.complete", trace.WithAttributes(attribute.String("stage", ev.StageName)))
	case domain.EventProfileUpdate:
		if ev.Profile != nil {
			r.sess.Profile = profile.Merge(r.sess.Profile, *ev.Profile)
		}
	case domain.EventFinalResponse:
		r.finalize(ev)
	case domain.EventError:
		r.outcome = OutcomeFailed
		r.errKind = domain.ErrorKindBackendError
		r.errText = ev.Message
		r.appendError(domain.ErrorKindBackendError, BackendErrorMessage(ev.Message))
	}

	r.sync()
	r.persist(ctx)
	r.emit(ctx, ev)
}

func (r *turnRun) finalize(ev domain.StreamEvent) {
	r.outcome = OutcomeCompleted
	if forced := r.tracker.Forced(); len(forced) > 0 {
		r.logger.Debug("final response closed unfinished stages", slog.Any("stages", forced))
	}

	if ev.Profile != nil {
		r.sess.Profile = profile.Merge(r.sess.Profile, *ev.Profile)
	}
	if ev.Trials != nil {
		r.sess.Trials = append([]json.RawMessage(nil), ev.Trials...)
	}

	cost := r.tracker.Cost()
	if ev.TotalCost != nil {
		cost = *ev.TotalCost
	}
	r.sess.TurnCost = cost
	r.sess.TotalCost += cost

	p := r.sess.Profile.Clone()
	r.sess.Turns = append(r.sess.Turns, domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Text:      ev.Text,
		Timestamp: time.Now().UTC(),
		Trials:    append([]json.RawMessage(nil), ev.Trials...),
		Profile:   &p,
	})
	r.sess.LastUserInput = ""
}

// failure ends the turn with a stream-level failure: the tracker and the
// conversation log record it, and the consumer sees error then stream-end.
func (r *turnRun) failure(ctx context.Context, err error) {
	r.t.fail(err)
	if r.outcome != "" {
		r.logger.Warn("stream failed after terminal event", slog.String("error", err.Error()))
		r.emit(ctx, domain.StreamEnd())
		return
	}

	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.ErrorKindStream
	}
	r.outcome = OutcomeFailed
	r.errKind = kind
	r.errText = err.Error()
	r.logger.Warn("turn failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	r.span.RecordError(err)

	msg := UserMessage(err)
	ev := domain.ErrorEvent(msg)
	r.tracker.Apply(ev)
	r.appendError(kind, msg)
	r.sync()
	r.persist(ctx)
	r.emit(ctx, ev)
	r.emit(ctx, domain.StreamEnd())
}

func (r *turnRun) appendError(kind domain.ErrorKind, msg string) {
	r.sess.Turns = append(r.sess.Turns, domain.Turn{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Text:      msg,
		Timestamp: time.Now().UTC(),
		ErrorKind: kind,
	})
}

// sync copies the tracker's view into the session.
func (r *turnRun) sync() {
	r.sess.Stages = r.tracker.Stages()
	r.sess.TrialProgress = r.tracker.TrialProgress()
	r.sess.IsRunning = r.tracker.Running()
	if r.outcome == "" {
		r.sess.TurnCost = r.tracker.Cost()
	}
	r.sess.UpdatedAt = time.Now().UTC()
}

func (r *turnRun) persist(ctx context.Context) {
	if err := r.c.store.Put(context.WithoutCancel(ctx), r.sess); err != nil {
		r.logger.Error("failed to persist session", slog.String("error", err.Error()))
	}
}

// emit forwards ev to the consumer. Once the turn is cancelled an event
// is only forwarded when the buffer has room, so a consumer that stopped
// reading never blocks the turn; the session is still updated.
func (r *turnRun) emit(ctx context.Context, ev domain.StreamEvent) {
	if r.ended {
		return
	}
	if ev.Type == domain.EventStreamEnd {
		r.ended = true
	}
	r.c.observer.EventEmitted(ev.Type)
	select {
	case r.t.events <- ev:
	case <-ctx.Done():
		select {
		case r.t.events <- ev:
		default:
		}
	}
}

// end always runs once per turn: it clears the loading flag, persists the
// session, releases the busy flag and reports the outcome.
func (r *turnRun) end(ctx context.Context, start time.Time) {
	if r.outcome == "" {
		r.failure(ctx, domain.ErrStream(errors.New("stream ended without a result")))
	}

	r.sess.IsLoading = false
	r.sess.IsRunning = false
	r.sess.UpdatedAt = time.Now().UTC()
	r.persist(ctx)

	d := time.Since(start)
	r.c.release(r.sess.ID)
	r.c.observer.TurnFinished(r.outcome, d)

	ev := &domain.TurnEvent{
		SessionID: r.sess.ID,
		TurnID:    r.t.ID,
		Mode:      r.sess.Mode,
		Timestamp: time.Now().UTC(),
		Retry:     r.t.Retry,
		Duration:  d,
	}
	if r.outcome == OutcomeCompleted {
		ev.Type = domain.TurnCompleted
		ev.TrialCount = len(r.sess.Trials)
		ev.TurnCost = r.sess.TurnCost
		r.span.SetStatus(codes.Ok, "")
	} else {
		ev.Type = domain.TurnFailed
		ev.ErrorKind = r.errKind
		ev.ErrorMessage = r.errText
		r.span.SetStatus(codes.Error, string(r.errKind))
		if r.errKind == domain.ErrorKindBackendError {
			r.t.fail(domain.ErrBackendError(r.errText))
		}
	}
	r.c.publish(ctx, ev)

	r.span.SetAttributes(attribute.String("turn.outcome", r.outcome))
	r.span.End()

	r.logger.Info("turn finished",
		slog.String("outcome", r.outcome),
		slog.Duration("duration", d),
		slog.Float64("turn_cost", r.sess.TurnCost),
	)

	r.t.cancel()
	close(r.t.events)
	close(r.t.done)
}

func (c *Coordinator) publish(ctx context.Context, ev *domain.TurnEvent) {
	if err := c.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("failed to publish turn event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
