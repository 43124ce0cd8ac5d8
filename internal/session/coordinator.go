// Package session owns per-conversation state and runs turns against the
// matching backends.
//
// A Coordinator keeps at most one turn in flight per session. StartTurn
// records the user's message, opens the backend stream and returns a Turn
// whose Events channel carries the canonical events of that turn, ending
// with stream-end. Every event is applied to the session (stage tracker,
// trial progress, profile, conversation log) and the session is written
// back to the store as it changes, so readers always see a consistent
// snapshot.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/pipeline"
	"github.com/tjfontaine/trialmatch/internal/stream"
)

// DefaultEventBuffer is the per-turn event channel capacity.
const DefaultEventBuffer = 64

// Config is the turn policy. It can be replaced at runtime with Reload;
// turns already in flight keep the config they started with.
type Config struct {
	Stream      stream.Config
	Stages      []pipeline.StageConfig
	DefaultMode domain.Mode
	EventBuffer int
}

// Observer receives turn accounting. Implemented by the metrics package.
type Observer interface {
	stream.Observer
	EventEmitted(t domain.EventType)
	TurnStarted()
	TurnFinished(outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) FrameDecoded(string)                 {}
func (nopObserver) FrameDropped(string, string)         {}
func (nopObserver) HeartbeatTimeout(string)             {}
func (nopObserver) EventEmitted(domain.EventType)       {}
func (nopObserver) TurnStarted()                        {}
func (nopObserver) TurnFinished(string, time.Duration) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *domain.TurnEvent) error { return nil }
func (nopPublisher) Close() error                                    { return nil }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithExtractor sets the profile extractor run before each turn.
func WithExtractor(e ports.ProfileExtractor) Option {
	return func(c *Coordinator) { c.extractor = e }
}

// WithEventPublisher sets the turn lifecycle publisher.
func WithEventPublisher(p ports.EventPublisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithObserver sets the accounting sink.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithBackend registers the backend serving a mode.
func WithBackend(mode domain.Mode, b ports.Backend) Option {
	return func(c *Coordinator) { c.backends[mode] = b }
}

// WithTracer sets the tracer used for turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// Coordinator runs turns for many independent sessions.
type Coordinator struct {
	store     ports.SessionStore
	extractor ports.ProfileExtractor
	publisher ports.EventPublisher
	observer  Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       atomic.Pointer[Config]

	backendsMu sync.RWMutex
	backends   map[domain.Mode]ports.Backend

	// busy is the per-session in-flight flag; the mutex only makes the
	// check-and-set atomic across request goroutines.
	busyMu sync.Mutex
	busy   map[string]*Turn
}

// New creates a coordinator.
func New(store ports.SessionStore, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		publisher: nopPublisher{},
		observer:  nopObserver{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/tjfontaine/trialmatch/internal/session"),
		backends:  make(map[domain.Mode]ports.Backend),
		busy:      make(map[string]*Turn),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Reload(cfg)
	return c
}

// Reload replaces the turn policy for turns started from now on.
func (c *Coordinator) Reload(cfg Config) {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = domain.ModeMock
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	c.cfg.Store(&cfg)
}

func (c *Coordinator) config() Config { return *c.cfg.Load() }

// SetBackend registers or replaces the backend serving a mode.
func (c *Coordinator) SetBackend(mode domain.Mode, b ports.Backend) {
	c.backendsMu.Lock()
	defer c.backendsMu.Unlock()
	c.backends[mode] = b
}

func (c *Coordinator) backend(mode domain.Mode) (ports.Backend, error) {
	c.backendsMu.RLock()
	defer c.backendsMu.RUnlock()
	b, ok := c.backends[mode]
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("no backend configured for mode %q", mode))
	}
	return b, nil
}

// Create starts a new session. An empty mode selects the default mode.
func (c *Coordinator) Create(ctx context.Context, mode domain.Mode) (*domain.Session, error) {
	cfg := c.config()
	if mode == "" {
		mode = cfg.DefaultMode
	}
	if !mode.Valid() {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown mode %q", mode))
	}

	now := time.Now().UTC()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Turns:     []domain.Turn{},
		Stages:    pipeline.NewTracker(cfg.Stages).Stages(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	c.logger.Info("session created", slog.String("session_id", sess.ID), slog.String("mode", string(mode)))
	return sess, nil
}

// Get returns a snapshot of a session.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.Session, error) {
	return c.store.Get(ctx, id)
}

// List returns session snapshots, most recently updated first.
func (c *Coordinator) List(ctx context.Context, opts ports.ListOptions) ([]*domain.Session, error) {
	return c.store.List(ctx, opts)
}

// Delete removes a session. A session with a turn in flight cannot be
// deleted.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	done, err := c.hold(id)
	if err != nil {
		return err
	}
	defer done()
	return c.store.Delete(ctx, id)
}

// SetMode switches the backend used by the session's next turn.
func (c *Coordinator) SetMode(ctx context.Context, id string, mode domain.Mode) (*domain.Session, error) {
	if !mode.Valid() {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown mode %q", mode))
	}
	done, err := c.hold(id)
	if err != nil {
		return nil, err
	}
	defer done()

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Mode = mode
	sess.UpdatedAt = time.Now().UTC()
	if err := c.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return sess, nil
}

// InFlight reports whether the session has a turn in flight.
func (c *Coordinator) InFlight(id string) bool {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	_, ok := c.busy[id]
	return ok
}

// CancelTurn aborts the session's turn in flight, if any, and reports
// whether there was one.
func (c *Coordinator) CancelTurn(id string) bool {
	c.busyMu.Lock()
	t, ok := c.busy[id]
	c.busyMu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// acquire sets the in-flight flag, failing with session_busy when it is
// already set.
func (c *Coordinator) acquire(id string, t *Turn) error {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	if _, ok := c.busy[id]; ok {
		return domain.ErrSessionBusy(id)
	}
	c.busy[id] = t
	return nil
}

// hold takes the in-flight flag for a short read-modify-write of the
// session, so it cannot interleave with a turn. The returned func releases
// it.
func (c *Coordinator) hold(id string) (func(), error) {
	t := &Turn{SessionID: id, done: make(chan struct{}), cancel: func() {}}
	if err := c.acquire(id, t); err != nil {
		return nil, err
	}
	return func() {
		c.release(id)
		close(t.done)
	}, nil
}

func (c *Coordinator) release(id string) {
	c.busyMu.Lock()
	defer c.busyMu.Unlock()
	delete(c.busy, id)
}

// Wait blocks until every turn in flight has ended or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.busyMu.Lock()
	turns := make([]*Turn, 0, len(c.busy))
	for _, t := range c.busy {
		turns = append(turns, t)
	}
	c.busyMu.Unlock()

	for _, t := range turns {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
