package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/trialmatch/internal/backend/mock"
	"github.com/tjfontaine/trialmatch/internal/codec/local"
	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
	"github.com/tjfontaine/trialmatch/internal/extract"
	"github.com/tjfontaine/trialmatch/internal/heartbeat"
	"github.com/tjfontaine/trialmatch/internal/pipeline"
	"github.com/tjfontaine/trialmatch/internal/storage/memory"
	"github.com/tjfontaine/trialmatch/internal/stream"
)

// scriptBackend replays canned local-vocabulary frames.
type scriptBackend struct {
	mu        sync.Mutex
	frames    []string
	gate      chan struct{}
	stall     bool
	healthErr error
	requests  []*domain.MatchRequest
}

func (b *scriptBackend) Name() string       { return "script" }
func (b *scriptBackend) Vocabulary() string { return local.Vocabulary }

func (b *scriptBackend) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthErr
}

func (b *scriptBackend) setFrames(frames ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = frames
}

func (b *scriptBackend) Requests() []*domain.MatchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*domain.MatchRequest(nil), b.requests...)
}

func (b *scriptBackend) Open(ctx context.Context, req *domain.MatchRequest) (io.ReadCloser, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	frames := append([]string(nil), b.frames...)
	gate, stall := b.gate, b.stall
	b.mu.Unlock()

	r, w := io.Pipe()
	go func() {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				w.CloseWithError(ctx.Err())
				return
			}
		}
		for _, f := range frames {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", f); err != nil {
				return
			}
		}
		if stall {
			<-ctx.Done()
			w.CloseWithError(ctx.Err())
			return
		}
		w.Close()
	}()
	return r, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TurnEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev *domain.TurnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []domain.TurnEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.TurnEventType
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeExtractor struct {
	delta domain.PatientProfile
	err   error
}

func (e fakeExtractor) Extract(context.Context, string, domain.PatientProfile) (domain.PatientProfile, error) {
	return e.delta, e.err
}

// endToEndFrames is the canonical example run: four stages, one trial,
// a final response, and no completion event for Rank.
var endToEndFrames = []string{
	`{"type":"node_start","node":"retrieve"}`,
	`{"type":"node_end","node":"retrieve","cost":0.001}`,
	`{"type":"node_start","node":"prefilter"}`,
	`{"type":"node_end","node":"prefilter"}`,
	`{"type":"node_start","node":"assess"}`,
	`{"type":"trial_progress","nct_id":"NCT001","title":"Trial one","index":1,"total":3,"status":"eligible"}`,
	`{"type":"node_end","node":"assess","cost":0.01}`,
	`{"type":"node_start","node":"rank"}`,
	`{"type":"final","text":"done","trials":[{"nct_id":"NCT001"},{"nct_id":"NCT002"},{"nct_id":"NCT003"}],"total_cost":0.011}`,
	`{"type":"done"}`,
}

func newCoordinator(t *testing.T, b *scriptBackend, opts ...Option) (*Coordinator, *memory.Store) {
	t.Helper()
	local.Register()
	store := memory.New(time.Hour)
	cfg := Config{
		Stream: stream.Config{
			Heartbeat: heartbeat.Config{Timeout: 2 * time.Second, CheckInterval: 10 * time.Millisecond},
		},
	}
	opts = append([]Option{WithBackend(domain.ModeMock, b)}, opts...)
	return New(store, cfg, opts...), store
}

func drain(t *testing.T, turn *Turn) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-turn.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func createSession(t *testing.T, c *Coordinator) *domain.Session {
	t.Helper()
	sess, err := c.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess
}

func TestCoordinator_EndToEnd(t *testing.T) {
	backend := &scriptBackend{frames: endToEndFrames}
	pub := &recordingPublisher{}
	c, _ := newCoordinator(t, backend, WithEventPublisher(pub))
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "62 year old woman with NSCLC")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	events := drain(t, turn)
	if err := turn.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if last := events[len(events)-1]; last.Type != domain.EventStreamEnd {
		t.Errorf("last event = %s, want stream-end", last.Type)
	}

	got, err := c.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for _, s := range got.Stages {
		if s.Status != domain.StatusComplete {
			t.Errorf("stage %s = %s, want complete", s.Name, s.Status)
		}
	}
	if len(got.TrialProgress) != 1 {
		t.Errorf("trial progress = %d entries, want 1", len(got.TrialProgress))
	}
	if got.TotalCost != 0.011 {
		t.Errorf("TotalCost = %v, want 0.011", got.TotalCost)
	}
	if len(got.Trials) != 3 {
		t.Errorf("trials = %d, want 3", len(got.Trials))
	}

	var assistant []domain.Turn
	for _, turn := range got.Turns {
		if turn.Role == domain.RoleAssistant {
			assistant = append(assistant, turn)
		}
	}
	if len(assistant) != 1 || assistant[0].Text != "done" {
		t.Errorf("assistant turns = %+v, want one with text done", assistant)
	}
	if got.LastUserInput != "" {
		t.Errorf("LastUserInput = %q, want cleared", got.LastUserInput)
	}
	if got.IsLoading || got.IsRunning {
		t.Errorf("IsLoading=%v IsRunning=%v after turn", got.IsLoading, got.IsRunning)
	}
	if c.InFlight(sess.ID) {
		t.Error("session still in flight")
	}

	types := pub.Types()
	if len(types) != 2 || types[0] != domain.TurnStarted || types[1] != domain.TurnCompleted {
		t.Errorf("published = %v, want [started completed]", types)
	}
}

func TestCoordinator_CostAccumulatesAcrossTurns(t *testing.T) {
	backend := &scriptBackend{frames: endToEndFrames}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	for i := range 2 {
		turn, err := c.StartTurn(ctx, sess.ID, fmt.Sprintf("message %d", i))
		if err != nil {
			t.Fatalf("StartTurn(%d) error = %v", i, err)
		}
		drain(t, turn)
	}

	got, _ := c.Get(ctx, sess.ID)
	if got.TurnCost != 0.011 {
		t.Errorf("TurnCost = %v, want 0.011", got.TurnCost)
	}
	if got.TotalCost < 0.0219 || got.TotalCost > 0.0221 {
		t.Errorf("TotalCost = %v, want 0.022", got.TotalCost)
	}
	if len(got.Turns) != 4 {
		t.Errorf("turns = %d, want 4", len(got.Turns))
	}
}

func TestCoordinator_SessionBusy(t *testing.T) {
	gate := make(chan struct{})
	backend := &scriptBackend{frames: endToEndFrames, gate: gate}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "first")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	if _, err := c.StartTurn(ctx, sess.ID, "second"); !domain.IsKind(err, domain.ErrorKindSessionBusy) {
		t.Errorf("second StartTurn() error = %v, want session_busy", err)
	}
	if retry, err := c.Retry(ctx, sess.ID); retry != nil || err != nil {
		t.Errorf("Retry() while busy = %v, %v, want no-op", retry, err)
	}
	if err := c.Delete(ctx, sess.ID); !domain.IsKind(err, domain.ErrorKindSessionBusy) {
		t.Errorf("Delete() while busy error = %v, want session_busy", err)
	}
	if _, err := c.SetMode(ctx, sess.ID, domain.ModeLive); !domain.IsKind(err, domain.ErrorKindSessionBusy) {
		t.Errorf("SetMode() while busy error = %v, want session_busy", err)
	}

	inFlight, _ := c.Get(ctx, sess.ID)
	if !inFlight.IsLoading {
		t.Error("IsLoading = false while turn in flight")
	}
	if n := len(inFlight.Turns); n != 1 {
		t.Errorf("turns while busy = %d, want 1", n)
	}

	close(gate)
	drain(t, turn)

	next, err := c.StartTurn(ctx, sess.ID, "second")
	if err != nil {
		t.Fatalf("StartTurn() after turn ended error = %v", err)
	}
	drain(t, next)
}

func TestCoordinator_HealthFailureNeverStartsTurn(t *testing.T) {
	backend := &scriptBackend{
		frames:    endToEndFrames,
		healthErr: domain.ErrBackendUnavailable("script", errors.New("connection refused")),
	}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	_, err := c.StartTurn(ctx, sess.ID, "62 year old woman")
	if !domain.IsKind(err, domain.ErrorKindBackendUnavailable) {
		t.Fatalf("StartTurn() error = %v, want backend_unavailable", err)
	}

	got, _ := c.Get(ctx, sess.ID)
	if len(got.Turns) != 0 || got.LastUserInput != "" || got.IsLoading {
		t.Errorf("session changed by failed pre-flight: %+v", got)
	}
	if len(backend.Requests()) != 0 {
		t.Error("backend opened after failed pre-flight")
	}
	if c.InFlight(sess.ID) {
		t.Error("busy flag left set after failed pre-flight")
	}
}

func TestCoordinator_InvalidInput(t *testing.T) {
	c, _ := newCoordinator(t, &scriptBackend{})
	ctx := context.Background()
	sess := createSession(t, c)

	tests := []struct {
		name string
		id   string
		text string
		kind domain.ErrorKind
	}{
		{"empty text", sess.ID, "", domain.ErrorKindInvalidRequest},
		{"whitespace text", sess.ID, "  \n ", domain.ErrorKindInvalidRequest},
		{"unknown session", "missing", "hello", domain.ErrorKindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.StartTurn(ctx, tt.id, tt.text)
			if !domain.IsKind(err, tt.kind) {
				t.Errorf("StartTurn() error = %v, want %s", err, tt.kind)
			}
		})
	}

	if _, err := c.Create(ctx, domain.Mode("bogus")); !domain.IsKind(err, domain.ErrorKindInvalidRequest) {
		t.Errorf("Create(bogus) error = %v, want invalid_request", err)
	}
	if _, err := c.SetMode(ctx, sess.ID, domain.ModeLive); err != nil {
		t.Fatalf("SetMode() error = %v", err)
	}
	if _, err := c.StartTurn(ctx, sess.ID, "hello"); !domain.IsKind(err, domain.ErrorKindInvalidRequest) {
		t.Errorf("StartTurn() on unconfigured mode error = %v, want invalid_request", err)
	}
}

func TestCoordinator_BackendErrorThenRetry(t *testing.T) {
	backend := &scriptBackend{frames: []string{
		`{"type":"node_start","node":"retrieve"}`,
		`{"type":"error","message":"trial index unavailable"}`,
		`{"type":"done"}`,
	}}
	pub := &recordingPublisher{}
	c, _ := newCoordinator(t, backend, WithEventPublisher(pub))
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "62 year old woman with NSCLC")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	events := drain(t, turn)
	if err := turn.Wait(); !domain.IsKind(err, domain.ErrorKindBackendError) {
		t.Errorf("Wait() error = %v, want backend_error", err)
	}
	if events[len(events)-2].Type != domain.EventError || events[len(events)-2].Message != "trial index unavailable" {
		t.Errorf("error event = %+v", events[len(events)-2])
	}

	failed, _ := c.Get(ctx, sess.ID)
	if failed.LastUserInput != "62 year old woman with NSCLC" {
		t.Errorf("LastUserInput = %q, want retained", failed.LastUserInput)
	}
	last := failed.Turns[len(failed.Turns)-1]
	if !last.IsError() || last.Text != "trial index unavailable You can retry this request." {
		t.Errorf("error turn = %+v", last)
	}
	if failed.Stages[0].Status != domain.StatusError {
		t.Errorf("Retrieve = %s, want error", failed.Stages[0].Status)
	}
	if failed.IsLoading {
		t.Error("IsLoading left set after failure")
	}

	rolledBack := RollbackFailedAttempt(failed.Turns)
	if countRole(rolledBack, domain.RoleUser) != countRole(failed.Turns, domain.RoleUser)-1 {
		t.Error("rollback should remove exactly one user turn")
	}

	backend.setFrames(endToEndFrames...)
	retry, err := c.Retry(ctx, sess.ID)
	if err != nil || retry == nil {
		t.Fatalf("Retry() = %v, %v", retry, err)
	}
	if !retry.Retry {
		t.Error("retry turn not marked as retry")
	}
	drain(t, retry)
	if err := retry.Wait(); err != nil {
		t.Fatalf("retry Wait() error = %v", err)
	}

	reqs := backend.Requests()
	if len(reqs) != 2 || reqs[1].Text != reqs[0].Text {
		t.Errorf("replayed text = %q, want %q", reqs[1].Text, reqs[0].Text)
	}

	got, _ := c.Get(ctx, sess.ID)
	if len(got.Turns) != 2 {
		t.Fatalf("turns after retry = %d, want 2", len(got.Turns))
	}
	if got.Turns[0].Role != domain.RoleUser || got.Turns[1].Text != "done" {
		t.Errorf("turns after retry = %+v", got.Turns)
	}

	// Nothing left to retry.
	again, err := c.Retry(ctx, sess.ID)
	if again != nil || err != nil {
		t.Errorf("second Retry() = %v, %v, want no-op", again, err)
	}

	types := pub.Types()
	want := []domain.TurnEventType{domain.TurnStarted, domain.TurnFailed, domain.TurnStarted, domain.TurnCompleted}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("published = %v, want %v", types, want)
	}
}

func TestCoordinator_HeartbeatTimeoutIsConnectionLost(t *testing.T) {
	backend := &scriptBackend{
		frames: []string{`{"type":"node_start","node":"retrieve"}`},
		stall:  true,
	}
	c, _ := newCoordinator(t, backend)
	c.Reload(Config{Stream: stream.Config{
		Heartbeat: heartbeat.Config{Timeout: 150 * time.Millisecond, CheckInterval: 10 * time.Millisecond},
	}})
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "62 year old woman")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	events := drain(t, turn)
	if err := turn.Wait(); !domain.IsKind(err, domain.ErrorKindConnectionLost) {
		t.Fatalf("Wait() error = %v, want connection_lost", err)
	}

	if n := len(events); n < 2 || events[n-2].Type != domain.EventError || events[n-1].Type != domain.EventStreamEnd {
		t.Errorf("events = %+v, want ... error, stream-end", events)
	}

	got, _ := c.Get(ctx, sess.ID)
	last := got.Turns[len(got.Turns)-1]
	if last.ErrorKind != domain.ErrorKindConnectionLost {
		t.Errorf("error turn kind = %q, want connection_lost", last.ErrorKind)
	}
	if got.LastUserInput == "" {
		t.Error("LastUserInput cleared after connection loss")
	}
	for _, s := range got.Stages {
		if s.Status == domain.StatusRunning {
			t.Errorf("stage %s still running", s.Name)
		}
	}
}

func TestCoordinator_StreamWithoutResultFails(t *testing.T) {
	backend := &scriptBackend{frames: []string{
		`{"type":"node_start","node":"retrieve"}`,
		`{"type":"done"}`,
	}}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	turn, _ := c.StartTurn(ctx, sess.ID, "hello")
	events := drain(t, turn)
	if err := turn.Wait(); !domain.IsKind(err, domain.ErrorKindStream) {
		t.Errorf("Wait() error = %v, want stream_error", err)
	}

	var ends int
	for _, ev := range events {
		if ev.Type == domain.EventStreamEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("stream-end events = %d, want 1", ends)
	}

	got, _ := c.Get(ctx, sess.ID)
	if !got.Turns[len(got.Turns)-1].IsError() {
		t.Error("missing error turn")
	}
}

func TestCoordinator_EventsAfterTerminalIgnored(t *testing.T) {
	backend := &scriptBackend{frames: []string{
		`{"type":"final","text":"done","total_cost":0.5}`,
		`{"type":"error","message":"late"}`,
		`{"type":"node_start","node":"assess"}`,
		`{"type":"done"}`,
	}}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	turn, _ := c.StartTurn(ctx, sess.ID, "hello")
	events := drain(t, turn)
	if err := turn.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(events) != 2 || events[0].Type != domain.EventFinalResponse {
		t.Errorf("events = %+v, want final-response, stream-end", events)
	}

	got, _ := c.Get(ctx, sess.ID)
	if len(got.Turns) != 2 || got.Turns[1].IsError() {
		t.Errorf("turns = %+v", got.Turns)
	}
	for _, s := range got.Stages {
		if s.Status != domain.StatusComplete {
			t.Errorf("stage %s = %s, want complete", s.Name, s.Status)
		}
	}
}

func TestCoordinator_Cancel(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	backend := &scriptBackend{frames: endToEndFrames, gate: gate}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "hello")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	turn.Cancel()
	drain(t, turn)

	if err := turn.Wait(); !domain.IsKind(err, domain.ErrorKindStream) {
		t.Errorf("Wait() error = %v, want stream_error", err)
	}
	got, _ := c.Get(ctx, sess.ID)
	if got.IsLoading || c.InFlight(sess.ID) {
		t.Error("cancelled turn left session busy")
	}
	if got.LastUserInput != "hello" {
		t.Errorf("LastUserInput = %q, want retained", got.LastUserInput)
	}
}

func TestCoordinator_ProfileAccumulation(t *testing.T) {
	backend := &scriptBackend{frames: []string{
		`{"type":"profile_delta","profile":{"ecog":1,"biomarkers":{"ALK":"negative"}}}`,
		`{"type":"final","text":"done","profile":{"stage":"IV"}}`,
		`{"type":"done"}`,
	}}
	extractor := fakeExtractor{delta: domain.PatientProfile{
		Age:        domain.Some(62),
		Biomarkers: map[string]string{"EGFR": "mutated"},
	}}
	c, _ := newCoordinator(t, backend, WithExtractor(extractor))
	ctx := context.Background()
	sess := createSession(t, c)

	turn, _ := c.StartTurn(ctx, sess.ID, "62 year old, EGFR mutated")
	drain(t, turn)

	got, _ := c.Get(ctx, sess.ID)
	p := got.Profile
	if age, _ := p.Age.Get(); age != 62 {
		t.Errorf("age = %d, want 62", age)
	}
	if ecog, _ := p.ECOG.Get(); ecog != 1 {
		t.Errorf("ecog = %d, want 1", ecog)
	}
	if stage, _ := p.Stage.Get(); stage != "IV" {
		t.Errorf("stage = %q, want IV", stage)
	}
	if p.Biomarkers["EGFR"] != "mutated" || p.Biomarkers["ALK"] != "negative" {
		t.Errorf("biomarkers = %v", p.Biomarkers)
	}
	if got.Turns[0].Profile == nil {
		t.Error("user turn missing extracted delta")
	}

	reqs := backend.Requests()
	if age, _ := reqs[0].Profile.Age.Get(); age != 62 {
		t.Error("request did not carry the extracted profile")
	}
}

func TestCoordinator_ExtractorFailureIsNotFatal(t *testing.T) {
	backend := &scriptBackend{frames: endToEndFrames}
	c, _ := newCoordinator(t, backend, WithExtractor(fakeExtractor{err: errors.New("quota exceeded")}))
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "hello")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	drain(t, turn)
	if err := turn.Wait(); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestCoordinator_MockPipeline(t *testing.T) {
	b, err := mock.New()
	if err != nil {
		t.Fatalf("mock.New() error = %v", err)
	}
	local.Register()
	c := New(memory.New(time.Hour), Config{},
		WithBackend(domain.ModeMock, b),
		WithExtractor(extract.NewHeuristic()),
	)
	ctx := context.Background()
	sess := createSession(t, c)

	turn, err := c.StartTurn(ctx, sess.ID, "58 year old man with NSCLC, EGFR positive, ALK negative")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	drain(t, turn)
	if err := turn.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	got, _ := c.Get(ctx, sess.ID)
	if cancer, _ := got.Profile.CancerType.Get(); cancer != "NSCLC" {
		t.Errorf("cancer type = %q, want NSCLC", cancer)
	}
	// Four lung trials plus the basket trial, less the ALK trial.
	if len(got.Trials) != 4 {
		t.Errorf("trials = %d, want 4", len(got.Trials))
	}
	if got.TotalCost <= 0 || got.TotalCost != got.TurnCost {
		t.Errorf("TotalCost = %v TurnCost = %v", got.TotalCost, got.TurnCost)
	}
}

func TestCoordinator_WaitForInFlight(t *testing.T) {
	gate := make(chan struct{})
	backend := &scriptBackend{frames: endToEndFrames, gate: gate}
	c, _ := newCoordinator(t, backend)
	sess := createSession(t, c)

	turn, _ := c.StartTurn(context.Background(), sess.ID, "hello")
	go func() {
		for range turn.Events() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() with turn in flight = %v, want deadline exceeded", err)
	}

	close(gate)
	if err := c.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func countRole(turns []domain.Turn, role domain.Role) int {
	var n int
	for _, t := range turns {
		if t.Role == role {
			n++
		}
	}
	return n
}

func TestRollbackFailedAttempt(t *testing.T) {
	user := func(text string) domain.Turn { return domain.Turn{Role: domain.RoleUser, Text: text} }
	reply := func(text string) domain.Turn { return domain.Turn{Role: domain.RoleAssistant, Text: text} }
	failure := func() domain.Turn {
		return domain.Turn{Role: domain.RoleAssistant, Text: "failed", ErrorKind: domain.ErrorKindBackendError}
	}

	tests := []struct {
		name  string
		turns []domain.Turn
		want  []string
	}{
		{"empty", nil, nil},
		{"no error", []domain.Turn{user("a"), reply("b")}, []string{"a", "b"}},
		{"single failure", []domain.Turn{user("a"), reply("b"), user("c"), failure()}, []string{"a", "b"}},
		{"repeated failures", []domain.Turn{user("a"), failure(), failure()}, nil},
		{"error without user turn", []domain.Turn{reply("b"), failure()}, []string{"b"}},
		{"trailing user turn kept when no error", []domain.Turn{user("a")}, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RollbackFailedAttempt(tt.turns)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d turns, want %d", len(got), len(tt.want))
			}
			for i, text := range tt.want {
				if got[i].Text != text {
					t.Errorf("turn %d = %q, want %q", i, got[i].Text, text)
				}
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "connection lost",
			err:  domain.ErrConnectionLost("silent"),
			want: "Lost connection to the matching service; it may still be processing your request. You can retry.",
		},
		{
			name: "backend error verbatim",
			err:  fmt.Errorf("open: %w", domain.ErrBackendError("rate limited")),
			want: "rate limited You can retry this request.",
		},
		{
			name: "generic",
			err:  errors.New("boom"),
			want: "Something went wrong while matching trials. You can retry this request.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCoordinator_CancelTurn(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	backend := &scriptBackend{frames: endToEndFrames, gate: gate}
	c, _ := newCoordinator(t, backend)
	sess := createSession(t, c)

	if c.CancelTurn(sess.ID) {
		t.Error("CancelTurn() = true on an idle session")
	}

	turn, err := c.StartTurn(context.Background(), sess.ID, "hello")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if !c.CancelTurn(sess.ID) {
		t.Error("CancelTurn() = false with a turn in flight")
	}

	events := drain(t, turn)
	if len(events) < 2 || events[len(events)-2].Type != domain.EventError || events[len(events)-1].Type != domain.EventStreamEnd {
		t.Errorf("cancelled turn should end with error, stream-end; got %v", eventTypes(events))
	}
}

func eventTypes(events []domain.StreamEvent) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// hookStore runs afterGet once a Get has read the session.
type hookStore struct {
	ports.SessionStore

	mu       sync.Mutex
	afterGet func()
}

func (s *hookStore) setAfterGet(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterGet = fn
}

func (s *hookStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.SessionStore.Get(ctx, id)
	s.mu.Lock()
	fn := s.afterGet
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return sess, err
}

func turnLog(sess *domain.Session) []string {
	out := make([]string, len(sess.Turns))
	for i, tr := range sess.Turns {
		out[i] = string(tr.Role) + ":" + tr.Text
	}
	return out
}

func TestCoordinator_StartDuringTurnKeepsItsOutcome(t *testing.T) {
	local.Register()
	gate := make(chan struct{})
	var openGate sync.Once
	release := func() { openGate.Do(func() { close(gate) }) }
	defer release()

	backend := &scriptBackend{frames: endToEndFrames, gate: gate}
	store := &hookStore{SessionStore: memory.New(time.Hour)}
	c := New(store, Config{Stream: stream.Config{
		Heartbeat: heartbeat.Config{Timeout: 2 * time.Second, CheckInterval: 10 * time.Millisecond},
	}}, WithBackend(domain.ModeMock, backend))
	ctx := context.Background()
	sess := createSession(t, c)

	first, err := c.StartTurn(ctx, sess.ID, "first")
	if err != nil {
		t.Fatalf("StartTurn(first) error = %v", err)
	}

	// A read by the second caller only returns once the first turn is over.
	store.setAfterGet(func() {
		release()
		<-first.Done()
	})
	second, err := c.StartTurn(ctx, sess.ID, "second")
	store.setAfterGet(nil)
	if !domain.IsKind(err, domain.ErrorKindSessionBusy) {
		if second != nil {
			drain(t, second)
		}
		t.Fatalf("StartTurn(second) error = %v, want session_busy", err)
	}

	release()
	drain(t, first)

	got, _ := c.Get(ctx, sess.ID)
	want := []string{"user:first", "assistant:done"}
	if fmt.Sprint(turnLog(got)) != fmt.Sprint(want) {
		t.Fatalf("turns = %v, want %v", turnLog(got), want)
	}
	if got.LastUserInput != "" || got.TotalCost == 0 || len(got.Trials) != 3 {
		t.Errorf("first outcome lost: input=%q total=%v trials=%d", got.LastUserInput, got.TotalCost, len(got.Trials))
	}

	next, err := c.StartTurn(ctx, sess.ID, "second")
	if err != nil {
		t.Fatalf("StartTurn(second) after first error = %v", err)
	}
	drain(t, next)

	got, _ = c.Get(ctx, sess.ID)
	want = []string{"user:first", "assistant:done", "user:second", "assistant:done"}
	if fmt.Sprint(turnLog(got)) != fmt.Sprint(want) {
		t.Errorf("turns = %v, want %v", turnLog(got), want)
	}
}

func TestCoordinator_StageLayoutFixedAtCreation(t *testing.T) {
	backend := &scriptBackend{frames: endToEndFrames}
	c, _ := newCoordinator(t, backend)
	ctx := context.Background()
	sess := createSession(t, c)

	reloaded := Config{
		Stream: stream.Config{
			Heartbeat: heartbeat.Config{Timeout: 2 * time.Second, CheckInterval: 10 * time.Millisecond},
		},
		Stages: []pipeline.StageConfig{{Name: domain.StageRank}, {Name: domain.StageRetrieve}},
	}
	c.Reload(reloaded)

	turn, err := c.StartTurn(ctx, sess.ID, "first")
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	drain(t, turn)

	stageNames := func(stages []domain.PipelineStage) []string {
		var out []string
		for _, s := range stages {
			out = append(out, s.Name)
		}
		return out
	}

	got, _ := c.Get(ctx, sess.ID)
	if fmt.Sprint(stageNames(got.Stages)) != fmt.Sprint(domain.CanonicalStages) {
		t.Errorf("stages = %v, want %v", stageNames(got.Stages), domain.CanonicalStages)
	}
	for _, s := range got.Stages {
		if s.Status != domain.StatusComplete {
			t.Errorf("stage %s = %s, want complete", s.Name, s.Status)
		}
	}
	if len(got.TrialProgress) != 1 {
		t.Errorf("trial progress = %d entries, want 1", len(got.TrialProgress))
	}

	fresh := createSession(t, c)
	want := []string{domain.StageRank, domain.StageRetrieve}
	if fmt.Sprint(stageNames(fresh.Stages)) != fmt.Sprint(want) {
		t.Errorf("new session stages = %v, want %v", stageNames(fresh.Stages), want)
	}
}
