package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/prompts"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// downAgent fails every message, as an unreachable provider would.
type downAgent struct{ name string }

func (a *downAgent) Name() string { return a.name }
func (a *downAgent) StartConversation(context.Context, string) (string, error) {
	return a.name + "-conv", nil
}
func (a *downAgent) SendMessage(context.Context, string, string) (core.Response, error) {
	return core.Response{}, errors.New("provider unavailable")
}
func (a *downAgent) EndConversation(_ context.Context, id string) (core.ConversationStats, error) {
	return core.ConversationStats{ConversationID: id}, nil
}
func (a *downAgent) Reset(context.Context) error { return nil }

type downBuilder struct{}

func (downBuilder) Build(_ context.Context, name string, _ core.AgentOptions) (core.Agent, error) {
	return &downAgent{name: name}, nil
}

type memStore struct {
	mu      sync.Mutex
	started []string
	saved   []core.RunReport
}

func (s *memStore) MarkRunStarted(_ context.Context, sessionID, date, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, sessionID+"|"+date+"|"+mode)
	return nil
}

func (s *memStore) SaveRun(_ context.Context, report core.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, report)
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []string
	last   interface{}
}

func (p *memPublisher) PublishRaw(_ context.Context, stream, eventType, sessionID string, payload interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, stream+"|"+eventType+"|"+sessionID)
	p.last = payload
	return "1-0", nil
}

func (p *memPublisher) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

func newRunner(t *testing.T, st RunStore, pub EventPublisher) *Runner {
	t.Helper()
	renderer, err := prompts.Default()
	require.NoError(t, err)
	cfg := &config.Config{
		Agents: config.AgentsConfig{ProcessingMode: config.ModeParallel}.Normalize(),
		Storage: config.StorageConfig{Redis: config.RedisConfig{EventsStream: "newsdesk:events"}},
	}
	deps := Deps{
		Config:     cfg,
		Categories: config.DefaultCategories(),
		Builder:    downBuilder{},
		Prompts:    renderer,
		Logger:     zap.NewNop(),
	}
	if st != nil {
		deps.Store = st
	}
	if pub != nil {
		deps.Publisher = pub
	}
	r, err := NewRunner(deps)
	require.NoError(t, err)
	return r
}

func TestRunnerResolve(t *testing.T) {
	r := newRunner(t, nil, nil)

	req, err := r.Resolve(streams.RunRequest{Trigger: "cli"})
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
	assert.Len(t, req.Date, 10)
	assert.Equal(t, config.ModeParallel, req.Mode)

	req, err = r.Resolve(streams.RunRequest{RequestID: "x", Date: "2026-10-18", Mode: "Sequential"})
	require.NoError(t, err)
	assert.Equal(t, "x", req.RequestID)
	assert.Equal(t, config.ModeSequential, req.Mode)

	_, err = r.Resolve(streams.RunRequest{Date: "18/10/2026"})
	assert.Error(t, err)
	_, err = r.Resolve(streams.RunRequest{Mode: "batch"})
	assert.Error(t, err)
}

func TestNewRunnerRequiresCollaborators(t *testing.T) {
	_, err := NewRunner(Deps{})
	assert.Error(t, err)
	_, err = NewRunner(Deps{Config: &config.Config{}, Builder: downBuilder{}})
	assert.Error(t, err)
}

func TestRunnerExecutePersistsAndPublishes(t *testing.T) {
	st := &memStore{}
	pub := &memPublisher{}
	r := newRunner(t, st, pub)

	report, err := r.Execute(context.Background(), streams.RunRequest{RequestID: "sess-1", Date: "2026-10-18", Trigger: "api"})
	require.NoError(t, err)

	assert.Equal(t, "sess-1", report.SessionID)
	assert.Equal(t, core.RunStatusFailed, report.Summary.Status)
	assert.Equal(t, "No stories discovered", report.Summary.Message)
	assert.Equal(t, []string{"sess-1|2026-10-18|parallel"}, st.started)
	require.Len(t, st.saved, 1)
	assert.Equal(t, "sess-1", st.saved[0].SessionID)
	assert.True(t, pub.has("newsdesk:events|"+core.EventRunCompleted+"|sess-1"))
	assert.Equal(t, 0, r.Active())
}

type execStub struct {
	mu    sync.Mutex
	reqs  []streams.RunRequest
	err   error
	gate  chan struct{}
	calls chan struct{}
}

func (e *execStub) Execute(ctx context.Context, req streams.RunRequest) (core.RunReport, error) {
	if e.calls != nil {
		e.calls <- struct{}{}
	}
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return core.RunReport{SessionID: req.RequestID, Summary: core.RunSummary{Status: core.RunStatusCompleted}}, e.err
}

func (e *execStub) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, r := range e.reqs {
		ids = append(ids, r.RequestID)
	}
	return ids
}

type sourceStub struct {
	mu      sync.Mutex
	batches [][]streams.Message
	claimed []streams.Message
	acked   []string
	drained chan struct{}
}

func (s *sourceStub) Read(ctx context.Context, _ string, _ int64, _ time.Duration) ([]streams.Message, error) {
	s.mu.Lock()
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	select {
	case s.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *sourceStub) Ack(_ context.Context, _ string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *sourceStub) AutoClaim(context.Context, string, time.Duration, int64) ([]streams.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.claimed
	s.claimed = nil
	return out, nil
}

func (s *sourceStub) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func requestMessage(t *testing.T, id string, req streams.RunRequest) streams.Message {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return streams.Message{ID: id, Envelope: streams.Envelope{
		EventID: id, EventType: streams.EventRunRequested, PayloadVersion: streams.Version, Data: data,
	}}
}

type lookupStub map[string]string

func (l lookupStub) GetRun(_ context.Context, id string) (store.RunRecord, bool, error) {
	status, ok := l[id]
	return store.RunRecord{SessionID: id, Status: status}, ok, nil
}

func TestProcessorExecutesAndAcks(t *testing.T) {
	src := &sourceStub{
		claimed: []streams.Message{requestMessage(t, "0-1", streams.RunRequest{RequestID: "abandoned", Trigger: "schedule"})},
		batches: [][]streams.Message{
			{requestMessage(t, "1-1", streams.RunRequest{RequestID: "fresh", Trigger: "api"})},
			{requestMessage(t, "1-2", streams.RunRequest{RequestID: "done", Trigger: "api"})},
			{{ID: "1-3", Envelope: streams.Envelope{EventType: streams.EventRunRequested, Data: json.RawMessage(`"oops"`)}}},
		},
		drained: make(chan struct{}, 1),
	}
	exec := &execStub{}
	p := NewProcessor(zap.NewNop(), src, exec, "newsdesk:runs",
		WithRunLookup(lookupStub{"fresh": store.RunStatusRunning, "done": core.RunStatusCompleted}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	select {
	case <-src.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not drain the stream")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"abandoned", "fresh"}, exec.seen())
	assert.Equal(t, []string{"0-1", "1-1", "1-2", "1-3"}, src.ackedIDs())
}

func TestProcessorLeavesInterruptedRunPending(t *testing.T) {
	src := &sourceStub{
		batches: [][]streams.Message{{requestMessage(t, "2-1", streams.RunRequest{RequestID: "long", Trigger: "api"})}},
		drained: make(chan struct{}, 1),
	}
	exec := &execStub{gate: make(chan struct{}), calls: make(chan struct{}, 1)}
	p := NewProcessor(zap.NewNop(), src, exec, "newsdesk:runs")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	<-exec.calls
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, src.ackedIDs())
}

func TestInlineDispatcher(t *testing.T) {
	exec := &execStub{gate: make(chan struct{}), calls: make(chan struct{}, 2)}
	d := NewInlineDispatcher(context.Background(), exec, 1, zap.NewNop())

	require.NoError(t, d.Dispatch(context.Background(), streams.RunRequest{RequestID: "a"}))
	<-exec.calls
	assert.ErrorIs(t, d.Dispatch(context.Background(), streams.RunRequest{RequestID: "b"}), ErrBusy)

	close(exec.gate)
	d.Wait()
	assert.Equal(t, []string{"a"}, exec.seen())

	require.NoError(t, d.Dispatch(context.Background(), streams.RunRequest{RequestID: "c"}))
	d.Wait()
	assert.Equal(t, []string{"a", "c"}, exec.seen())
}

func TestQueueDispatcher(t *testing.T) {
	pub := &memPublisher{}
	d := NewQueueDispatcher(pub, "newsdesk:runs")
	req := streams.RunRequest{RequestID: "r-1", Trigger: "api"}
	require.NoError(t, d.Dispatch(context.Background(), req))
	assert.True(t, pub.has("newsdesk:runs|run.requested|r-1"))
	assert.Equal(t, req, pub.last)
}

func TestRunnerExecuteReleasesSetupOnOrchestratorError(t *testing.T) {
	st := &memStore{}
	pub := &memPublisher{}
	r := newRunner(t, st, pub)
	r.deps.Config.Budget.MaxCostUSD = -1

	_, err := r.Execute(context.Background(), streams.RunRequest{RequestID: "sess-bad", Date: "2026-10-18", Trigger: "api"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build orchestrator")

	assert.Empty(t, st.started, "a run that never starts is not marked running")
	require.Len(t, st.saved, 1)
	assert.Equal(t, "sess-bad", st.saved[0].SessionID)
	assert.Equal(t, core.RunStatusFailed, st.saved[0].Summary.Status)
	assert.Contains(t, st.saved[0].Summary.Message, "max_cost cannot be negative")
	assert.Equal(t, 0, r.Active())
}
