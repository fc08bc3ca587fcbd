package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/mohammad-safakhou/newsdesk/internal/runtime"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
	"github.com/mohammad-safakhou/newsdesk/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSecret = []byte("test-secret")

type fakeStore struct {
	mu       sync.Mutex
	started  []string
	runs     map[string]store.RunRecord
	stories  []store.StoryRecord
	lastList store.ListFilter
	lastCats []string
	err      error
}

func (s *fakeStore) MarkRunStarted(_ context.Context, sessionID, date, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, sessionID+"|"+date+"|"+mode)
	return s.err
}

func (s *fakeStore) GetRun(_ context.Context, id string) (store.RunRecord, bool, error) {
	rec, ok := s.runs[id]
	return rec, ok, s.err
}

func (s *fakeStore) ListRuns(_ context.Context, f store.ListFilter) ([]store.RunRecord, error) {
	s.lastList = f
	var out []store.RunRecord
	for _, r := range s.runs {
		out = append(out, r)
	}
	return out, s.err
}

func (s *fakeStore) ListStories(_ context.Context, _ string, categories ...string) ([]store.StoryRecord, error) {
	s.lastCats = categories
	return s.stories, s.err
}

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []streams.RunRequest
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req streams.RunRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

// staticResolver mirrors worker.Runner.Resolve with fixed defaults.
type staticResolver struct{}

func (staticResolver) Resolve(req streams.RunRequest) (streams.RunRequest, error) {
	if req.RequestID == "" {
		req.RequestID = "generated"
	}
	if req.Date == "" {
		req.Date = "2026-10-18"
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return req, err
	}
	switch req.Mode {
	case "":
		req.Mode = config.ModeParallel
	case config.ModeParallel, config.ModeSequential:
	default:
		return req, errors.New("unknown mode")
	}
	return req, nil
}

type fixture struct {
	e     *echo.Echo
	store *fakeStore
	disp  *fakeDispatcher
}

func newFixture(t *testing.T, secret []byte) fixture {
	t.Helper()
	st := &fakeStore{runs: map[string]store.RunRecord{}}
	disp := &fakeDispatcher{}
	cfg := &config.Config{Storage: config.StorageConfig{Redis: config.RedisConfig{RunsStream: "newsdesk:runs", WorkerGroup: "g"}}}
	e, err := New(Deps{
		Config:    cfg,
		Store:     st,
		Submitter: NewSubmitter(staticResolver{}, st, disp),
		Secret:    secret,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return fixture{e: e, store: st, disp: disp}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := runtime.SignJWT("editor", testSecret, time.Hour, scopes...)
	require.NoError(t, err)
	return tok
}

func (f fixture) do(method, path, body, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if tok != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	f := newFixture(t, testSecret)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "", "").Code)
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t, testSecret)

	rec := f.do(http.MethodPost, "/api/runs", `{"date":"2026-10-17","mode":"sequential"}`, token(t, runtime.ScopeRunsWrite))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp createRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, createRunResponse{SessionID: "generated", Date: "2026-10-17", Mode: "sequential", Status: "running"}, resp)
	assert.Equal(t, []string{"generated|2026-10-17|sequential"}, f.store.started)
	require.Len(t, f.disp.reqs, 1)
	assert.Equal(t, "api", f.disp.reqs[0].Trigger)
}

func TestCreateRunErrors(t *testing.T) {
	write := token(t, runtime.ScopeRunsWrite)
	cases := []struct {
		name    string
		body    string
		tok     string
		prepare func(f fixture)
		code    int
	}{
		{name: "no token", body: `{}`, code: http.StatusUnauthorized},
		{name: "read scope only", body: `{}`, tok: token(t, runtime.ScopeRunsRead), code: http.StatusForbidden},
		{name: "bad date", body: `{"date":"yesterday"}`, tok: write, code: http.StatusBadRequest},
		{name: "bad mode", body: `{"mode":"batch"}`, tok: write, code: http.StatusBadRequest},
		{name: "malformed body", body: `{"date":`, tok: write, code: http.StatusBadRequest},
		{name: "busy", body: `{}`, tok: write, prepare: func(f fixture) { f.disp.err = worker.ErrBusy }, code: http.StatusConflict},
		{name: "queue down", body: `{}`, tok: write, prepare: func(f fixture) { f.disp.err = errors.New("redis down") }, code: http.StatusServiceUnavailable},
		{name: "store down", body: `{}`, tok: write, prepare: func(f fixture) { f.store.err = errors.New("pg down") }, code: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testSecret)
			if tc.prepare != nil {
				tc.prepare(f)
			}
			rec := f.do(http.MethodPost, "/api/runs", tc.body, tc.tok)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestListAndGetRuns(t *testing.T) {
	f := newFixture(t, testSecret)
	read := token(t, runtime.ScopeRunsRead)
	f.store.runs["s1"] = store.RunRecord{SessionID: "s1", RunDate: "2026-10-18", Status: core.RunStatusCompleted}
	f.store.stories = []store.StoryRecord{{SessionID: "s1", StoryKey: "science_1", Category: "science"}}

	rec := f.do(http.MethodGet, "/api/runs?status=completed,failed&status=running&limit=5&offset=10", "", read)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.ListFilter{Statuses: []string{"completed", "failed", "running"}, Limit: 5, Offset: 10}, f.store.lastList)
	assert.Contains(t, rec.Body.String(), `"session_id":"s1"`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/runs?limit=-1", "", read).Code)

	rec = f.do(http.MethodGet, "/api/runs/s1?category=science", "", read)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail runDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "s1", detail.Run.SessionID)
	require.Len(t, detail.Stories, 1)
	assert.Equal(t, []string{"science"}, f.store.lastCats)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/runs/missing", "", read).Code)
}

func TestQueueWithoutRedis(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/queue", "", "").Code)
}

func TestOpenAPIWithoutSecret(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/runs", `{}`, "").Code)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Config: &config.Config{}})
	assert.Error(t, err)
}

// lockStub implements the single redis command the scheduler uses.
type lockStub struct {
	redis.Cmdable
	mu    sync.Mutex
	taken map[string]time.Duration
}

func (l *lockStub) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.taken[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	l.taken[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestSchedulerNextUsesTimezone(t *testing.T) {
	disp := &fakeDispatcher{}
	s, err := NewScheduler(config.SchedulerConfig{Cron: "0 7 * * *", Timezone: "Europe/Athens"},
		NewSubmitter(staticResolver{}, nil, disp), nil, zap.NewNop())
	require.NoError(t, err)

	athens, err := time.LoadLocation("Europe/Athens")
	require.NoError(t, err)
	next := s.Next(time.Date(2026, 10, 18, 8, 0, 0, 0, athens))
	assert.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, athens), next.In(athens))

	_, err = NewScheduler(config.SchedulerConfig{Cron: "not a cron"}, NewSubmitter(staticResolver{}, nil, disp), nil, nil)
	assert.Error(t, err)
}

func TestSchedulerFireTakesLockOnce(t *testing.T) {
	st := &fakeStore{}
	disp := &fakeDispatcher{}
	locker := &lockStub{taken: map[string]time.Duration{}}
	s, err := NewScheduler(config.SchedulerConfig{Cron: "@daily", Timezone: "UTC", LockTTL: time.Hour},
		NewSubmitter(staticResolver{}, st, disp), locker, zap.NewNop())
	require.NoError(t, err)

	at := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	fired, err := s.Fire(context.Background(), at)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = s.Fire(context.Background(), at)
	require.NoError(t, err)
	assert.False(t, fired)

	require.Len(t, disp.reqs, 1)
	assert.Equal(t, "schedule", disp.reqs[0].Trigger)
	assert.Equal(t, "2026-10-18", disp.reqs[0].Date)
	assert.Equal(t, time.Hour, locker.taken[lockKeyPrefix+"2026-10-18T00:00"])
	assert.Len(t, st.started, 1)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	s, err := NewScheduler(config.SchedulerConfig{Cron: "0 7 * * *"}, NewSubmitter(staticResolver{}, nil, &fakeDispatcher{}), nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
