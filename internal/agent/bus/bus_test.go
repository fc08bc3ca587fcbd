package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type named string

func (n named) Name() string { return string(n) }

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterLookupUnregister(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	b := New(zap.NewNop(), WithSink(sink))

	require.NoError(t, b.Register(ctx, named("greek_context_x")))
	err := b.Register(ctx, named("greek_context_x"))
	require.True(t, errors.Is(err, ErrDuplicateAgent))

	p, ok := b.Lookup("greek_context_x")
	require.True(t, ok)
	assert.Equal(t, "greek_context_x", p.Name())
	assert.Equal(t, 1, b.Registered())

	require.NoError(t, b.Unregister(ctx, "greek_context_x"))
	require.True(t, errors.Is(b.Unregister(ctx, "greek_context_x"), ErrAgentNotFound))
	assert.Equal(t, []string{EventRegistered, EventUnregistered}, sink.types())
}

func TestDeliverSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	require.NoError(t, b.Register(ctx, named("a")))

	called := false
	require.NoError(t, b.Deliver(ctx, "a", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)

	boom := errors.New("provider down")
	err := b.Deliver(ctx, "a", func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	err = b.Deliver(ctx, "missing", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrAgentNotFound)

	stats := b.Stats()
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 0, stats.InFlight)
}

func TestDeliverTimeout(t *testing.T) {
	ctx := context.Background()
	b := New(nil, WithTimeout(20*time.Millisecond))
	require.NoError(t, b.Register(ctx, named("slow")))

	err := b.Deliver(ctx, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.EqualValues(t, 1, b.Stats().TimedOut)
	require.NoError(t, b.Stop(ctx))
}

func TestStopRejectsFurtherWork(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	require.NoError(t, b.Register(ctx, named("a")))
	require.NoError(t, b.Stop(ctx))

	assert.Equal(t, 0, b.Registered())
	require.ErrorIs(t, b.Register(ctx, named("b")), ErrStopped)
	require.ErrorIs(t, b.Deliver(ctx, "a", func(context.Context) error { return nil }), ErrStopped)
	require.ErrorIs(t, b.Stop(ctx), ErrStopped)
}

func TestCallReturnsValue(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	require.NoError(t, b.Register(ctx, named("a")))

	v, err := Call(ctx, b, "a", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
