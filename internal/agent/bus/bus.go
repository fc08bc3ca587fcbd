// Package bus is the runtime message bus: a registry of live agents plus
// timed delivery of calls to them.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	ErrAgentNotFound  = errors.New("agent not registered")
	ErrTimeout        = errors.New("message delivery timed out")
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrStopped        = errors.New("message bus stopped")
)

// Event types emitted to the sink.
const (
	EventRegistered   = "agent.registered"
	EventUnregistered = "agent.unregistered"
	EventDelivered    = "message.delivered"
	EventFailed       = "message.failed"
)

// Participant is anything addressable on the bus.
type Participant interface {
	Name() string
}

// Event describes one bus occurrence.
type Event struct {
	Type     string        `json:"type"`
	Agent    string        `json:"agent"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// EventSink receives bus events. Emit must not block for long.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Registered int   `json:"registered"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	TimedOut   int64 `json:"timed_out"`
	InFlight   int64 `json:"in_flight"`
}

// Bus is safe for concurrent use.
type Bus struct {
	logger  *zap.Logger
	timeout time.Duration
	sink    EventSink

	mu       sync.RWMutex
	agents   map[string]Participant
	stopped  bool
	stats    Stats
	inFlight sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithTimeout bounds every delivery. Zero means no per-call limit.
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithSink forwards bus events to sink.
func WithSink(sink EventSink) Option {
	return func(b *Bus) { b.sink = sink }
}

// New creates a running bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{logger: logger.Named("bus"), agents: make(map[string]Participant)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds p under p.Name().
func (b *Bus) Register(ctx context.Context, p Participant) error {
	name := p.Name()
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	if _, exists := b.agents[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, name)
	}
	b.agents[name] = p
	b.mu.Unlock()

	b.logger.Debug("agent registered", zap.String("agent", name))
	b.emit(ctx, Event{Type: EventRegistered, Agent: name})
	return nil
}

// Unregister removes name. Unknown names return ErrAgentNotFound.
func (b *Bus) Unregister(ctx context.Context, name string) error {
	b.mu.Lock()
	if _, ok := b.agents[name]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	delete(b.agents, name)
	b.mu.Unlock()

	b.logger.Debug("agent unregistered", zap.String("agent", name))
	b.emit(ctx, Event{Type: EventUnregistered, Agent: name})
	return nil
}

// Lookup returns the participant registered as name.
func (b *Bus) Lookup(name string) (Participant, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.agents[name]
	return p, ok
}

// Registered returns the number of live participants.
func (b *Bus) Registered() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.agents)
}

// Deliver runs call on behalf of the participant named to. The call gets a
// context bounded by the bus timeout; when the timeout fires first the call is
// abandoned and ErrTimeout returned.
func (b *Bus) Deliver(ctx context.Context, to string, call func(ctx context.Context) error) error {
	_, err := Call(ctx, b, to, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	})
	return err
}

type outcome[T any] struct {
	val T
	err error
}

// Call is Deliver for calls that produce a value. An abandoned call's late
// result is discarded.
func Call[T any](ctx context.Context, b *Bus, to string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return zero, ErrStopped
	}
	if _, ok := b.agents[to]; !ok {
		b.mu.Unlock()
		return zero, fmt.Errorf("%w: %s", ErrAgentNotFound, to)
	}
	b.stats.InFlight++
	b.inFlight.Add(1)
	b.mu.Unlock()

	busMetricsOnce.Do(initBusMetrics)
	start := time.Now()
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer b.inFlight.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("agent %s panicked: %v", to, r)}
			}
		}()
		v, err := call(callCtx)
		done <- outcome[T]{val: v, err: err}
	}()

	var res outcome[T]
	select {
	case res = <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.err = fmt.Errorf("%w after %s: %s", ErrTimeout, b.timeout, to)
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res.err = ctx.Err()
		} else {
			res.err = fmt.Errorf("%w after %s: %s", ErrTimeout, b.timeout, to)
		}
	}
	cancel()
	b.finish(ctx, to, time.Since(start), res.err)
	if res.err != nil {
		return zero, res.err
	}
	return res.val, nil
}

func (b *Bus) finish(ctx context.Context, to string, elapsed time.Duration, err error) {
	b.mu.Lock()
	b.stats.InFlight--
	switch {
	case err == nil:
		b.stats.Delivered++
	case errors.Is(err, ErrTimeout):
		b.stats.TimedOut++
		b.stats.Failed++
	default:
		b.stats.Failed++
	}
	b.mu.Unlock()

	attrs := otelmetric.WithAttributes(attribute.Bool("success", err == nil))
	if busDeliveries != nil {
		busDeliveries.Add(ctx, 1, attrs)
	}
	if busLatency != nil {
		busLatency.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		b.logger.Debug("delivery failed", zap.String("agent", to), zap.Duration("elapsed", elapsed), zap.Error(err))
		b.emit(ctx, Event{Type: EventFailed, Agent: to, Duration: elapsed, Error: err.Error()})
		return
	}
	b.emit(ctx, Event{Type: EventDelivered, Agent: to, Duration: elapsed})
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.Registered = len(b.agents)
	return s
}

// Stop rejects further registrations and deliveries, drops every participant
// and waits for in-flight calls until ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.stopped = true
	remaining := len(b.agents)
	b.agents = make(map[string]Participant)
	b.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("stop bus: %w", ctx.Err())
	}
	b.logger.Info("bus stopped", zap.Int("dropped_agents", remaining))
	return nil
}

func (b *Bus) emit(ctx context.Context, e Event) {
	if b.sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.sink.Emit(ctx, e)
}
