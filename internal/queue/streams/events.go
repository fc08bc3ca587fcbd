package streams

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammad-safakhou/newsdesk/internal/agent/bus"
	"go.uber.org/zap"
)

// rawPublisher is the subset of Publisher the adapters need.
type rawPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, sessionID string, payload interface{}) (string, error)
}

// RunEvents publishes orchestrator lifecycle events for one session.
type RunEvents struct {
	publisher rawPublisher
	stream    string
	sessionID string
}

// NewRunEvents returns an event publisher writing to stream.
func NewRunEvents(p rawPublisher, stream, sessionID string) *RunEvents {
	return &RunEvents{publisher: p, stream: stream, sessionID: sessionID}
}

func (e *RunEvents) PublishEvent(ctx context.Context, eventType string, payload interface{}) error {
	_, err := e.publisher.PublishRaw(ctx, e.stream, eventType, e.sessionID, payload)
	return err
}

const (
	defaultSinkBuffer  = 256
	sinkPublishTimeout = 5 * time.Second
)

// BusSink forwards message bus events to a stream from a background
// goroutine. Emit never blocks; events beyond the buffer are dropped.
type BusSink struct {
	publisher rawPublisher
	stream    string
	sessionID string
	logger    *zap.Logger

	events  chan bus.Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewBusSink starts the forwarding goroutine. Close must be called to stop it.
func NewBusSink(p rawPublisher, stream, sessionID string, buffer int, logger *zap.Logger) *BusSink {
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BusSink{
		publisher: p,
		stream:    stream,
		sessionID: sessionID,
		logger:    logger.Named("bus_sink"),
		events:    make(chan bus.Event, buffer),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *BusSink) Emit(ctx context.Context, e bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
		recordDropped(ctx)
	}
}

func (s *BusSink) run() {
	defer close(s.done)
	for e := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		if _, err := s.publisher.PublishRaw(ctx, s.stream, EventBus, s.sessionID, e); err != nil {
			s.logger.Debug("bus event not published", zap.String("type", e.Type), zap.Error(err))
		}
		cancel()
	}
}

// Close flushes buffered events and stops the goroutine.
func (s *BusSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events lost to a full buffer.
func (s *BusSink) Dropped() int64 { return s.dropped.Load() }
