package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"go.uber.org/zap"
)

// ErrBusy is returned by InlineDispatcher when its run slots are taken.
var ErrBusy = errors.New("a run is already in progress")

// Dispatcher hands a resolved run request to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req streams.RunRequest) error
}

// QueueDispatcher publishes requests to the runs stream for a worker.
type QueueDispatcher struct {
	publisher EventPublisher
	stream    string
}

func NewQueueDispatcher(p EventPublisher, stream string) *QueueDispatcher {
	return &QueueDispatcher{publisher: p, stream: stream}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req streams.RunRequest) error {
	if _, err := d.publisher.PublishRaw(ctx, d.stream, streams.EventRunRequested, req.RequestID, req); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}
	return nil
}

// InlineDispatcher executes requests in-process on background goroutines,
// for deployments without Redis.
type InlineDispatcher struct {
	base   context.Context
	exec   Executor
	logger *zap.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewInlineDispatcher runs at most maxRuns analyses at once. Runs inherit
// base, so cancelling it interrupts them.
func NewInlineDispatcher(base context.Context, exec Executor, maxRuns int, logger *zap.Logger) *InlineDispatcher {
	if maxRuns <= 0 {
		maxRuns = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineDispatcher{
		base:   base,
		exec:   exec,
		logger: logger.Named("dispatch"),
		slots:  make(chan struct{}, maxRuns),
	}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, req streams.RunRequest) error {
	select {
	case d.slots <- struct{}{}:
	default:
		return ErrBusy
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		report, err := d.exec.Execute(d.base, req)
		if err != nil {
			d.logger.Error("inline run failed", zap.String("session_id", req.RequestID), zap.Error(err))
			return
		}
		d.logger.Info("inline run finished",
			zap.String("session_id", report.SessionID),
			zap.String("status", report.Summary.Status))
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *InlineDispatcher) Wait() { d.wg.Wait() }
