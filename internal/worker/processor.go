package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	readBlock      = 5 * time.Second
	defaultMinIdle = 30 * time.Minute
)

// Executor runs one requested analysis.
type Executor interface {
	Execute(ctx context.Context, req streams.RunRequest) (core.RunReport, error)
}

// RunLookup reports whether a run has already finished.
type RunLookup interface {
	GetRun(ctx context.Context, sessionID string) (store.RunRecord, bool, error)
}

// Source is the consumer-group view of the runs stream.
type Source interface {
	Read(ctx context.Context, stream string, count int64, block time.Duration) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]streams.Message, error)
}

// Processor consumes run.requested events and executes them one at a time.
type Processor struct {
	logger   *zap.Logger
	source   Source
	exec     Executor
	runs     RunLookup
	stream   string
	minIdle  time.Duration
	tracer   trace.Tracer
	idleWait time.Duration
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithRunLookup enables skipping runs that already finished.
func WithRunLookup(l RunLookup) ProcessorOption {
	return func(p *Processor) { p.runs = l }
}

// WithClaimIdle sets how long a delivered request may stay unacknowledged
// before another worker takes it over.
func WithClaimIdle(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.minIdle = d
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

func NewProcessor(logger *zap.Logger, source Source, exec Executor, stream string, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		logger:   logger.Named("worker"),
		source:   source,
		exec:     exec,
		stream:   stream,
		minIdle:  defaultMinIdle,
		tracer:   otel.Tracer("newsdesk/internal/worker"),
		idleWait: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	metricsOnce    sync.Once
	runsCounter    otelmetric.Int64Counter
	skippedCounter otelmetric.Int64Counter
	claimedCounter otelmetric.Int64Counter
)

func initWorkerMetrics() {
	meter := otel.Meter("newsdesk/worker")
	runsCounter, _ = meter.Int64Counter("worker_runs_processed_total")
	skippedCounter, _ = meter.Int64Counter("worker_runs_skipped_total")
	claimedCounter, _ = meter.Int64Counter("worker_runs_reclaimed_total")
}

// Start blocks, processing run requests until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	metricsOnce.Do(initWorkerMetrics)
	p.logger.Info("worker processor starting", zap.String("stream", p.stream))
	p.resumePending(ctx)

	for {
		if ctx.Err() != nil {
			p.logger.Info("worker processor stopping", zap.Error(ctx.Err()))
			return nil
		}
		msgs, err := p.source.Read(ctx, p.stream, 1, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("read stream failed", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		for _, msg := range msgs {
			p.handle(ctx, msg)
		}
	}
}

// resumePending takes over requests abandoned by crashed workers.
func (p *Processor) resumePending(ctx context.Context) {
	msgs, err := p.source.AutoClaim(ctx, p.stream, p.minIdle, 16)
	if err != nil {
		p.logger.Warn("reclaim pending runs failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		if claimedCounter != nil {
			claimedCounter.Add(ctx, 1)
		}
		p.logger.Info("resuming abandoned run request", zap.String("message_id", msg.ID))
		p.handle(ctx, msg)
	}
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) {
	if err := p.process(ctx, msg); err != nil {
		p.logger.Error("run request failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	// A cancelled run stays pending so another worker can reclaim it.
	if ctx.Err() != nil {
		return
	}
	if err := p.source.Ack(ctx, p.stream, msg.ID); err != nil {
		p.logger.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (p *Processor) process(ctx context.Context, msg streams.Message) error {
	var req streams.RunRequest
	if err := msg.Envelope.Decode(&req); err != nil {
		return fmt.Errorf("decode run request: %w", err)
	}
	ctx, span := p.tracer.Start(ctx, "worker.handle_run", trace.WithAttributes(
		attribute.String("run.session_id", req.RequestID),
		attribute.String("run.trigger", req.Trigger),
	))
	defer span.End()

	if p.runs != nil {
		rec, found, err := p.runs.GetRun(ctx, req.RequestID)
		if err != nil {
			p.logger.Warn("lookup run failed", zap.String("session_id", req.RequestID), zap.Error(err))
		} else if found && rec.Status != store.RunStatusRunning {
			if skippedCounter != nil {
				skippedCounter.Add(ctx, 1)
			}
			p.logger.Info("skip finished run", zap.String("session_id", req.RequestID), zap.String("status", rec.Status))
			return nil
		}
	}

	report, err := p.exec.Execute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if runsCounter != nil {
		runsCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", report.Summary.Status)))
	}
	span.SetAttributes(attribute.String("run.status", report.Summary.Status))
	return nil
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.idleWait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
