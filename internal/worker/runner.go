package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/bus"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sinkBuffer = 512

// RunStore is the persistence a run needs.
type RunStore interface {
	core.RunRecorder
	MarkRunStarted(ctx context.Context, sessionID, date, mode string) error
}

// EventPublisher writes raw payloads to a stream.
type EventPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, sessionID string, payload interface{}) (string, error)
}

// Deps are the long-lived collaborators shared by every run. Store, Publisher
// and Fetcher are optional.
type Deps struct {
	Config     *config.Config
	Categories config.Categories
	Builder    core.AgentBuilder
	Prompts    core.PromptRenderer
	Telemetry  *telemetry.Telemetry
	Tracer     trace.Tracer
	Fetcher    core.ArticleFetcher
	Store      RunStore
	Publisher  EventPublisher
	Logger     *zap.Logger
}

// Runner executes daily analyses. Each run gets its own bus and orchestrator,
// since a finished run stops its bus.
type Runner struct {
	deps   Deps
	logger *zap.Logger
	active atomic.Int32
}

func NewRunner(deps Deps) (*Runner, error) {
	if deps.Config == nil {
		return nil, errors.New("runner: config is required")
	}
	if deps.Builder == nil {
		return nil, errors.New("runner: agent builder is required")
	}
	if deps.Prompts == nil {
		return nil, errors.New("runner: prompt renderer is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if len(deps.Categories) == 0 {
		cats, err := config.LoadCategories(deps.Config.CategoriesFile)
		if err != nil {
			return nil, fmt.Errorf("runner: load categories: %w", err)
		}
		deps.Categories = cats
	}
	return &Runner{deps: deps, logger: deps.Logger.Named("runner")}, nil
}

// Active returns the number of runs in flight.
func (r *Runner) Active() int { return int(r.active.Load()) }

// Resolve fills the defaults of req: session id, date and processing mode.
func (r *Runner) Resolve(req streams.RunRequest) (streams.RunRequest, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Date == "" {
		req.Date = r.deps.Config.Scheduler.Today()
	} else if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return req, fmt.Errorf("invalid date %q: want YYYY-MM-DD", req.Date)
	}
	agents := r.deps.Config.Agents
	if req.Mode != "" {
		agents.ProcessingMode = req.Mode
	}
	agents = agents.Normalize()
	if err := agents.Validate(); err != nil {
		return req, err
	}
	req.Mode = agents.ProcessingMode
	return req, nil
}

// Execute runs one daily analysis to completion. The error covers setup only;
// pipeline failures are reported through the returned report.
func (r *Runner) Execute(ctx context.Context, req streams.RunRequest) (core.RunReport, error) {
	req, err := r.Resolve(req)
	if err != nil {
		return core.RunReport{}, err
	}
	cfg := *r.deps.Config
	cfg.Agents.ProcessingMode = req.Mode
	cfg.Agents = cfg.Agents.Normalize()

	logger := r.logger.With(zap.String("session_id", req.RequestID))

	opts := []bus.Option{bus.WithTimeout(cfg.Agents.MessageTimeout)}
	var (
		sink   *streams.BusSink
		events core.EventPublisher
	)
	if r.deps.Publisher != nil {
		stream := cfg.Storage.Redis.EventsStream
		sink = streams.NewBusSink(r.deps.Publisher, stream, req.RequestID, sinkBuffer, logger)
		opts = append(opts, bus.WithSink(sink))
		events = streams.NewRunEvents(r.deps.Publisher, stream, req.RequestID)
	}

	rt := &core.Runtime{
		Config:     &cfg,
		Categories: r.deps.Categories,
		Bus:        bus.New(logger, opts...),
		Builder:    r.deps.Builder,
		Prompts:    r.deps.Prompts,
		Logger:     logger,
		Tracer:     r.deps.Tracer,
		Telemetry:  r.deps.Telemetry,
		Fetcher:    r.deps.Fetcher,
		Events:     events,
		SessionID:  req.RequestID,
	}
	if r.deps.Store != nil {
		rt.Recorder = r.deps.Store
	}

	orch, err := core.NewOrchestrator(rt)
	if err != nil {
		err = fmt.Errorf("build orchestrator: %w", err)
		r.abort(ctx, req, rt.Bus, sink, err, logger)
		return core.RunReport{}, err
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.MarkRunStarted(ctx, req.RequestID, req.Date, req.Mode); err != nil {
			logger.Warn("mark run started failed", zap.Error(err))
		}
	}

	r.active.Add(1)
	defer r.active.Add(-1)
	logger.Info("run starting", zap.String("date", req.Date), zap.String("mode", req.Mode), zap.String("trigger", req.Trigger))
	report := orch.RunDailyAnalysis(ctx, req.Date)

	r.closeSink(ctx, sink, logger)
	return report, nil
}

func (r *Runner) closeSink(ctx context.Context, sink *streams.BusSink, logger *zap.Logger) {
	if sink == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := sink.Close(closeCtx); err != nil {
		logger.Warn("flush bus events failed", zap.Error(err))
	}
	if dropped := sink.Dropped(); dropped > 0 {
		logger.Warn("bus events dropped", zap.Int64("dropped", dropped))
	}
}

// abort releases what Execute set up before the orchestrator existed. The run
// may already be recorded as running by the submitter, so it is saved as
// failed.
func (r *Runner) abort(ctx context.Context, req streams.RunRequest, b *bus.Bus, sink *streams.BusSink, cause error, logger *zap.Logger) {
	logger.Error("run setup failed", zap.Error(cause))
	_ = b.Stop(context.WithoutCancel(ctx))
	r.closeSink(ctx, sink, logger)
	if r.deps.Store == nil {
		return
	}
	now := time.Now().UTC()
	report := core.RunReport{
		SessionID:  req.RequestID,
		Date:       req.Date,
		Mode:       req.Mode,
		Results:    map[string]core.StoryResult{},
		Errors:     map[string]core.Errors{},
		Summary:    core.RunSummary{Status: core.RunStatusFailed, Message: "Run failed: " + cause.Error()},
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := r.deps.Store.SaveRun(context.WithoutCancel(ctx), report); err != nil {
		logger.Warn("record failed run", zap.Error(err))
	}
}
