package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"github.com/mohammad-safakhou/newsdesk/internal/budget"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunStatus is the coarse state of an orchestrator.
type RunStatus string

const (
	StatusIdle         RunStatus = "IDLE"
	StatusDiscovering  RunStatus = "DISCOVERING"
	StatusProcessing   RunStatus = "PROCESSING"
	StatusSynthesizing RunStatus = "SYNTHESIZING"
	StatusCompleted    RunStatus = "COMPLETED"
	StatusFailed       RunStatus = "FAILED"
)

// Lifecycle events published through Runtime.Events.
const (
	EventStoryCompleted = "story.completed"
	EventRunCompleted   = "run.completed"
)

// RunCompleted is the payload of EventRunCompleted.
type RunCompleted struct {
	SessionID string     `json:"session_id"`
	Date      string     `json:"date"`
	Mode      string     `json:"mode"`
	Summary   RunSummary `json:"summary"`
}

// StoryCompleted is the payload of EventStoryCompleted.
type StoryCompleted struct {
	StoryKey  string   `json:"story_key"`
	Category  string   `json:"category"`
	Headline  string   `json:"headline"`
	Success   bool     `json:"success"`
	Citations int      `json:"citations"`
	Errors    []string `json:"errors,omitempty"`
}

const shutdownTimeout = 10 * time.Second

// Orchestrator drives a daily run: concurrent discovery across categories,
// then per-story processing and synthesis.
type Orchestrator struct {
	rt      *Runtime
	factory *AgentFactory
	parser  *DiscoveryParser
	logger  *zap.Logger

	mu              sync.RWMutex
	status          RunStatus
	stories         []Story
	discoveryErrors map[string]Errors
	discoveryAgents []Agent
	monitor         *budget.Monitor
}

// NewOrchestrator validates rt and loads categories when rt carries none.
func NewOrchestrator(rt *Runtime) (*Orchestrator, error) {
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	if rt.Bus == nil {
		return nil, errors.New("runtime bus is required")
	}
	if rt.Builder == nil {
		return nil, errors.New("runtime agent builder is required")
	}
	if rt.Prompts == nil {
		return nil, errors.New("runtime prompt renderer is required")
	}
	if len(rt.Categories) == 0 {
		path := ""
		if rt.Config != nil {
			path = rt.Config.CategoriesFile
		}
		cats, err := config.LoadCategories(path)
		if err != nil {
			return nil, fmt.Errorf("load categories: %w", err)
		}
		rt.Categories = cats
	}

	var budgetCfg budget.Config
	if rt.Config != nil {
		budgetCfg = budget.FromConfig(rt.Config.Budget)
	}
	if err := budgetCfg.Validate(); err != nil {
		return nil, err
	}

	logger := rt.logger()
	return &Orchestrator{
		rt:              rt,
		factory:         NewAgentFactory(rt.Builder, rt.Bus, logger),
		parser:          NewDiscoveryParser(logger),
		logger:          logger.Named("orchestrator"),
		status:          StatusIdle,
		discoveryErrors: make(map[string]Errors),
		monitor:         budget.NewMonitor(budgetCfg),
	}, nil
}

// Status returns the current run status.
func (o *Orchestrator) Status() RunStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) setStatus(s RunStatus) {
	o.mu.Lock()
	prev := o.status
	o.status = s
	o.mu.Unlock()
	if prev != s {
		o.logger.Debug("status changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Stories returns the stories of the last discovery.
func (o *Orchestrator) Stories() []Story {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Story(nil), o.stories...)
}

// DiscoverAllCategories runs discovery for every configured category
// concurrently. A failing category contributes no stories and an entry in the
// returned error map; it never affects its siblings. Stories keep category
// config order regardless of completion order.
func (o *Orchestrator) DiscoverAllCategories(ctx context.Context, date string) ([]Story, map[string]Errors) {
	o.setStatus(StatusDiscovering)
	ctx, span := o.rt.tracer().Start(ctx, "run.discovery", trace.WithAttributes(
		attribute.String("run.date", date),
		attribute.Int("discovery.categories", len(o.rt.Categories)),
	))
	defer span.End()

	cats := o.rt.Categories
	found := make([][]Story, len(cats))
	errs := make([]Errors, len(cats))

	g, gctx := errgroup.WithContext(ctx)
	for i, cat := range cats {
		i, cat := i, cat
		g.Go(func() error {
			found[i], errs[i] = o.discoverCategory(gctx, date, cat)
			return nil
		})
	}
	_ = g.Wait()

	var stories []Story
	errMap := make(map[string]Errors)
	for i, cat := range cats {
		stories = append(stories, found[i]...)
		if len(errs[i]) > 0 {
			errMap[cat.Key] = errs[i].WithCategory(cat.Key)
			if errs[i].Fatal() {
				span.RecordError(fmt.Errorf("discovery %s: %s", cat.Key, errs[i][0].Error()))
			}
		}
	}
	span.SetAttributes(attribute.Int("discovery.stories", len(stories)))

	o.mu.Lock()
	o.stories = stories
	o.discoveryErrors = errMap
	o.mu.Unlock()

	o.logger.Info("discovery finished", zap.Int("stories", len(stories)), zap.Int("failed_categories", len(errMap)))
	return stories, errMap
}

func (o *Orchestrator) discoverCategory(ctx context.Context, date string, cat config.Category) (stories []Story, errs Errors) {
	logger := o.logger.With(zap.String("category", cat.Key))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("discovery panicked", zap.Any("panic", r))
			stories, errs = nil, append(errs, newError(KindCatastrophic, PhaseDiscovery, "%v", r))
		}
	}()

	ctx, cancel := withTimeout(ctx, o.rt.agentsConfig().DiscoveryTimeout)
	defer cancel()

	fail := func(err error) ([]Story, Errors) {
		logger.Warn("discovery failed", zap.Error(err))
		return nil, Errors{newError(KindAgentCall, PhaseDiscovery, "%v", err)}
	}

	prompt, err := o.rt.Prompts.Render("discovery", map[string]interface{}{
		"date":               date,
		"category_name":      cat.Name,
		"expected":           ExpectedStories,
		"search_terms":       nonNil(cat.SearchTerms),
		"sources":            nonNil(cat.Sources),
		"relevance_criteria": nonNil(cat.RelevanceCriteria),
	})
	if err != nil {
		return fail(err)
	}

	agent, err := o.factory.CreateDiscoveryAgent(ctx, cat.Key)
	if err != nil {
		return fail(err)
	}
	o.mu.Lock()
	o.discoveryAgents = append(o.discoveryAgents, agent)
	o.mu.Unlock()

	resp, err := o.rt.ask(ctx, agent, "discovery", prompt)
	if err != nil {
		return fail(err)
	}
	_ = o.monitor.Add(resp.Usage.CostUSD, resp.Usage.Total())

	stories, errs = o.parser.Parse(resp.Content, cat.Key)
	errs = append(errs, ValidateStoryBatch(stories)...)
	logger.Info("category discovered", zap.Int("stories", len(stories)), zap.Int("issues", len(errs)))
	return stories, errs
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ProcessAllStories analyses every story of the last discovery and
// synthesizes the ones that finished cleanly. Results are keyed by
// Story.Key().
func (o *Orchestrator) ProcessAllStories(ctx context.Context) map[string]StoryResult {
	o.setStatus(StatusProcessing)
	cfg := o.rt.agentsConfig()
	ctx, span := o.rt.tracer().Start(ctx, "run.process", trace.WithAttributes(
		attribute.String("run.mode", cfg.ProcessingMode),
		attribute.Int("run.batch_size", cfg.MaxConcurrentStories),
	))
	defer span.End()

	var pool *AgentPool
	if cfg.ProcessingMode == config.ModeSequential {
		pool = NewAgentPool(o.factory)
		defer func() {
			if err := pool.Close(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn("close agent pool", zap.Error(err))
			}
		}()
	}

	results := make(map[string]StoryResult)
	for _, group := range o.groupByCategory(o.Stories()) {
		for start := 0; start < len(group); start += cfg.MaxConcurrentStories {
			end := start + cfg.MaxConcurrentStories
			if end > len(group) {
				end = len(group)
			}
			batch := group[start:end]

			o.setStatus(StatusProcessing)
			batchResults := o.processBatch(ctx, batch, pool)

			o.setStatus(StatusSynthesizing)
			o.synthesizeBatch(ctx, batchResults)

			for _, r := range batchResults {
				results[r.Story.Key()] = r
				o.publish(ctx, EventStoryCompleted, StoryCompleted{
					StoryKey:  r.Story.Key(),
					Category:  r.Story.Category,
					Headline:  r.Story.DisplayHeadline(),
					Success:   r.Successful(),
					Citations: len(r.Citations),
					Errors:    r.Errors.Strings(),
				})
			}
		}
	}
	span.SetAttributes(attribute.Int("run.processed", len(results)))
	return results
}

// groupByCategory orders stories by category config order. Stories of an
// unknown category follow in first-seen order.
func (o *Orchestrator) groupByCategory(stories []Story) [][]Story {
	byCat := make(map[string][]Story)
	var extra []string
	for _, s := range stories {
		if o.rt.Categories.Index(s.Category) < 0 {
			if _, seen := byCat[s.Category]; !seen {
				extra = append(extra, s.Category)
			}
		}
		byCat[s.Category] = append(byCat[s.Category], s)
	}
	var groups [][]Story
	for _, key := range append(o.rt.Categories.Keys(), extra...) {
		if g, ok := byCat[key]; ok {
			groups = append(groups, g)
		}
	}
	return groups
}

// processBatch runs batch concurrently with fresh agents, or one story at a
// time with pooled agents when pool is set. Results keep batch order.
func (o *Orchestrator) processBatch(ctx context.Context, batch []Story, pool *AgentPool) []StoryResult {
	results := make([]StoryResult, len(batch))
	if pool != nil {
		for i, s := range batch {
			if err := o.monitor.Check(); err != nil {
				results[i] = budgetSkipped(s, err)
				continue
			}
			results[i] = NewPooledStoryProcessor(o.rt, s, pool).Process(ctx)
			o.account(results[i])
		}
		return results
	}

	if err := o.monitor.Check(); err != nil {
		for i, s := range batch {
			results[i] = budgetSkipped(s, err)
		}
		return results
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range batch {
		i, s := i, s
		g.Go(func() error {
			results[i] = NewStoryProcessor(o.rt, s, o.factory).Process(gctx)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		o.account(r)
	}
	return results
}

func budgetSkipped(s Story, err error) StoryResult {
	e := newError(KindBudget, PhaseStory, "%v", err)
	e.Category, e.StoryKey = s.Category, s.Key()
	return StoryResult{Story: s, Context: make(map[string]string), Errors: Errors{e}}
}

func (o *Orchestrator) account(r StoryResult) {
	_ = o.monitor.Add(r.Usage.CostUSD, r.Usage.Total())
}

// synthesizeBatch runs synthesis concurrently for every result without errors.
func (o *Orchestrator) synthesizeBatch(ctx context.Context, results []StoryResult) {
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		if !results[i].Successful() {
			continue
		}
		i := i
		g.Go(func() error {
			before := results[i].Usage
			o.synthesize(gctx, &results[i])
			delta := results[i].Usage
			_ = o.monitor.Add(delta.CostUSD-before.CostUSD, delta.Total()-before.Total())
			return nil
		})
	}
	_ = g.Wait()
}

// RunDailyAnalysis discovers, processes and synthesizes the stories of date.
// It never panics; any unexpected failure yields a failed summary.
func (o *Orchestrator) RunDailyAnalysis(ctx context.Context, date string) (report RunReport) {
	cfg := o.rt.agentsConfig()
	if date == "" {
		loc := time.UTC
		if o.rt.Config != nil {
			loc = o.rt.Config.Scheduler.Location()
		}
		date = time.Now().In(loc).Format("2006-01-02")
	}
	sessionID := o.rt.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	report = RunReport{
		SessionID: sessionID,
		Date:      date,
		Mode:      cfg.ProcessingMode,
		Results:   make(map[string]StoryResult),
		Errors:    make(map[string]Errors),
		StartedAt: time.Now().UTC(),
	}

	ctx, span := o.rt.tracer().Start(ctx, "run.daily_analysis", trace.WithAttributes(
		attribute.String("run.session_id", report.SessionID),
		attribute.String("run.date", date),
		attribute.String("run.mode", cfg.ProcessingMode),
	))
	logger := o.logger.With(zap.String("session_id", report.SessionID))
	logger.Info("daily analysis started", zap.String("date", date), zap.String("mode", cfg.ProcessingMode))

	defer func() {
		if r := recover(); r != nil {
			e := newError(KindCatastrophic, PhaseRun, "%v", r)
			report.Errors[string(PhaseRun)] = append(report.Errors[string(PhaseRun)], e)
			report.Summary = o.summarize(report, RunStatusFailed, e.Error())
			logger.Error("daily analysis panicked", zap.Any("panic", r))
		}
		if report.Summary.Status == RunStatusFailed {
			o.setStatus(StatusFailed)
			span.SetStatus(codes.Error, report.Summary.Message)
		} else {
			o.setStatus(StatusCompleted)
			span.SetStatus(codes.Ok, "completed")
		}
		o.Close(context.WithoutCancel(ctx))
		report.FinishedAt = time.Now().UTC()
		o.finishRun(context.WithoutCancel(ctx), report)
		span.End()
	}()

	stories, discoveryErrs := o.DiscoverAllCategories(ctx, date)
	for cat, errs := range discoveryErrs {
		report.Errors[cat] = errs
	}
	report.TotalStories = len(stories)
	if len(stories) == 0 {
		report.Summary = o.summarize(report, RunStatusFailed, "No stories discovered")
		return report
	}

	report.Results = o.ProcessAllStories(ctx)
	for key, r := range report.Results {
		if len(r.Errors) > 0 {
			report.Errors[key] = r.Errors
		}
	}

	if err := ctx.Err(); err != nil {
		report.Summary = o.summarize(report, RunStatusFailed, fmt.Sprintf("run interrupted: %v", err))
		return report
	}
	report.Summary = o.summarize(report, RunStatusCompleted, "")
	return report
}

func (o *Orchestrator) summarize(report RunReport, status, message string) RunSummary {
	cost, tokens, _ := o.monitor.Usage()
	s := RunSummary{
		Status:     status,
		Message:    message,
		Discovered: report.TotalStories,
		Processed:  len(report.Results),
		CostUSD:    cost,
		Tokens:     tokens,
	}
	for _, r := range report.Results {
		if r.Successful() {
			s.Successful++
		}
		s.TotalCitations += len(r.Citations)
	}
	s.Failed = s.Processed - s.Successful
	return s
}

// finishRun records, persists and announces report. Failures are logged.
func (o *Orchestrator) finishRun(ctx context.Context, report RunReport) {
	o.rt.Telemetry.RecordRun(ctx, telemetry.RunEvent{
		SessionID:  report.SessionID,
		Status:     report.Summary.Status,
		Stories:    report.Summary.Processed,
		Successful: report.Summary.Successful,
		Failed:     report.Summary.Failed,
		Duration:   report.FinishedAt.Sub(report.StartedAt),
		Cost:       report.Summary.CostUSD,
		Tokens:     report.Summary.Tokens,
	})
	if o.rt.Recorder != nil {
		if err := o.rt.Recorder.SaveRun(ctx, report); err != nil {
			o.logger.Error("persist run failed", zap.String("session_id", report.SessionID), zap.Error(err))
		}
	}
	o.publish(ctx, EventRunCompleted, RunCompleted{
		SessionID: report.SessionID,
		Date:      report.Date,
		Mode:      report.Mode,
		Summary:   report.Summary,
	})
	o.logger.Info("daily analysis finished",
		zap.String("session_id", report.SessionID),
		zap.String("status", report.Summary.Status),
		zap.Int("processed", report.Summary.Processed),
		zap.Int("successful", report.Summary.Successful),
		zap.Float64("cost_usd", report.Summary.CostUSD))
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, payload interface{}) {
	if o.rt.Events == nil {
		return
	}
	if err := o.rt.Events.PublishEvent(ctx, eventType, payload); err != nil {
		o.logger.Warn("publish event failed", zap.String("event", eventType), zap.Error(err))
	}
}

// Close unregisters the discovery agents and stops the bus. It is best
// effort: every failure is swallowed.
func (o *Orchestrator) Close(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Debug("shutdown panicked", zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	o.mu.Lock()
	agents := o.discoveryAgents
	o.discoveryAgents = nil
	o.mu.Unlock()
	for _, a := range agents {
		if err := o.factory.Release(ctx, a); err != nil {
			o.logger.Debug("release discovery agent", zap.String("agent", a.Name()), zap.Error(err))
		}
	}
	if err := o.rt.Bus.Stop(ctx); err != nil {
		o.logger.Debug("stop bus", zap.Error(err))
	}
}
