package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newsdesk/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Telemetry provides in-process metrics and cost tracking for agent calls,
// stories and runs. Every event is also mirrored to OpenTelemetry instruments.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *zap.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64

	// Story metrics
	StoriesProcessed   int64
	StoriesSuccessful  int64
	AverageStoryTime   time.Duration
	CitationsCollected int64

	// Agent metrics
	AgentCalls        map[string]int64
	AgentFailures     map[string]int64
	AgentAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64
}

// CostTracker tracks costs across providers, models and agent roles.
type CostTracker struct {
	ProviderCosts map[string]float64
	ModelCosts    map[string]float64
	RoleCosts     map[string]float64

	TotalCost        float64
	TotalTokens      int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// AgentCallEvent describes one LLM round trip made by an agent.
type AgentCallEvent struct {
	Agent            string
	Role             string
	Provider         string
	Model            string
	StartTime        time.Time
	Duration         time.Duration
	Success          bool
	Error            string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Cost             float64
}

// StoryEvent describes one processed story.
type StoryEvent struct {
	StoryKey  string
	Category  string
	Success   bool
	Errors    int
	Citations int
	Duration  time.Duration
	Cost      float64
}

// RunEvent describes one finished daily run.
type RunEvent struct {
	SessionID  string
	Status     string
	Stories    int
	Successful int
	Failed     int
	Duration   time.Duration
	Cost       float64
	Tokens     int64
}

var (
	instrumentsOnce sync.Once
	llmCalls        otelmetric.Int64Counter
	llmTokens       otelmetric.Int64Counter
	llmCost         otelmetric.Float64Counter
	llmLatency      otelmetric.Float64Histogram
	storiesTotal    otelmetric.Int64Counter
	storyDuration   otelmetric.Float64Histogram
	runsTotal       otelmetric.Int64Counter
)

func initInstruments() {
	meter := otel.Meter("newsdesk/agent/telemetry")
	var err error
	warn := func(name string, err error) {
		if err != nil {
			zap.L().Warn("telemetry instrument init", zap.String("instrument", name), zap.Error(err))
		}
	}
	llmCalls, err = meter.Int64Counter("llm_calls_total", otelmetric.WithDescription("LLM calls made by agents"))
	warn("llm_calls_total", err)
	llmTokens, err = meter.Int64Counter("llm_tokens_total", otelmetric.WithDescription("Tokens consumed by LLM calls"))
	warn("llm_tokens_total", err)
	llmCost, err = meter.Float64Counter("llm_cost_usd_total", otelmetric.WithDescription("Estimated USD spent on LLM calls"))
	warn("llm_cost_usd_total", err)
	llmLatency, err = meter.Float64Histogram("llm_call_seconds", otelmetric.WithDescription("LLM call latency"), otelmetric.WithUnit("s"))
	warn("llm_call_seconds", err)
	storiesTotal, err = meter.Int64Counter("stories_processed_total", otelmetric.WithDescription("Stories processed by the pipeline"))
	warn("stories_processed_total", err)
	storyDuration, err = meter.Float64Histogram("story_processing_seconds", otelmetric.WithDescription("Per-story processing time"), otelmetric.WithUnit("s"))
	warn("story_processing_seconds", err)
	runsTotal, err = meter.Int64Counter("analysis_runs_total", otelmetric.WithDescription("Daily analysis runs by status"))
	warn("analysis_runs_total", err)
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig, logger *zap.Logger) *Telemetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	instrumentsOnce.Do(initInstruments)
	return &Telemetry{
		config: cfg,
		logger: logger.Named("telemetry"),
		metrics: &Metrics{
			AgentCalls:        make(map[string]int64),
			AgentFailures:     make(map[string]int64),
			AgentAverageTimes: make(map[string]time.Duration),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
		},
		costTracker: &CostTracker{
			ProviderCosts: make(map[string]float64),
			ModelCosts:    make(map[string]float64),
			RoleCosts:     make(map[string]float64),
		},
	}
}

// RecordAgentCall records an LLM round trip.
func (t *Telemetry) RecordAgentCall(ctx context.Context, event AgentCallEvent) {
	if t == nil {
		return
	}
	tokens := event.InputTokens + event.OutputTokens
	attrs := otelmetric.WithAttributes(
		attribute.String("provider", event.Provider),
		attribute.String("model", event.Model),
		attribute.String("role", event.Role),
		attribute.Bool("success", event.Success),
	)
	if llmCalls != nil {
		llmCalls.Add(ctx, 1, attrs)
	}
	if llmTokens != nil && tokens > 0 {
		llmTokens.Add(ctx, tokens, attrs)
	}
	if llmCost != nil && event.Cost > 0 {
		llmCost.Add(ctx, event.Cost, attrs)
	}
	if llmLatency != nil {
		llmLatency.Record(ctx, event.Duration.Seconds(), attrs)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	role := event.Role
	t.metrics.AgentCalls[role]++
	if !event.Success {
		t.metrics.AgentFailures[role]++
	}
	calls := t.metrics.AgentCalls[role]
	if calls == 1 {
		t.metrics.AgentAverageTimes[role] = event.Duration
	} else {
		total := t.metrics.AgentAverageTimes[role] * time.Duration(calls-1)
		t.metrics.AgentAverageTimes[role] = (total + event.Duration) / time.Duration(calls)
	}
	t.metrics.LLMRequests[event.Model]++
	t.metrics.LLMTokensUsed[event.Model] += tokens

	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += tokens
		t.costTracker.CacheReadTokens += event.CacheReadTokens
		t.costTracker.CacheWriteTokens += event.CacheWriteTokens
		t.costTracker.ProviderCosts[event.Provider] += event.Cost
		t.costTracker.ModelCosts[event.Model] += event.Cost
		t.costTracker.RoleCosts[role] += event.Cost
	}

	t.logger.Debug("agent call",
		zap.String("agent", event.Agent),
		zap.String("provider", event.Provider),
		zap.String("model", event.Model),
		zap.Bool("success", event.Success),
		zap.Duration("duration", event.Duration),
		zap.Int64("tokens", tokens),
		zap.Int64("cache_read_tokens", event.CacheReadTokens),
		zap.Float64("cost_usd", event.Cost),
	)
}

// RecordStory records a processed story.
func (t *Telemetry) RecordStory(ctx context.Context, event StoryEvent) {
	if t == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("category", event.Category),
		attribute.Bool("success", event.Success),
	)
	if storiesTotal != nil {
		storiesTotal.Add(ctx, 1, attrs)
	}
	if storyDuration != nil {
		storyDuration.Record(ctx, event.Duration.Seconds(), attrs)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.StoriesProcessed++
	if event.Success {
		t.metrics.StoriesSuccessful++
	}
	t.metrics.CitationsCollected += int64(event.Citations)
	if t.metrics.StoriesProcessed == 1 {
		t.metrics.AverageStoryTime = event.Duration
	} else {
		total := t.metrics.AverageStoryTime * time.Duration(t.metrics.StoriesProcessed-1)
		t.metrics.AverageStoryTime = (total + event.Duration) / time.Duration(t.metrics.StoriesProcessed)
	}
	t.logger.Info("story processed",
		zap.String("story", event.StoryKey),
		zap.Bool("success", event.Success),
		zap.Int("errors", event.Errors),
		zap.Int("citations", event.Citations),
		zap.Duration("duration", event.Duration),
		zap.Float64("cost_usd", event.Cost),
	)
}

// RecordRun records a finished run.
func (t *Telemetry) RecordRun(ctx context.Context, event RunEvent) {
	if t == nil {
		return
	}
	if runsTotal != nil {
		runsTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", event.Status)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.TotalRuns++
	if event.Status == "completed" {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}
	t.logger.Info("run finished",
		zap.String("session_id", event.SessionID),
		zap.String("status", event.Status),
		zap.Int("stories", event.Stories),
		zap.Int("successful", event.Successful),
		zap.Int("failed", event.Failed),
		zap.Duration("duration", event.Duration),
		zap.Float64("cost_usd", event.Cost),
		zap.Int64("tokens", event.Tokens),
	)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := *t.metrics
	m.AgentCalls = copyInt(t.metrics.AgentCalls)
	m.AgentFailures = copyInt(t.metrics.AgentFailures)
	m.LLMRequests = copyInt(t.metrics.LLMRequests)
	m.LLMTokensUsed = copyInt(t.metrics.LLMTokensUsed)
	m.AgentAverageTimes = make(map[string]time.Duration, len(t.metrics.AgentAverageTimes))
	for k, v := range t.metrics.AgentAverageTimes {
		m.AgentAverageTimes[k] = v
	}
	return m
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost        float64            `json:"total_cost_usd"`
	TotalTokens      int64              `json:"total_tokens"`
	CacheReadTokens  int64              `json:"cache_read_tokens"`
	CacheWriteTokens int64              `json:"cache_write_tokens"`
	ProviderCosts    map[string]float64 `json:"provider_costs"`
	ModelCosts       map[string]float64 `json:"model_costs"`
	RoleCosts        map[string]float64 `json:"role_costs"`
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CostSummary{
		TotalCost:        t.costTracker.TotalCost,
		TotalTokens:      t.costTracker.TotalTokens,
		CacheReadTokens:  t.costTracker.CacheReadTokens,
		CacheWriteTokens: t.costTracker.CacheWriteTokens,
		ProviderCosts:    copyFloat(t.costTracker.ProviderCosts),
		ModelCosts:       copyFloat(t.costTracker.ModelCosts),
		RoleCosts:        copyFloat(t.costTracker.RoleCosts),
	}
}

// Shutdown logs a final report.
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	costs := t.GetCostSummary()
	m := t.GetMetrics()
	t.logger.Info("telemetry final report",
		zap.Int64("runs", m.TotalRuns),
		zap.Int64("stories", m.StoriesProcessed),
		zap.Int64("stories_successful", m.StoriesSuccessful),
		zap.Float64("cost_usd", costs.TotalCost),
		zap.Int64("tokens", costs.TotalTokens),
	)
}

// GetPerformanceReport returns a detailed plain-text report.
func (t *Telemetry) GetPerformanceReport() string {
	m := t.GetMetrics()
	costs := t.GetCostSummary()

	var b strings.Builder
	fmt.Fprintf(&b, "=== PERFORMANCE REPORT ===\n")
	fmt.Fprintf(&b, "Runs: %d (%d completed, %d failed)\n", m.TotalRuns, m.SuccessfulRuns, m.FailedRuns)
	fmt.Fprintf(&b, "Stories: %d processed, %d successful, avg %v\n", m.StoriesProcessed, m.StoriesSuccessful, m.AverageStoryTime)
	fmt.Fprintf(&b, "Citations: %d\n", m.CitationsCollected)
	fmt.Fprintf(&b, "Total Cost: $%.4f, Tokens: %d (cache read %d, cache write %d)\n",
		costs.TotalCost, costs.TotalTokens, costs.CacheReadTokens, costs.CacheWriteTokens)

	b.WriteString("\nAgent Roles:\n")
	for _, role := range sortedKeys(m.AgentCalls) {
		fmt.Fprintf(&b, "  %s: %d calls, %d failures, %v avg, $%.4f\n",
			role, m.AgentCalls[role], m.AgentFailures[role], m.AgentAverageTimes[role], costs.RoleCosts[role])
	}
	b.WriteString("\nModels:\n")
	for _, model := range sortedKeys(m.LLMRequests) {
		fmt.Fprintf(&b, "  %s: %d requests, %d tokens, $%.4f\n",
			model, m.LLMRequests[model], m.LLMTokensUsed[model], costs.ModelCosts[model])
	}
	return b.String()
}

func copyInt(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloat(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(in map[string]int64) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
