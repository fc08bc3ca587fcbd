package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"go.uber.org/zap"
)

type conversation struct {
	kind     string
	history  []Message
	usage    core.Usage
	messages int
	started  time.Time
}

// ConversationAgent keeps per-conversation history on top of a stateless
// Provider. Distinct conversations may be used concurrently.
type ConversationAgent struct {
	name      string
	role      string
	provider  Provider
	modelKey  string
	model     config.LLMModel
	system    string
	webSearch bool
	telemetry *telemetry.Telemetry
	logger    *zap.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

// AgentConfig describes one agent instance.
type AgentConfig struct {
	Name         string
	Role         string
	Provider     Provider
	ModelKey     string
	Model        config.LLMModel
	Instructions string
	WebSearch    bool
	Telemetry    *telemetry.Telemetry
	Logger       *zap.Logger
}

// NewConversationAgent returns an agent with no open conversations.
func NewConversationAgent(cfg AgentConfig) *ConversationAgent {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationAgent{
		name:          cfg.Name,
		role:          cfg.Role,
		provider:      cfg.Provider,
		modelKey:      cfg.ModelKey,
		model:         cfg.Model,
		system:        cfg.Instructions,
		webSearch:     cfg.WebSearch,
		telemetry:     cfg.Telemetry,
		logger:        logger.With(zap.String("agent", cfg.Name)),
		conversations: make(map[string]*conversation),
	}
}

func (a *ConversationAgent) Name() string { return a.name }

func (a *ConversationAgent) StartConversation(_ context.Context, conversationType string) (string, error) {
	id := uuid.NewString()
	a.mu.Lock()
	a.conversations[id] = &conversation{kind: conversationType, started: time.Now()}
	a.mu.Unlock()
	return id, nil
}

func (a *ConversationAgent) SendMessage(ctx context.Context, conversationID, prompt string) (core.Response, error) {
	a.mu.Lock()
	conv, ok := a.conversations[conversationID]
	if !ok {
		a.mu.Unlock()
		return core.Response{}, fmt.Errorf("conversation %s not found on %s", conversationID, a.name)
	}
	history := make([]Message, 0, len(conv.history)+1)
	history = append(history, conv.history...)
	history = append(history, Message{Role: RoleUser, Content: prompt})
	a.mu.Unlock()

	req := Request{
		Model:       a.model.APIName,
		System:      a.system,
		Messages:    history,
		MaxTokens:   a.model.MaxTokens,
		Temperature: a.model.Temperature,
		WebSearch:   a.webSearch,
	}
	start := time.Now()
	res, err := a.provider.Complete(ctx, req)
	event := telemetry.AgentCallEvent{
		Agent:     a.name,
		Role:      a.role,
		Provider:  a.provider.Name(),
		Model:     a.modelKey,
		StartTime: start,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
		a.telemetry.RecordAgentCall(ctx, event)
		return core.Response{}, fmt.Errorf("%s: %w", a.provider.Name(), err)
	}

	usage := core.Usage{
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		CacheReadTokens:  res.CacheRead,
		CacheWriteTokens: res.CacheWrite,
		CostUSD:          Cost(a.model, res),
	}
	event.InputTokens = usage.InputTokens
	event.OutputTokens = usage.OutputTokens
	event.CacheReadTokens = usage.CacheReadTokens
	event.CacheWriteTokens = usage.CacheWriteTokens
	event.Cost = usage.CostUSD
	a.telemetry.RecordAgentCall(ctx, event)

	a.mu.Lock()
	if conv, ok := a.conversations[conversationID]; ok {
		conv.history = append(conv.history,
			Message{Role: RoleUser, Content: prompt},
			Message{Role: RoleAssistant, Content: res.Text})
		conv.messages++
		conv.usage.Add(usage)
	}
	a.mu.Unlock()

	citations := make([]core.Citation, 0, len(res.Sources))
	for _, s := range res.Sources {
		citations = append(citations, core.Citation{URL: s.URL, Title: s.Title})
	}
	model := res.Model
	if model == "" {
		model = a.model.APIName
	}
	return core.Response{
		Content:   res.Text,
		Citations: citations,
		Metadata: map[string]interface{}{
			"provider": a.provider.Name(),
			"model":    model,
		},
		Usage: usage,
	}, nil
}

func (a *ConversationAgent) EndConversation(_ context.Context, conversationID string) (core.ConversationStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.conversations[conversationID]
	if !ok {
		return core.ConversationStats{}, fmt.Errorf("conversation %s not found on %s", conversationID, a.name)
	}
	delete(a.conversations, conversationID)
	stats := core.ConversationStats{
		ConversationID: conversationID,
		Messages:       conv.messages,
		Usage:          conv.usage,
		Duration:       time.Since(conv.started),
	}
	a.logger.Debug("conversation ended",
		zap.String("type", conv.kind),
		zap.Int("messages", stats.Messages),
		zap.Float64("cost_usd", stats.Usage.CostUSD))
	return stats, nil
}

func (a *ConversationAgent) Reset(context.Context) error {
	a.mu.Lock()
	n := len(a.conversations)
	a.conversations = make(map[string]*conversation)
	a.mu.Unlock()
	if n > 0 {
		a.logger.Debug("reset dropped open conversations", zap.Int("count", n))
	}
	return nil
}

// OpenConversations returns the number of conversations not yet ended.
func (a *ConversationAgent) OpenConversations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conversations)
}
