package core

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/bus"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Runtime carries the shared collaborators of one pipeline. It is built once
// and passed to the orchestrator, which hands it to every processor.
type Runtime struct {
	Config     *config.Config
	Categories config.Categories
	Bus        *bus.Bus
	Builder    AgentBuilder
	Prompts    PromptRenderer
	Logger     *zap.Logger
	Tracer     trace.Tracer
	Telemetry  *telemetry.Telemetry

	// Optional collaborators.
	Fetcher  ArticleFetcher
	Recorder RunRecorder
	Events   EventPublisher
	// SessionID fixes the id of the next run; a fresh uuid is used when empty.
	SessionID string
}

func (rt *Runtime) agentsConfig() config.AgentsConfig {
	if rt.Config == nil {
		return config.AgentsConfig{}.Normalize()
	}
	return rt.Config.Agents.Normalize()
}

func (rt *Runtime) tracer() trace.Tracer {
	if rt.Tracer != nil {
		return rt.Tracer
	}
	return otel.Tracer("newsdesk/internal/agent/core")
}

func (rt *Runtime) logger() *zap.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return zap.NewNop()
}

// start opens a conversation through the bus.
func (rt *Runtime) start(ctx context.Context, a Agent, conversationType string) (string, error) {
	return bus.Call(ctx, rt.Bus, a.Name(), func(ctx context.Context) (string, error) {
		return a.StartConversation(ctx, conversationType)
	})
}

// send delivers prompt on an open conversation through the bus.
func (rt *Runtime) send(ctx context.Context, a Agent, conversationID, prompt string) (Response, error) {
	return bus.Call(ctx, rt.Bus, a.Name(), func(ctx context.Context) (Response, error) {
		return a.SendMessage(ctx, conversationID, prompt)
	})
}

// end closes a conversation directly; the agent may already be off the bus.
func (rt *Runtime) end(ctx context.Context, a Agent, conversationID string) (ConversationStats, error) {
	return a.EndConversation(ctx, conversationID)
}

// ask is a one-shot exchange: open, send, close.
func (rt *Runtime) ask(ctx context.Context, a Agent, conversationType, prompt string) (Response, error) {
	conv, err := rt.start(ctx, a, conversationType)
	if err != nil {
		return Response{}, err
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := rt.end(endCtx, a, conv); err != nil {
			rt.logger().Debug("end conversation failed", zap.String("agent", a.Name()), zap.Error(err))
		}
	}()
	return rt.send(ctx, a, conv, prompt)
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
