package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/bus"
	"go.uber.org/zap"
)

// AgentOptions describes the agent a builder should produce.
type AgentOptions struct {
	// Role selects the provider/model mapping, one of the config.Role* values.
	Role string
	// WebSearch enables the provider's live search tool.
	WebSearch bool
	// Instructions is an optional system prompt.
	Instructions string
}

// AgentBuilder constructs provider-backed agents.
type AgentBuilder interface {
	Build(ctx context.Context, name string, opts AgentOptions) (Agent, error)
}

// AgentFactory creates uniquely named agents and registers them on the bus.
// No agent it returns is ever handed out twice.
type AgentFactory struct {
	builder AgentBuilder
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewAgentFactory returns a factory backed by builder and b.
func NewAgentFactory(builder AgentBuilder, b *bus.Bus, logger *zap.Logger) *AgentFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentFactory{builder: builder, bus: b, logger: logger.Named("factory")}
}

// CreateContextAgent returns a search-enabled agent without preset
// instructions, named "{agentType}_context_{storyKey}_{8hex}".
func (f *AgentFactory) CreateContextAgent(ctx context.Context, storyKey, agentType string) (Agent, error) {
	role := config.RoleContextGreek
	switch agentType {
	case AgentTypeGreek:
	case AgentTypeInternational:
		role = config.RoleContextInternational
	default:
		return nil, fmt.Errorf("unknown context agent type %q", agentType)
	}
	name := fmt.Sprintf("%s_context_%s_%s", agentType, storyKey, shortID())
	return f.create(ctx, name, AgentOptions{Role: role, WebSearch: true})
}

// CreateFactCheckAgent returns an agent named "factcheck_{storyKey}_{8hex}".
func (f *AgentFactory) CreateFactCheckAgent(ctx context.Context, storyKey string) (Agent, error) {
	name := fmt.Sprintf("factcheck_%s_%s", storyKey, shortID())
	return f.create(ctx, name, AgentOptions{Role: config.RoleFactCheck, WebSearch: true})
}

// CreateDiscoveryAgent returns the run-long agent for one category.
func (f *AgentFactory) CreateDiscoveryAgent(ctx context.Context, categoryKey string) (Agent, error) {
	name := fmt.Sprintf("discovery_%s_%s", categoryKey, shortID())
	return f.create(ctx, name, AgentOptions{Role: config.RoleDiscovery, WebSearch: true})
}

// CreateSynthesisAgent returns an agent that writes the final narrative.
func (f *AgentFactory) CreateSynthesisAgent(ctx context.Context, storyKey string) (Agent, error) {
	name := fmt.Sprintf("synthesis_%s_%s", storyKey, shortID())
	return f.create(ctx, name, AgentOptions{Role: config.RoleSynthesis})
}

// Release takes a from the bus.
func (f *AgentFactory) Release(ctx context.Context, a Agent) error {
	if a == nil {
		return nil
	}
	return f.bus.Unregister(ctx, a.Name())
}

func (f *AgentFactory) create(ctx context.Context, name string, opts AgentOptions) (Agent, error) {
	a, err := f.builder.Build(ctx, name, opts)
	if err != nil {
		return nil, fmt.Errorf("build %s agent: %w", opts.Role, err)
	}
	if err := f.bus.Register(ctx, a); err != nil {
		return nil, fmt.Errorf("register %s: %w", name, err)
	}
	f.logger.Debug("agent created", zap.String("agent", name), zap.String("role", opts.Role))
	return a, nil
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
