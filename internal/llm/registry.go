package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"go.uber.org/zap"
)

// Provider names used in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderGrok      = "grok"
)

// fallbackOrder is tried when a role's provider is not configured.
var fallbackOrder = []string{ProviderAnthropic, ProviderGemini, ProviderGrok}

// Registry holds the providers that have credentials.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	settings  map[string]config.LLMProvider
}

// NewRegistry builds a provider for every configured entry with an API key.
func NewRegistry(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{providers: make(map[string]Provider), settings: make(map[string]config.LLMProvider)}
	for name, p := range cfg.Providers {
		if p.APIKey == "" {
			continue
		}
		var (
			provider Provider
			err      error
		)
		switch name {
		case ProviderAnthropic:
			provider = NewAnthropic(p)
		case ProviderGrok:
			provider = NewGrok(p)
		case ProviderGemini:
			provider, err = NewGemini(ctx, p)
		default:
			logger.Warn("ignoring unknown llm provider", zap.String("provider", name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("init %s provider: %w", name, err)
		}
		r.Register(name, provider, p)
	}
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no llm provider has an api key")
	}
	return r, nil
}

// NewEmptyRegistry returns a registry with no providers.
func NewEmptyRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider), settings: make(map[string]config.LLMProvider)}
}

// Register adds or replaces a provider under name.
func (r *Registry) Register(name string, p Provider, settings config.LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.settings[name] = settings
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, config.LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, r.settings[name], ok
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Builder turns agent roles into ConversationAgents.
type Builder struct {
	registry  *Registry
	roles     config.AgentsConfig
	telemetry *telemetry.Telemetry
	logger    *zap.Logger
}

// NewBuilder returns a core.AgentBuilder that resolves roles via cfg.
func NewBuilder(registry *Registry, cfg config.AgentsConfig, tel *telemetry.Telemetry, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{registry: registry, roles: cfg, telemetry: tel, logger: logger.Named("llm")}
}

func (b *Builder) Build(_ context.Context, name string, opts core.AgentOptions) (core.Agent, error) {
	rc := b.roles.Role(opts.Role)
	providerName := rc.Provider
	provider, settings, ok := b.registry.Get(providerName)
	if !ok {
		for _, candidate := range fallbackOrder {
			if provider, settings, ok = b.registry.Get(candidate); ok {
				b.logger.Warn("role provider unavailable, falling back",
					zap.String("role", opts.Role),
					zap.String("wanted", providerName),
					zap.String("using", candidate))
				providerName = candidate
				rc.Model = ""
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("no provider available for role %q", opts.Role)
	}

	modelKey, model := ResolveModel(providerName, settings, rc.Model)
	return NewConversationAgent(AgentConfig{
		Name:         name,
		Role:         opts.Role,
		Provider:     provider,
		ModelKey:     modelKey,
		Model:        model,
		Instructions: opts.Instructions,
		WebSearch:    opts.WebSearch,
		Telemetry:    b.telemetry,
		Logger:       b.logger,
	}), nil
}
