package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const roleFactCheck = "factcheck"

// agentSource hands agents to a story processor and takes them back when the
// story is done.
type agentSource interface {
	acquire(ctx context.Context, storyKey, role string) (Agent, error)
	release(ctx context.Context, a Agent) error
}

// ephemeralSource creates a fresh agent per story and role.
type ephemeralSource struct {
	factory *AgentFactory
}

func (s ephemeralSource) acquire(ctx context.Context, storyKey, role string) (Agent, error) {
	switch role {
	case AgentTypeGreek, AgentTypeInternational:
		return s.factory.CreateContextAgent(ctx, storyKey, role)
	case roleFactCheck:
		return s.factory.CreateFactCheckAgent(ctx, storyKey)
	}
	return nil, fmt.Errorf("unknown agent role %q", role)
}

func (s ephemeralSource) release(ctx context.Context, a Agent) error {
	return s.factory.Release(ctx, a)
}

// AgentPool keeps one long-lived agent per role for sequential processing.
// Agents are created on first use and Reset every time a story hands them
// back, so no conversation survives from one story into the next.
type AgentPool struct {
	factory *AgentFactory

	mu     sync.Mutex
	agents map[string]Agent
	resets map[string]int
}

// NewAgentPool returns an empty pool backed by factory.
func NewAgentPool(factory *AgentFactory) *AgentPool {
	return &AgentPool{factory: factory, agents: make(map[string]Agent), resets: make(map[string]int)}
}

func (p *AgentPool) acquire(ctx context.Context, _ string, role string) (Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[role]; ok {
		return a, nil
	}
	a, err := ephemeralSource{factory: p.factory}.acquire(ctx, "pool", role)
	if err != nil {
		return nil, err
	}
	p.agents[role] = a
	return a, nil
}

func (p *AgentPool) release(ctx context.Context, a Agent) error {
	if err := a.Reset(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", a.Name(), err)
	}
	p.mu.Lock()
	p.resets[a.Name()]++
	p.mu.Unlock()
	return nil
}

// Resets returns how many times each pooled agent was reset.
func (p *AgentPool) Resets() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.resets))
	for k, v := range p.resets {
		out[k] = v
	}
	return out
}

// Close unregisters every pooled agent.
func (p *AgentPool) Close(ctx context.Context) error {
	p.mu.Lock()
	agents := p.agents
	p.agents = make(map[string]Agent)
	p.mu.Unlock()

	var errs []error
	for _, a := range agents {
		if err := p.factory.Release(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
