package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/newsdesk/internal/agent/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// StoryState is a step of the per-story state machine.
type StoryState string

const (
	StateCreated          StoryState = "CREATED"
	StateContextGathering StoryState = "CONTEXT_GATHERING"
	StateFactChecking     StoryState = "FACT_CHECKING"
	StateCleanup          StoryState = "CLEANUP"
	StateDone             StoryState = "DONE"
)

var stateOrder = map[StoryState]int{
	StateCreated:          0,
	StateContextGathering: 1,
	StateFactChecking:     2,
	StateCleanup:          3,
	StateDone:             4,
}

// Transition records one state change.
type Transition struct {
	From StoryState `json:"from"`
	To   StoryState `json:"to"`
	At   time.Time  `json:"at"`
}

// NoValidContextMessage is stored when fact-checking has nothing to work on.
const NoValidContextMessage = "No valid context available for fact-checking"

const (
	greekContextPlaceholder         = "Error retrieving Greek context: "
	internationalContextPlaceholder = "Error retrieving international context: "
	cleanupTimeout                  = 30 * time.Second
)

// StoryProcessor runs one story through context gathering and fact-checking.
// A processor is single-use.
type StoryProcessor struct {
	rt     *Runtime
	story  Story
	agents agentSource
	logger *zap.Logger

	mu          sync.Mutex
	state       StoryState
	transitions []Transition
	held        []*heldAgent
}

// heldAgent is an agent the processor acquired plus its open conversation.
type heldAgent struct {
	role         string
	agent        Agent
	conversation string
}

// NewStoryProcessor returns a processor that creates fresh agents for story
// through factory and unregisters them when done.
func NewStoryProcessor(rt *Runtime, story Story, factory *AgentFactory) *StoryProcessor {
	return newStoryProcessor(rt, story, ephemeralSource{factory: factory})
}

// NewPooledStoryProcessor returns a processor that borrows shared agents
// from pool. Every borrowed agent is Reset before Process returns.
func NewPooledStoryProcessor(rt *Runtime, story Story, pool *AgentPool) *StoryProcessor {
	return newStoryProcessor(rt, story, pool)
}

func newStoryProcessor(rt *Runtime, story Story, agents agentSource) *StoryProcessor {
	return &StoryProcessor{
		rt:     rt,
		story:  story,
		agents: agents,
		logger: rt.logger().Named("processor").With(zap.String("story", story.Key())),
		state:  StateCreated,
	}
}

// State returns the current state.
func (p *StoryProcessor) State() StoryState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transitions returns the transition log so far.
func (p *StoryProcessor) Transitions() []Transition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Transition(nil), p.transitions...)
}

// advance moves forward to next. Backward or repeated moves are ignored.
func (p *StoryProcessor) advance(next StoryState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stateOrder[next] <= stateOrder[p.state] {
		return false
	}
	p.transitions = append(p.transitions, Transition{From: p.state, To: next, At: time.Now().UTC()})
	p.state = next
	return true
}

// Process analyses the story. It never panics and always runs cleanup; every
// failure ends up in the result's Errors.
func (p *StoryProcessor) Process(ctx context.Context) (result StoryResult) {
	started := time.Now()
	key := p.story.Key()
	result = StoryResult{Story: p.story, Context: make(map[string]string)}

	if !p.advance(StateContextGathering) {
		result.Errors = append(result.Errors, newError(KindCatastrophic, PhaseStory, "processor for %s already used", key))
		return result
	}

	ctx, span := p.rt.tracer().Start(ctx, "story.process", trace.WithAttributes(
		attribute.String("story.key", key),
		attribute.String("story.category", p.story.Category),
		attribute.Bool("story.international", p.story.NeedsInternationalContext()),
	))

	defer func() {
		if r := recover(); r != nil {
			err := newError(KindCatastrophic, PhaseStory, "%v", r)
			result.Errors = append(result.Errors, err)
			span.RecordError(err)
			p.logger.Error("story processing panicked", zap.Any("panic", r))
		}

		p.advance(StateCleanup)
		p.cleanup(context.WithoutCancel(ctx))
		p.advance(StateDone)

		result.Citations = DedupCitations(result.Citations)
		result.Errors = result.Errors.WithStory(p.story.Category, key)
		result.Duration = time.Since(started)
		result.Transitions = p.Transitions()

		if len(result.Errors) > 0 {
			span.SetStatus(codes.Error, strings.Join(result.Errors.Strings(), "; "))
		} else {
			span.SetStatus(codes.Ok, "completed")
		}
		span.SetAttributes(attribute.Int("story.citations", len(result.Citations)))
		span.End()

		p.rt.Telemetry.RecordStory(ctx, telemetry.StoryEvent{
			StoryKey:  key,
			Category:  p.story.Category,
			Success:   result.Successful(),
			Errors:    len(result.Errors),
			Citations: len(result.Citations),
			Duration:  result.Duration,
			Cost:      result.Usage.CostUSD,
		})
		p.logger.Info("story processed",
			zap.Int("errors", len(result.Errors)),
			zap.Int("citations", len(result.Citations)),
			zap.Duration("duration", result.Duration))
	}()

	p.gatherContext(ctx, &result)
	p.advance(StateFactChecking)
	p.factCheck(ctx, &result)
	return result
}

type contextOutcome struct {
	text      string
	citations []Citation
	usage     Usage
	err       *RunError
}

func (p *StoryProcessor) gatherContext(ctx context.Context, res *StoryResult) {
	ctx, span := p.rt.tracer().Start(ctx, "story.context")
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.rt.agentsConfig().ContextTimeout)
	defer cancel()

	vars := p.contextVars(ctx)
	types := []string{AgentTypeGreek}
	if p.story.NeedsInternationalContext() {
		types = append(types, AgentTypeInternational)
	}

	outcomes := make([]contextOutcome, len(types))
	var wg sync.WaitGroup
	for i, agentType := range types {
		wg.Add(1)
		go func(i int, agentType string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = p.contextFailure(agentType, fmt.Errorf("panic: %v", r))
				}
			}()
			outcomes[i] = p.contextCall(ctx, agentType, vars)
		}(i, agentType)
	}
	wg.Wait()

	for i, agentType := range types {
		o := outcomes[i]
		res.Context[agentType] = o.text
		res.Citations = append(res.Citations, o.citations...)
		res.Usage.Add(o.usage)
		if o.err != nil {
			res.Errors = append(res.Errors, *o.err)
			span.RecordError(o.err)
			span.SetStatus(codes.Error, o.err.Error())
		}
	}
}

func (p *StoryProcessor) contextCall(ctx context.Context, agentType string, vars map[string]interface{}) contextOutcome {
	agent, err := p.agents.acquire(ctx, p.story.Key(), agentType)
	if err != nil {
		return p.contextFailure(agentType, err)
	}
	held := p.hold(agentType, agent)

	conv, err := p.rt.start(ctx, agent, "context_"+agentType)
	if err != nil {
		return p.contextFailure(agentType, err)
	}
	p.setConversation(held, conv)

	prompt, err := p.rt.Prompts.Render("context_"+agentType, vars)
	if err != nil {
		return p.contextFailure(agentType, err)
	}
	resp, err := p.rt.send(ctx, agent, conv, prompt)
	if err != nil {
		return p.contextFailure(agentType, err)
	}

	tag := SourceGreekContext
	if agentType == AgentTypeInternational {
		tag = SourceInternationalContext
	}
	return contextOutcome{
		text:      resp.Content,
		citations: TagCitations(resp.Citations, tag, ""),
		usage:     resp.Usage,
	}
}

func (p *StoryProcessor) contextFailure(agentType string, err error) contextOutcome {
	placeholder, phase := greekContextPlaceholder, PhaseGreekContext
	if agentType == AgentTypeInternational {
		placeholder, phase = internationalContextPlaceholder, PhaseInternationalContext
	}
	p.logger.Warn("context call failed", zap.String("agent_type", agentType), zap.Error(err))
	e := newError(KindAgentCall, phase, "%v", err)
	return contextOutcome{text: placeholder + err.Error(), err: &e}
}

func (p *StoryProcessor) contextVars(ctx context.Context) map[string]interface{} {
	stakeholders := p.story.Stakeholders
	if stakeholders == nil {
		stakeholders = []string{}
	}
	return map[string]interface{}{
		"headline":        p.story.Headline,
		"headline_greek":  p.story.HeadlineGreek,
		"summary":         p.story.Summary,
		"source_name":     p.story.SourceName,
		"source_url":      p.story.SourceURL,
		"published_date":  p.story.PublishedDate,
		"stakeholders":    stakeholders,
		"article_excerpt": p.articleExcerpt(ctx),
	}
}

func (p *StoryProcessor) articleExcerpt(ctx context.Context) string {
	if p.rt.Fetcher == nil || p.story.SourceURL == "" {
		return ""
	}
	excerpt, err := p.rt.Fetcher.Excerpt(ctx, p.story.SourceURL)
	if err != nil {
		p.logger.Debug("article excerpt unavailable", zap.String("url", p.story.SourceURL), zap.Error(err))
		return ""
	}
	return excerpt
}

// validContext joins the context strings that are not failure placeholders,
// greek first.
func validContext(c map[string]string) string {
	var parts []string
	for _, key := range []string{ContextGreek, ContextInternational} {
		text := strings.TrimSpace(c[key])
		if text == "" || isPlaceholder(text) {
			continue
		}
		label := "Ελληνική οπτική"
		if key == ContextInternational {
			label = "Διεθνής οπτική"
		}
		parts = append(parts, label+":\n"+text)
	}
	return strings.Join(parts, "\n\n")
}

func isPlaceholder(text string) bool {
	return strings.HasPrefix(text, greekContextPlaceholder) || strings.HasPrefix(text, internationalContextPlaceholder)
}

func (p *StoryProcessor) factCheck(ctx context.Context, res *StoryResult) {
	combined := validContext(res.Context)
	if combined == "" {
		res.FactChecks.Error = NoValidContextMessage
		return
	}

	ctx, span := p.rt.tracer().Start(ctx, "story.factcheck")
	defer span.End()
	ctx, cancel := withTimeout(ctx, p.rt.agentsConfig().FactCheckTimeout)
	defer cancel()

	fail := func(err error) {
		e := newError(KindAgentCall, PhaseFactCheck, "%v", err)
		res.FactChecks.Error = err.Error()
		res.Errors = append(res.Errors, e)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		p.logger.Warn("fact-checking failed", zap.Error(err))
	}

	checker, err := p.agents.acquire(ctx, p.story.Key(), roleFactCheck)
	if err != nil {
		fail(err)
		return
	}
	held := p.hold(roleFactCheck, checker)
	conv, err := p.rt.start(ctx, checker, "factcheck")
	if err != nil {
		fail(err)
		return
	}
	p.setConversation(held, conv)

	prompt, err := p.rt.Prompts.Render("factcheck_interrogation", map[string]interface{}{
		"headline":         p.story.Headline,
		"summary":          p.story.Summary,
		"combined_context": combined,
		"max_claims":       MaxClaims,
	})
	if err != nil {
		fail(err)
		return
	}
	plan, err := p.rt.send(ctx, checker, conv, prompt)
	if err != nil {
		fail(err)
		return
	}
	res.Usage.Add(plan.Usage)
	res.FactChecks.InterrogationPlan = plan.Content

	claims := ExtractClaims(plan.Content)
	_, hasInternational := p.conversationFor(AgentTypeInternational)
	for i := range claims {
		claims[i].AgentType = RouteClaim(claims[i].Text, hasInternational)
	}
	res.FactChecks.Claims = claims
	span.SetAttributes(attribute.Int("factcheck.claims", len(claims)))

	for _, claim := range claims {
		vc := p.verifyClaim(ctx, claim)
		res.FactChecks.VerifiedClaims = append(res.FactChecks.VerifiedClaims, vc.VerifiedClaim)
		res.Citations = append(res.Citations, vc.Citations...)
		res.Usage.Add(vc.usage)
	}

	prompt, err = p.rt.Prompts.Render("factcheck_summary", map[string]interface{}{
		"headline":      p.story.Headline,
		"verifications": formatVerifications(res.FactChecks.VerifiedClaims),
	})
	if err != nil {
		fail(err)
		return
	}
	summary, err := p.rt.send(ctx, checker, conv, prompt)
	if err != nil {
		fail(err)
		return
	}
	res.Usage.Add(summary.Usage)
	res.FactChecks.Summary = summary.Content
}

type verification struct {
	VerifiedClaim
	usage Usage
}

// verifyClaim asks the routed context agent about claim on its existing
// conversation. When that agent has no open conversation the other context
// agent is used instead. Failures stay local to the claim.
func (p *StoryProcessor) verifyClaim(ctx context.Context, claim Claim) verification {
	route := []string{claim.AgentType, AgentTypeGreek, AgentTypeInternational}
	var held *heldAgent
	for _, agentType := range route {
		if h, ok := p.conversationFor(agentType); ok {
			held = h
			claim.AgentType = agentType
			break
		}
	}
	failed := func(err error) verification {
		p.logger.Debug("claim verification failed", zap.String("claim", claim.Text), zap.Error(err))
		return verification{VerifiedClaim: VerifiedClaim{Claim: claim, Verdict: VerdictError, Error: err.Error()}}
	}
	if held == nil {
		return failed(fmt.Errorf("no context agent available"))
	}

	prompt, err := p.rt.Prompts.Render("claim_verification", map[string]interface{}{
		"headline": p.story.Headline,
		"claim":    claim.Text,
	})
	if err != nil {
		return failed(err)
	}
	resp, err := p.rt.send(ctx, held.agent, held.conversation, prompt)
	if err != nil {
		return failed(err)
	}

	tag := SourceFactVerifyGreek
	if claim.AgentType == AgentTypeInternational {
		tag = SourceFactVerifyInternational
	}
	return verification{
		VerifiedClaim: VerifiedClaim{
			Claim:        claim,
			Verdict:      ParseVerdict(resp.Content),
			Verification: resp.Content,
			Citations:    TagCitations(resp.Citations, tag, claim.Text),
		},
		usage: resp.Usage,
	}
}

func formatVerifications(vcs []VerifiedClaim) string {
	if len(vcs) == 0 {
		return "Δεν εντοπίστηκαν ισχυρισμοί προς επαλήθευση."
	}
	var b strings.Builder
	for i, vc := range vcs {
		fmt.Fprintf(&b, "%d. %s\n   VERDICT: %s\n", i+1, vc.Claim.Text, vc.Verdict)
		switch {
		case vc.Error != "":
			fmt.Fprintf(&b, "   Σφάλμα: %s\n", vc.Error)
		case vc.Verification != "":
			fmt.Fprintf(&b, "   %s\n", strings.ReplaceAll(strings.TrimSpace(vc.Verification), "\n", "\n   "))
		}
	}
	return b.String()
}

func (p *StoryProcessor) hold(role string, a Agent) *heldAgent {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &heldAgent{role: role, agent: a}
	p.held = append(p.held, h)
	return h
}

func (p *StoryProcessor) setConversation(h *heldAgent, conv string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h.conversation = conv
}

func (p *StoryProcessor) conversationFor(role string) (*heldAgent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.held {
		if h.role == role && h.conversation != "" {
			return h, true
		}
	}
	return nil, false
}

// cleanup ends every open conversation and returns every agent. Failures are
// logged only.
func (p *StoryProcessor) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("cleanup panicked", zap.Any("panic", r))
		}
	}()

	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()

	for _, h := range held {
		if h.conversation != "" {
			if _, err := p.rt.end(ctx, h.agent, h.conversation); err != nil {
				p.logger.Warn("end conversation failed", zap.String("agent", h.agent.Name()), zap.Error(err))
			}
		}
		if err := p.agents.release(ctx, h.agent); err != nil {
			p.logger.Warn("release agent failed", zap.String("agent", h.agent.Name()), zap.Error(err))
		}
	}
}
