package core

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	noInternationalContext = "Δεν απαιτήθηκε διεθνής οπτική για αυτό το θέμα."
	noFactCheck            = "Δεν ολοκληρώθηκε έλεγχος γεγονότων."
)

// SynthesisVars builds the variables of the synthesis prompt for res. The
// sources section numbers the primary article first, then every unique
// citation gathered by the context and fact-check phases.
func SynthesisVars(res StoryResult) map[string]interface{} {
	international := strings.TrimSpace(res.Context[ContextInternational])
	if international == "" {
		international = noInternationalContext
	}
	factcheck := strings.TrimSpace(res.FactChecks.Summary)
	if factcheck == "" {
		factcheck = noFactCheck
	}
	return map[string]interface{}{
		"headline":              res.Story.Headline,
		"headline_greek":        res.Story.HeadlineGreek,
		"summary":               res.Story.Summary,
		"greek_context":         res.Context[ContextGreek],
		"international_context": international,
		"factcheck_summary":     factcheck,
		"sources_section":       BuildSourcesSection(res.Story, res.Citations),
	}
}

// synthesize writes the final narrative for res with a fresh synthesis
// agent. A failure is recorded on res.
func (o *Orchestrator) synthesize(ctx context.Context, res *StoryResult) {
	key := res.Story.Key()
	ctx, span := o.rt.tracer().Start(ctx, "story.synthesis", trace.WithAttributes(attribute.String("story.key", key)))
	defer span.End()
	ctx, cancel := withTimeout(ctx, o.rt.agentsConfig().SynthesisTimeout)
	defer cancel()

	fail := func(err error) {
		e := newError(KindAgentCall, PhaseSynthesis, "%v", err)
		e.Category, e.StoryKey = res.Story.Category, key
		res.Errors = append(res.Errors, e)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		o.logger.Warn("synthesis failed", zap.String("story", key), zap.Error(err))
	}

	prompt, err := o.rt.Prompts.Render("synthesis", SynthesisVars(*res))
	if err != nil {
		fail(err)
		return
	}
	agent, err := o.factory.CreateSynthesisAgent(ctx, key)
	if err != nil {
		fail(err)
		return
	}
	defer func() {
		if err := o.factory.Release(context.WithoutCancel(ctx), agent); err != nil {
			o.logger.Debug("release synthesis agent failed", zap.String("agent", agent.Name()), zap.Error(err))
		}
	}()

	resp, err := o.rt.ask(ctx, agent, "synthesis", prompt)
	if err != nil {
		fail(err)
		return
	}
	res.Usage.Add(resp.Usage)
	res.Synthesis = resp.Content
	span.SetStatus(codes.Ok, "completed")
}
