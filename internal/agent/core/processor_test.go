package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newsdesk/config"
	"github.com/mohammad-safakhou/newsdesk/internal/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scienceStory() Story {
	return Story{
		ID: 1, Category: "science", Headline: "Greek team maps seafloor", Summary: "A survey of the Aegean.",
		SourceName: "Kathimerini", SourceURL: "https://www.kathimerini.gr/science/1",
		Stakeholders: []string{"HCMR"}, InternationalRelevanceScore: 4,
	}
}

func politicsStory() Story {
	return Story{
		ID: 2, Category: "greek_political", Headline: "Parliament votes on budget", Summary: "Vote tonight.",
		SourceName: "ERT", SourceURL: "https://www.ertnews.gr/2", InternationalRelevanceScore: 3,
	}
}

func failing(template string, err error) replyFunc {
	return func(ctx context.Context, a *scriptedAgent, tmpl, prompt string) (Response, error) {
		if tmpl == template {
			return Response{}, err
		}
		return defaultReply(ctx, a, tmpl, prompt)
	}
}

func TestProcessFullStory(t *testing.T) {
	builder := newFakeBuilder(nil)
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	p := NewStoryProcessor(rt, scienceStory(), NewAgentFactory(builder, rt.Bus, nil))
	assert.Equal(t, StateCreated, p.State())
	res := p.Process(context.Background())

	require.Empty(t, res.Errors)
	assert.True(t, res.Successful())
	assert.Contains(t, res.Context[ContextGreek], "Ελληνικό πλαίσιο")
	assert.Contains(t, res.Context[ContextInternational], "International context")

	fc := res.FactChecks
	assert.Equal(t, interrogationPlan, fc.InterrogationPlan)
	require.Len(t, fc.VerifiedClaims, 2)
	assert.Equal(t, AgentTypeGreek, fc.VerifiedClaims[0].Claim.AgentType)
	assert.Equal(t, AgentTypeInternational, fc.VerifiedClaims[1].Claim.AgentType)
	assert.Equal(t, VerdictTrue, fc.VerifiedClaims[0].Verdict)
	assert.Equal(t, "Σύνοψη ελέγχου", fc.Summary)

	// context citations first, verification duplicates dropped
	urls := make(map[string]Citation)
	for _, c := range res.Citations {
		_, dup := urls[c.URL]
		require.False(t, dup, c.URL)
		urls[c.URL] = c
	}
	assert.Equal(t, SourceGreekContext, urls["https://www.kathimerini.gr/ctx"].SourceAgent)
	assert.Equal(t, SourceInternationalContext, urls["https://www.reuters.com/ctx"].SourceAgent)
	var verified []Citation
	for _, c := range res.Citations {
		if strings.HasPrefix(c.SourceAgent, "fact_verify_") {
			verified = append(verified, c)
		}
	}
	require.Len(t, verified, 2)
	assert.Equal(t, SourceFactVerifyGreek, verified[0].SourceAgent)
	assert.Equal(t, "The government raised the minimum wage this week", verified[0].ClaimVerified)
	assert.Equal(t, SourceFactVerifyInternational, verified[1].SourceAgent)

	// 2 context + interrogation + 2 verifications + summary
	assert.Equal(t, int64(6*150), res.Usage.Total())

	assert.Equal(t, StateDone, p.State())
	var path []StoryState
	for _, tr := range res.Transitions {
		path = append(path, tr.To)
	}
	assert.Equal(t, []StoryState{StateContextGathering, StateFactChecking, StateCleanup, StateDone}, path)

	assert.Equal(t, 0, rt.Bus.Registered())
	require.Len(t, builder.agents, 3)
	for _, a := range builder.agents {
		assert.Zero(t, a.openConversations(), a.name)
		assert.True(t, a.opts.WebSearch, a.name)
		assert.Empty(t, a.opts.Instructions, a.name)
	}
	assert.Len(t, builder.built("greek_context_science_1_"), 1)
	assert.Len(t, builder.built("international_context_science_1_"), 1)
	assert.Len(t, builder.built("factcheck_science_1_"), 1)
}

func TestProcessGreekContextFailure(t *testing.T) {
	builder := newFakeBuilder(failing("context_greek", errors.New("provider down")))
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	var res StoryResult
	require.NotPanics(t, func() {
		res = NewStoryProcessor(rt, politicsStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())
	})

	assert.Equal(t, "Error retrieving Greek context: provider down", res.Context[ContextGreek])
	_, hasInternational := res.Context[ContextInternational]
	assert.False(t, hasInternational)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Greek context failed: provider down", res.Errors[0].Error())
	assert.Equal(t, "greek_political_2", res.Errors[0].StoryKey)

	assert.True(t, res.FactChecks.Attempted())
	assert.Equal(t, NoValidContextMessage, res.FactChecks.Error)
	assert.Equal(t, 0, rt.Bus.Registered(), "cleanup must unregister every agent")
	assert.Equal(t, StateDone, res.Transitions[len(res.Transitions)-1].To)
}

func TestProcessGreekSendFailureKeepsConversation(t *testing.T) {
	builder := newFakeBuilder(failing("context_greek", errors.New("quota")))
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, scienceStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())

	require.Len(t, res.Errors, 1)
	assert.Equal(t, PhaseGreekContext, res.Errors[0].Phase)
	assert.Equal(t, "Σύνοψη ελέγχου", res.FactChecks.Summary)
	require.Len(t, res.FactChecks.VerifiedClaims, 2)
	// The greek conversation opened before the send failed, so it still verifies.
	assert.Equal(t, AgentTypeGreek, res.FactChecks.VerifiedClaims[0].Claim.AgentType)
}

func TestProcessClaimsFallBackToAvailableAgent(t *testing.T) {
	builder := newFakeBuilder(nil)
	builder.failStart = "greek_context_"
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, scienceStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Error retrieving Greek context: cannot open conversation", res.Context[ContextGreek])
	require.Len(t, res.FactChecks.VerifiedClaims, 2)
	for _, vc := range res.FactChecks.VerifiedClaims {
		assert.Equal(t, AgentTypeInternational, vc.Claim.AgentType)
		assert.Equal(t, VerdictTrue, vc.Verdict)
	}
}

func TestProcessClaimFailureStaysLocal(t *testing.T) {
	reply := func(ctx context.Context, a *scriptedAgent, tmpl, prompt string) (Response, error) {
		if tmpl == "claim_verification" && strings.Contains(prompt, "European") {
			return Response{}, errors.New("search tool failed")
		}
		return defaultReply(ctx, a, tmpl, prompt)
	}
	builder := newFakeBuilder(reply)
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, scienceStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())

	assert.Empty(t, res.Errors)
	require.Len(t, res.FactChecks.VerifiedClaims, 2)
	assert.Equal(t, VerdictTrue, res.FactChecks.VerifiedClaims[0].Verdict)
	assert.Equal(t, VerdictError, res.FactChecks.VerifiedClaims[1].Verdict)
	assert.Equal(t, "search tool failed", res.FactChecks.VerifiedClaims[1].Error)
	assert.NotEmpty(t, res.FactChecks.Summary)
}

func TestProcessSummaryFailure(t *testing.T) {
	builder := newFakeBuilder(failing("factcheck_summary", errors.New("overloaded")))
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, politicsStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())

	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Fact-checking failed: overloaded", res.Errors[0].Error())
	assert.Equal(t, "overloaded", res.FactChecks.Error)
	assert.NotEmpty(t, res.FactChecks.InterrogationPlan)
	assert.Len(t, res.FactChecks.VerifiedClaims, 2)
}

func TestProcessContextTimeout(t *testing.T) {
	reply := func(ctx context.Context, a *scriptedAgent, tmpl, prompt string) (Response, error) {
		if tmpl == "context_greek" {
			<-ctx.Done()
			return Response{}, ctx.Err()
		}
		return defaultReply(ctx, a, tmpl, prompt)
	}
	builder := newFakeBuilder(reply)
	rt := newTestRuntime(builder, func(c *config.Config) { c.Agents.ContextTimeout = 30 * time.Millisecond })
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, politicsStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())

	require.Len(t, res.Errors, 1)
	assert.Equal(t, PhaseGreekContext, res.Errors[0].Phase)
	assert.Contains(t, res.Errors[0].Error(), "deadline exceeded")
	assert.Equal(t, NoValidContextMessage, res.FactChecks.Error)
}

type panickingRenderer struct {
	echoRenderer
	on string
}

func (r panickingRenderer) Render(name string, vars map[string]interface{}) (string, error) {
	if name == r.on {
		panic("template engine crashed")
	}
	return r.echoRenderer.Render(name, vars)
}

func TestProcessRecoversPanic(t *testing.T) {
	builder := newFakeBuilder(nil)
	rt := newTestRuntime(builder, nil)
	rt.Prompts = panickingRenderer{on: "factcheck_interrogation"}
	defer rt.Bus.Stop(context.Background())

	var res StoryResult
	require.NotPanics(t, func() {
		res = NewStoryProcessor(rt, politicsStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())
	})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Story processing failed: template engine crashed", res.Errors[0].Error())
	assert.Equal(t, 0, rt.Bus.Registered())
}

func TestProcessAgentPanicIsContextFailure(t *testing.T) {
	reply := func(ctx context.Context, a *scriptedAgent, tmpl, prompt string) (Response, error) {
		if tmpl == "context_international" {
			panic("nil map")
		}
		return defaultReply(ctx, a, tmpl, prompt)
	}
	builder := newFakeBuilder(reply)
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, scienceStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, PhaseInternationalContext, res.Errors[0].Phase)
	assert.True(t, strings.HasPrefix(res.Context[ContextInternational], "Error retrieving international context: "))
	assert.NotEmpty(t, res.FactChecks.Summary)
}

func TestProcessorIsSingleUse(t *testing.T) {
	builder := newFakeBuilder(nil)
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())

	p := NewStoryProcessor(rt, politicsStory(), NewAgentFactory(builder, rt.Bus, nil))
	p.Process(context.Background())
	res := p.Process(context.Background())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, KindCatastrophic, res.Errors[0].Kind)
}

func TestPooledProcessorResetsBetweenStories(t *testing.T) {
	builder := newFakeBuilder(nil)
	rt := newTestRuntime(builder, nil)
	defer rt.Bus.Stop(context.Background())
	pool := NewAgentPool(NewAgentFactory(builder, rt.Bus, nil))

	stories := []Story{politicsStory(), scienceStory(), politicsStory()}
	for _, s := range stories {
		res := NewPooledStoryProcessor(rt, s, pool).Process(context.Background())
		require.Empty(t, res.Errors)
	}

	greek := builder.built("greek_context_pool_")
	require.Len(t, greek, 1, "pooled agents are shared")
	_, ended, resets := greek[0].counts()
	assert.Equal(t, 3, resets)
	assert.Equal(t, 3, ended)
	assert.Zero(t, greek[0].openConversations())

	international := builder.built("international_context_pool_")
	require.Len(t, international, 1)
	_, _, resets = international[0].counts()
	assert.Equal(t, 1, resets)

	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, 0, rt.Bus.Registered())
}

func TestPromptVarsMatchTemplates(t *testing.T) {
	r, err := prompts.Default()
	require.NoError(t, err)
	builder := newFakeBuilder(nil)
	rt := newTestRuntime(builder, nil)
	rt.Prompts = checkedRenderer{real: r}
	rt.Fetcher = staticFetcher("Απόσπασμα άρθρου")
	defer rt.Bus.Stop(context.Background())

	res := NewStoryProcessor(rt, scienceStory(), NewAgentFactory(builder, rt.Bus, nil)).Process(context.Background())
	require.Empty(t, res.Errors)

	_, err = r.Render("synthesis", SynthesisVars(res))
	require.NoError(t, err)
}

// checkedRenderer renders through real templates to catch missing
// variables, then returns the echo form the scripted agents understand.
type checkedRenderer struct{ real PromptRenderer }

func (c checkedRenderer) Render(name string, vars map[string]interface{}) (string, error) {
	if _, err := c.real.Render(name, vars); err != nil {
		return "", err
	}
	return echoRenderer{}.Render(name, vars)
}

type staticFetcher string

func (f staticFetcher) Excerpt(context.Context, string) (string, error) { return string(f), nil }
