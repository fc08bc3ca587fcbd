package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsInternationalContext(t *testing.T) {
	cases := []struct {
		category string
		score    int
		want     bool
	}{
		{"science", 1, true},
		{"Technology", 1, true},
		{"international", 3, true},
		{"greek_political", 6, false},
		{"greek_political", 7, true},
		{"greek_economic", 10, true},
	}
	for _, tc := range cases {
		s := Story{Category: tc.category, InternationalRelevanceScore: tc.score}
		assert.Equal(t, tc.want, s.NeedsInternationalContext(), "%s/%d", tc.category, tc.score)
	}
}

func TestStoryKeyAndHeadline(t *testing.T) {
	s := Story{ID: 3, Category: "science", Headline: "Probe lands"}
	assert.Equal(t, "science_3", s.Key())
	assert.Equal(t, "Probe lands", s.DisplayHeadline())
	s.HeadlineGreek = "Προσεδάφιση"
	assert.Equal(t, "Προσεδάφιση", s.DisplayHeadline())
}

func TestRunErrorRendering(t *testing.T) {
	cases := []struct {
		err  RunError
		want string
	}{
		{RunError{Kind: KindAgentCall, Phase: PhaseGreekContext, Message: "timeout"}, "Greek context failed: timeout"},
		{RunError{Kind: KindAgentCall, Phase: PhaseInternationalContext, Message: "x"}, "International context failed: x"},
		{RunError{Kind: KindAgentCall, Phase: PhaseFactCheck, Message: "x"}, "Fact-checking failed: x"},
		{RunError{Kind: KindAgentCall, Phase: PhaseSynthesis, Message: "x"}, "Synthesis failed: x"},
		{RunError{Kind: KindCatastrophic, Phase: PhaseStory, Message: "boom"}, "Story processing failed: boom"},
		{RunError{Kind: KindCatastrophic, Phase: PhaseRun, Message: "boom"}, "Run failed: boom"},
		{RunError{Kind: KindBudget, Phase: PhaseStory, Message: "cost"}, "Budget exceeded: cost"},
		{RunError{Kind: KindAgentCall, Phase: PhaseDiscovery, Message: "down"}, "Discovery failed: down"},
		{RunError{Kind: KindValidation, Phase: PhaseDiscovery, Message: "Only 2 stories"}, "Only 2 stories"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}

func TestErrorsHelpers(t *testing.T) {
	errs := Errors{
		{Kind: KindValidation, Message: "warn"},
	}
	assert.False(t, errs.Fatal())
	assert.True(t, errs.HasKind(KindValidation))

	errs = append(errs, RunError{Kind: KindParse, Message: "bad", Category: "science"})
	assert.True(t, errs.Fatal())
	assert.Equal(t, []string{"warn", "bad"}, errs.Strings())

	stamped := errs.WithStory("technology", "technology_1")
	assert.Equal(t, "technology_1", stamped[0].StoryKey)
	assert.Equal(t, "technology", stamped[0].Category)
	assert.Equal(t, "science", stamped[1].Category)
	assert.Nil(t, Errors(nil).Strings())
}
