package core

import "fmt"

// ErrorKind classifies a RunError.
type ErrorKind string

const (
	KindParse        ErrorKind = "parse"
	KindValidation   ErrorKind = "validation"
	KindAgentCall    ErrorKind = "agent_call"
	KindStructural   ErrorKind = "structural"
	KindBudget       ErrorKind = "budget"
	KindCatastrophic ErrorKind = "catastrophic"
)

// Phase names where a RunError can originate.
type Phase string

const (
	PhaseDiscovery            Phase = "discovery"
	PhaseGreekContext         Phase = "greek_context"
	PhaseInternationalContext Phase = "international_context"
	PhaseFactCheck            Phase = "fact_check"
	PhaseSynthesis            Phase = "synthesis"
	PhaseStory                Phase = "story"
	PhaseRun                  Phase = "run"
)

// RunError is a non-fatal failure accumulated somewhere in a run.
type RunError struct {
	Kind     ErrorKind `json:"kind"`
	Phase    Phase     `json:"phase,omitempty"`
	Category string    `json:"category,omitempty"`
	StoryKey string    `json:"story_key,omitempty"`
	Message  string    `json:"message"`
}

// Error renders the prefixed form operators and older consumers grep for.
func (e RunError) Error() string {
	switch {
	case e.Kind == KindCatastrophic && e.Phase == PhaseStory:
		return "Story processing failed: " + e.Message
	case e.Kind == KindCatastrophic && e.Phase == PhaseRun:
		return "Run failed: " + e.Message
	case e.Kind == KindBudget:
		return "Budget exceeded: " + e.Message
	}
	switch e.Phase {
	case PhaseGreekContext:
		return "Greek context failed: " + e.Message
	case PhaseInternationalContext:
		return "International context failed: " + e.Message
	case PhaseFactCheck:
		return "Fact-checking failed: " + e.Message
	case PhaseSynthesis:
		return "Synthesis failed: " + e.Message
	case PhaseDiscovery:
		if e.Kind == KindAgentCall || e.Kind == KindCatastrophic {
			return "Discovery failed: " + e.Message
		}
	}
	return e.Message
}

// Warning reports whether e is informational only.
func (e RunError) Warning() bool { return e.Kind == KindValidation }

func newError(kind ErrorKind, phase Phase, format string, args ...interface{}) RunError {
	return RunError{Kind: kind, Phase: phase, Message: fmt.Sprintf(format, args...)}
}

// Errors is an ordered, additive collection of RunError values.
type Errors []RunError

// Strings returns the rendered messages in order.
func (es Errors) Strings() []string {
	if len(es) == 0 {
		return nil
	}
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Error()
	}
	return out
}

// HasKind reports whether any error has kind k.
func (es Errors) HasKind(k ErrorKind) bool {
	for _, e := range es {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// Fatal reports whether any error is more than a warning.
func (es Errors) Fatal() bool {
	for _, e := range es {
		if !e.Warning() {
			return true
		}
	}
	return false
}

// WithStory stamps every error that lacks a story key with key and category.
func (es Errors) WithStory(category, key string) Errors {
	for i := range es {
		if es[i].StoryKey == "" {
			es[i].StoryKey = key
		}
		if es[i].Category == "" {
			es[i].Category = category
		}
	}
	return es
}

// WithCategory stamps every error that lacks a category.
func (es Errors) WithCategory(category string) Errors {
	for i := range es {
		if es[i].Category == "" {
			es[i].Category = category
		}
	}
	return es
}
