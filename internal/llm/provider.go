// Package llm adapts hosted model APIs to the conversational agent interface
// used by the orchestration core.
package llm

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("provider returned no text")

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call. Messages hold the full history with the
// new user turn last.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	WebSearch   bool
}

// Source is a web reference returned alongside a completion.
type Source struct {
	URL   string
	Title string
}

// Result is the provider answer plus raw token accounting.
type Result struct {
	Text         string
	Sources      []Source
	Model        string
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CacheWrite   int64
}

// Provider is a hosted model API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
}

func dedupSources(in []Source) []Source {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]Source, 0, len(in))
	for _, s := range in {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		out = append(out, s)
	}
	return out
}
