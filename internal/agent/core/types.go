package core

import (
	"context"
	"time"
)

// Story is one validated news item produced by a discovery agent.
type Story struct {
	ID                          int      `json:"id"`
	Headline                    string   `json:"headline"`
	HeadlineGreek               string   `json:"headline_greek"`
	Summary                     string   `json:"summary"`
	SourceName                  string   `json:"source_name"`
	SourceURL                   string   `json:"source_url"`
	PublishedDate               string   `json:"published_date"`
	Stakeholders                []string `json:"stakeholders"`
	InternationalRelevanceScore int      `json:"international_relevance_score"`
	RelevanceReasoning          string   `json:"relevance_reasoning"`
	Category                    string   `json:"category"`
}

// Source agent tags carried by citations.
const (
	SourceDiscovery               = "discovery"
	SourceGreekContext            = "greek_context"
	SourceInternationalContext    = "international_context"
	SourceFactVerifyGreek         = "fact_verify_greek"
	SourceFactVerifyInternational = "fact_verify_international"
)

// Context agent types.
const (
	AgentTypeGreek         = "greek"
	AgentTypeInternational = "international"
)

// Citation is a source reference attributed to the phase that found it.
type Citation struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	SourceAgent   string `json:"source_agent,omitempty"`
	ClaimVerified string `json:"claim_verified,omitempty"`
}

// Usage accumulates token counts and cost for one or more LLM calls.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Add folds o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.CostUSD += o.CostUSD
}

// Response is what an agent returns for one message.
type Response struct {
	Content   string                 `json:"content"`
	Citations []Citation             `json:"citations,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Usage     Usage                  `json:"usage"`
}

// ConversationStats summarises a finished conversation.
type ConversationStats struct {
	ConversationID string        `json:"conversation_id"`
	Messages       int           `json:"messages"`
	Usage          Usage         `json:"usage"`
	Duration       time.Duration `json:"duration"`
}

// Agent is an LLM-backed conversational participant. Implementations must be
// safe for concurrent use across distinct conversations.
type Agent interface {
	Name() string
	StartConversation(ctx context.Context, conversationType string) (string, error)
	SendMessage(ctx context.Context, conversationID, prompt string) (Response, error)
	EndConversation(ctx context.Context, conversationID string) (ConversationStats, error)
	// Reset drops every open conversation and any history the agent keeps.
	Reset(ctx context.Context) error
}

// PromptRenderer renders named prompt templates. Missing variables are errors.
type PromptRenderer interface {
	Render(name string, vars map[string]interface{}) (string, error)
}

// Claim is a statement picked out of an interrogation plan for verification.
type Claim struct {
	Text         string `json:"text"`
	AgentType    string `json:"agent_type"`
	OriginalLine string `json:"original_line"`
}

// Verdicts a verification can end with.
const (
	VerdictTrue          = "TRUE"
	VerdictFalse         = "FALSE"
	VerdictPartiallyTrue = "PARTIALLY-TRUE"
	VerdictUnverified    = "UNVERIFIED"
	VerdictError         = "ERROR"
)

// VerifiedClaim is the outcome of verifying one claim.
type VerifiedClaim struct {
	Claim        Claim      `json:"claim"`
	Verdict      string     `json:"verdict"`
	Verification string     `json:"verification,omitempty"`
	Citations    []Citation `json:"citations,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// FactChecks is the output of the fact-checking phase.
type FactChecks struct {
	InterrogationPlan string          `json:"interrogation_plan,omitempty"`
	Claims            []Claim         `json:"claims,omitempty"`
	VerifiedClaims    []VerifiedClaim `json:"verified_claims,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Attempted reports whether the phase produced anything at all.
func (f FactChecks) Attempted() bool {
	return f.InterrogationPlan != "" || f.Summary != "" || f.Error != ""
}

// Context keys in StoryResult.Context.
const (
	ContextGreek         = "greek"
	ContextInternational = "international"
)

// StoryResult is the full analysis of one story. It is always returned, even
// when every phase failed.
type StoryResult struct {
	Story       Story             `json:"story"`
	Context     map[string]string `json:"context"`
	FactChecks  FactChecks        `json:"factchecks"`
	Citations   []Citation        `json:"citations"`
	Errors      Errors            `json:"errors"`
	Synthesis   string            `json:"synthesis,omitempty"`
	Usage       Usage             `json:"usage"`
	Duration    time.Duration     `json:"duration"`
	Transitions []Transition      `json:"transitions,omitempty"`
}

// Successful reports whether the story finished without any recorded error.
func (r StoryResult) Successful() bool { return len(r.Errors) == 0 }

// Run statuses.
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunSummary is the headline outcome of a daily run.
type RunSummary struct {
	Status         string  `json:"status"`
	Message        string  `json:"message,omitempty"`
	Discovered     int     `json:"discovered"`
	Processed      int     `json:"processed"`
	Successful     int     `json:"successful"`
	Failed         int     `json:"failed"`
	TotalCitations int     `json:"total_citations"`
	CostUSD        float64 `json:"cost_usd"`
	Tokens         int64   `json:"tokens"`
}

// RunReport is the full result of RunDailyAnalysis.
type RunReport struct {
	SessionID    string                 `json:"session_id"`
	Date         string                 `json:"date"`
	Mode         string                 `json:"mode"`
	TotalStories int                    `json:"total_stories"`
	Results      map[string]StoryResult `json:"results"`
	Errors       map[string]Errors      `json:"errors"`
	Summary      RunSummary             `json:"summary"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, report RunReport) error
}

// EventPublisher receives pipeline lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, payload interface{}) error
}

// ArticleFetcher returns a plain-text excerpt of the article at url.
type ArticleFetcher interface {
	Excerpt(ctx context.Context, url string) (string, error)
}
