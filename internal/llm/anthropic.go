package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/newsdesk/config"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	anthropicSearchTool = "web_search_20250305"
	anthropicMaxSearch  = 5
)

// Anthropic calls the Messages API. The system prompt and the conversation
// prefix are marked for prompt caching so follow-up turns are billed at the
// cached rate.
type Anthropic struct {
	apiKey  string
	baseURL string
	http    *HTTPClient
}

func NewAnthropic(p config.LLMProvider) *Anthropic {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = anthropicBaseURL
	}
	return &Anthropic{
		apiKey:  p.APIKey,
		baseURL: base,
		http:    NewHTTPClient(ProviderAnthropic, p.Timeout, p.MaxRetries, 0),
	}
}

func (a *Anthropic) Name() string { return ProviderAnthropic }

type anthropicCacheControl struct {
	Type string `json:"type"`
}

type anthropicBlock struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      []anthropicBlock   `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicCitation struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type anthropicSearchResult struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// anthropicContent.Content holds search results for web_search_tool_result
// blocks and an error object on failed searches.
type anthropicContent struct {
	Type      string              `json:"type"`
	Text      string              `json:"text"`
	Citations []anthropicCitation `json:"citations"`
	Content   json.RawMessage     `json:"content"`
}

type anthropicResponse struct {
	Model   string             `json:"model"`
	Content []anthropicContent `json:"content"`
	Usage   struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (Result, error) {
	ephemeral := &anthropicCacheControl{Type: "ephemeral"}
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]anthropicMessage, 0, len(req.Messages)),
	}
	if req.System != "" {
		body.System = []anthropicBlock{{Type: "text", Text: req.System, CacheControl: ephemeral}}
	}
	for i, m := range req.Messages {
		block := anthropicBlock{Type: "text", Text: m.Content}
		// the turn before the new prompt closes the cached prefix
		if i == len(req.Messages)-2 {
			block.CacheControl = ephemeral
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: []anthropicBlock{block}})
	}
	if req.WebSearch {
		body.Tools = []anthropicTool{{Type: anthropicSearchTool, Name: "web_search", MaxUses: anthropicMaxSearch}}
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
	var resp anthropicResponse
	if err := a.http.DoJSON(ctx, http.MethodPost, a.baseURL+"/v1/messages", headers, body, &resp); err != nil {
		return Result{}, err
	}

	var (
		text    strings.Builder
		sources []Source
	)
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
			for _, cit := range c.Citations {
				sources = append(sources, Source{URL: cit.URL, Title: cit.Title})
			}
		case "web_search_tool_result":
			var results []anthropicSearchResult
			if err := json.Unmarshal(c.Content, &results); err == nil {
				for _, r := range results {
					sources = append(sources, Source{URL: r.URL, Title: r.Title})
				}
			}
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return Result{}, ErrEmptyResponse
	}
	return Result{
		Text:         out,
		Sources:      dedupSources(sources),
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CacheRead:    resp.Usage.CacheReadInputTokens,
		CacheWrite:   resp.Usage.CacheCreationInputTokens,
	}, nil
}
