package llm

import (
	"context"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/newsdesk/config"
)

const grokBaseURL = "https://api.x.ai"

// Grok calls the xAI chat completions endpoint with live search.
type Grok struct {
	apiKey  string
	baseURL string
	http    *HTTPClient
}

func NewGrok(p config.LLMProvider) *Grok {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = grokBaseURL
	}
	return &Grok{apiKey: p.APIKey, baseURL: base, http: NewHTTPClient(ProviderGrok, p.Timeout, p.MaxRetries, 0)}
}

func (g *Grok) Name() string { return ProviderGrok }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type grokSearchParameters struct {
	Mode            string `json:"mode"`
	ReturnCitations bool   `json:"return_citations"`
}

type grokRequest struct {
	Model            string                `json:"model"`
	Messages         []chatMessage         `json:"messages"`
	MaxTokens        int                   `json:"max_tokens,omitempty"`
	Temperature      float64               `json:"temperature"`
	SearchParameters *grokSearchParameters `json:"search_parameters,omitempty"`
}

type grokResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     struct {
		PromptTokens        int64 `json:"prompt_tokens"`
		CompletionTokens    int64 `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

func (g *Grok) Complete(ctx context.Context, req Request) (Result, error) {
	body := grokRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]chatMessage, 0, len(req.Messages)+1),
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.WebSearch {
		body.SearchParameters = &grokSearchParameters{Mode: "auto", ReturnCitations: true}
	}

	headers := map[string]string{"Authorization": "Bearer " + g.apiKey}
	var resp grokResponse
	if err := g.http.DoJSON(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", headers, body, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Result{}, ErrEmptyResponse
	}

	sources := make([]Source, 0, len(resp.Citations))
	for _, u := range resp.Citations {
		sources = append(sources, Source{URL: u})
	}
	// cached prompt tokens are reported inside prompt_tokens
	cached := resp.Usage.PromptTokensDetails.CachedTokens
	return Result{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		Sources:      dedupSources(sources),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens - cached,
		OutputTokens: resp.Usage.CompletionTokens,
		CacheRead:    cached,
	}, nil
}
