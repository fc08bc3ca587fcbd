package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/newsdesk/config"
	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK with Google Search
// grounding.
type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, p config.LLMProvider) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (g *Gemini) Name() string { return ProviderGemini }

func (g *Gemini) Complete(ctx context.Context, req Request) (Result, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.WebSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return Result{}, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, ErrEmptyResponse
	}

	var sources []Source
	for _, cand := range resp.Candidates {
		if cand == nil || cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			sources = append(sources, Source{URL: chunk.Web.URI, Title: chunk.Web.Title})
		}
	}

	out := Result{Text: text, Sources: dedupSources(sources), Model: resp.ModelVersion}
	if u := resp.UsageMetadata; u != nil {
		cached := int64(u.CachedContentTokenCount)
		out.InputTokens = int64(u.PromptTokenCount) - cached
		out.OutputTokens = int64(u.CandidatesTokenCount)
		out.CacheRead = cached
	}
	return out, nil
}
