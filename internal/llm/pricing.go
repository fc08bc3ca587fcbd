package llm

import "github.com/mohammad-safakhou/newsdesk/config"

// cacheWritePremium is the surcharge on input price for tokens written to the
// prompt cache.
const cacheWritePremium = 1.25

// Cost prices a result with the per-1K rates of model. Cached reads fall back
// to the input rate when no cached price is configured.
func Cost(model config.LLMModel, r Result) float64 {
	cachedRate := model.CostPer1KCached
	if cachedRate == 0 {
		cachedRate = model.CostPer1K
	}
	cost := float64(r.InputTokens) / 1000 * model.CostPer1K
	cost += float64(r.OutputTokens) / 1000 * model.CostPer1KOutput
	cost += float64(r.CacheRead) / 1000 * cachedRate
	cost += float64(r.CacheWrite) / 1000 * model.CostPer1K * cacheWritePremium
	return cost
}

// defaultModels is used when a role names no model or the configured provider
// has no entry for it.
var defaultModels = map[string]struct {
	key   string
	model config.LLMModel
}{
	ProviderAnthropic: {"sonnet", config.LLMModel{
		APIName: "claude-sonnet-4-20250514", MaxTokens: 8192, Temperature: 0.3,
		CostPer1K: 0.003, CostPer1KOutput: 0.015, CostPer1KCached: 0.0003,
	}},
	ProviderGemini: {"flash", config.LLMModel{
		APIName: "gemini-2.5-flash", MaxTokens: 8192, Temperature: 0.3,
		CostPer1K: 0.0003, CostPer1KOutput: 0.0025, CostPer1KCached: 0.000075,
	}},
	ProviderGrok: {"grok", config.LLMModel{
		APIName: "grok-3", MaxTokens: 8192, Temperature: 0.3,
		CostPer1K: 0.003, CostPer1KOutput: 0.015, CostPer1KCached: 0.00075,
	}},
}

// ResolveModel returns the model key and settings for provider. Unset fields of
// a configured model inherit the provider default.
func ResolveModel(provider string, p config.LLMProvider, key string) (string, config.LLMModel) {
	def := defaultModels[provider]
	if key == "" {
		key = def.key
	}
	m, ok := p.Models[key]
	if !ok {
		m = def.model
		if key != def.key {
			// an unknown key is taken as a raw API model name
			m.APIName = key
		}
		return key, m
	}
	if m.APIName == "" {
		m.APIName = def.model.APIName
	}
	if m.MaxTokens <= 0 {
		m.MaxTokens = def.model.MaxTokens
	}
	return key, m
}
