package usage

import "strings"

// GoogleProvider reads Gemini usageMetadata blocks.
type GoogleProvider struct{}

func (GoogleProvider) Name() string {
	return "google"
}

func (GoogleProvider) Normalize(raw map[string]any) (Usage, bool) {
	if nested, ok := raw["usageMetadata"].(map[string]any); ok {
		raw = nested
	}
	prompt, okPrompt := firstInt(raw, "promptTokenCount", "prompt_token_count")
	completion, okCompletion := firstInt(raw, "candidatesTokenCount", "candidates_token_count")
	if !okPrompt && !okCompletion {
		return Usage{}, false
	}
	total, ok := firstInt(raw, "totalTokenCount", "total_token_count")
	if !ok {
		total = prompt + completion
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total, Original: flatten(raw)}, true
}

var googlePrefixPricing = []struct {
	prefix string
	rates  tokenPricing
}{
	{prefix: "gemini-1.5-flash", rates: tokenPricing{inputPer1K: 0.000075, outputPer1K: 0.0003}},
	{prefix: "gemini-1.5-pro", rates: tokenPricing{inputPer1K: 0.00125, outputPer1K: 0.005}},
	{prefix: "gemini-2.0-flash", rates: tokenPricing{inputPer1K: 0.0001, outputPer1K: 0.0004}},
}

func (GoogleProvider) EstimateCost(model string, u Usage) float64 {
	model = strings.TrimSpace(strings.ToLower(model))
	model = strings.TrimPrefix(model, "models/")
	for _, rule := range googlePrefixPricing {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates.cost(u)
		}
	}
	return 0
}
