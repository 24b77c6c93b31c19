package usage

import "strings"

type AnthropicProvider struct{}

func (AnthropicProvider) Name() string {
	return "anthropic"
}

// Normalize counts cache reads and cache writes as prompt tokens; Anthropic
// reports them separately from input_tokens.
func (AnthropicProvider) Normalize(raw map[string]any) (Usage, bool) {
	input, okInput := firstInt(raw, "input_tokens")
	output, okOutput := firstInt(raw, "output_tokens")
	if !okInput && !okOutput {
		return Usage{}, false
	}
	cacheRead, _ := firstInt(raw, "cache_read_input_tokens")
	cacheWrite, _ := firstInt(raw, "cache_creation_input_tokens")
	prompt := input + cacheRead + cacheWrite
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: output,
		TotalTokens:      prompt + output,
		Original:         flatten(raw),
	}, true
}

func (AnthropicProvider) EstimateCost(model string, u Usage) float64 {
	rates, ok := anthropicPricingForModel(model)
	if !ok {
		return 0
	}
	return rates.cost(u)
}

type anthropicPricingRule struct {
	prefix string
	rates  tokenPricing
}

var anthropicExactPricing = map[string]tokenPricing{
	// USD per 1K tokens.
	"claude-opus-4-1":           {inputPer1K: 0.015, outputPer1K: 0.075},
	"claude-opus-4-6":           {inputPer1K: 0.005, outputPer1K: 0.025},
	"claude-sonnet-4-20250514":  {inputPer1K: 0.003, outputPer1K: 0.015},
	"claude-haiku-4-5-20251001": {inputPer1K: 0.001, outputPer1K: 0.005},
	"claude-3-5-haiku-20241022": {inputPer1K: 0.0008, outputPer1K: 0.004},
}

var anthropicPrefixPricing = []anthropicPricingRule{
	{prefix: "claude-opus-4-6-", rates: tokenPricing{inputPer1K: 0.005, outputPer1K: 0.025}},
	{prefix: "claude-opus-4-", rates: tokenPricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-sonnet-4-", rates: tokenPricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-haiku-4-", rates: tokenPricing{inputPer1K: 0.001, outputPer1K: 0.005}},
	{prefix: "claude-3-7-sonnet-", rates: tokenPricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-3-5-sonnet-", rates: tokenPricing{inputPer1K: 0.003, outputPer1K: 0.015}},
	{prefix: "claude-3-5-haiku-", rates: tokenPricing{inputPer1K: 0.0008, outputPer1K: 0.004}},
	{prefix: "claude-3-opus-", rates: tokenPricing{inputPer1K: 0.015, outputPer1K: 0.075}},
	{prefix: "claude-3-haiku-", rates: tokenPricing{inputPer1K: 0.00025, outputPer1K: 0.00125}},
}

func anthropicPricingForModel(model string) (tokenPricing, bool) {
	model = strings.TrimSpace(strings.ToLower(model))
	if model == "" {
		return tokenPricing{}, false
	}
	if rates, ok := anthropicExactPricing[model]; ok {
		return rates, true
	}
	for _, rule := range anthropicPrefixPricing {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.rates, true
		}
	}
	return tokenPricing{}, false
}
