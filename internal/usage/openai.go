package usage

import "strings"

type OpenAIProvider struct{}

func (OpenAIProvider) Name() string {
	return "openai"
}

func (OpenAIProvider) Normalize(raw map[string]any) (Usage, bool) {
	prompt, okPrompt := firstInt(raw, "prompt_tokens")
	completion, okCompletion := firstInt(raw, "completion_tokens")
	if !okPrompt && !okCompletion {
		// Responses API naming.
		prompt, okPrompt = firstInt(raw, "input_tokens")
		completion, okCompletion = firstInt(raw, "output_tokens")
	}
	if !okPrompt && !okCompletion {
		return Usage{}, false
	}
	total, ok := firstInt(raw, "total_tokens")
	if !ok {
		total = prompt + completion
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total, Original: flatten(raw)}, true
}

var openAIPricing = map[string]tokenPricing{
	// USD per 1K tokens.
	"gpt-4o":      {inputPer1K: 0.005, outputPer1K: 0.015},
	"gpt-4o-mini": {inputPer1K: 0.00015, outputPer1K: 0.0006},
}

func (OpenAIProvider) EstimateCost(model string, u Usage) float64 {
	rates, ok := openAIPricing[strings.TrimSpace(strings.ToLower(model))]
	if !ok {
		return 0
	}
	return rates.cost(u)
}
