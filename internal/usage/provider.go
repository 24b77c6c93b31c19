package usage

import "sort"

// Provider normalizes one vendor's usage payload and prices its models.
type Provider interface {
	Name() string
	Normalize(raw map[string]any) (Usage, bool)
	EstimateCost(model string, u Usage) float64
}

type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	registry := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, provider := range providers {
		registry.providers[provider.Name()] = provider
	}
	return registry
}

var defaultRegistry = NewRegistry(OpenAIProvider{}, AnthropicProvider{}, GoogleProvider{})

func DefaultRegistry() *Registry {
	return defaultRegistry
}

func (r *Registry) Get(name string) (Provider, bool) {
	provider, ok := r.providers[name]
	return provider, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EstimateCost prices u for model using the named provider's tables. It
// returns false when the provider or model is unknown.
func EstimateCost(provider, model string, u Usage) (float64, bool) {
	p, ok := DefaultRegistry().Get(provider)
	if !ok {
		return 0, false
	}
	cost := p.EstimateCost(model, u)
	return cost, cost > 0
}

type tokenPricing struct {
	inputPer1K  float64
	outputPer1K float64
}

func (p tokenPricing) cost(u Usage) float64 {
	return (float64(u.PromptTokens)/1000)*p.inputPer1K + (float64(u.CompletionTokens)/1000)*p.outputPer1K
}

// genericProvider matches the common aliases used by OpenAI-compatible and
// self-hosted model servers.
type genericProvider struct{}

func (genericProvider) Name() string { return "generic" }

func (genericProvider) Normalize(raw map[string]any) (Usage, bool) {
	prompt, okPrompt := firstInt(raw, "prompt_tokens", "input_tokens", "promptTokenCount", "prompt_eval_count")
	completion, okCompletion := firstInt(raw, "completion_tokens", "output_tokens", "candidatesTokenCount", "eval_count")
	if !okPrompt && !okCompletion {
		return Usage{}, false
	}
	total, ok := firstInt(raw, "total_tokens", "totalTokenCount")
	if !ok {
		total = prompt + completion
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total, Original: flatten(raw)}, true
}

func (genericProvider) EstimateCost(string, Usage) float64 { return 0 }
