// Package usage normalizes provider token accounting into the
// prompt/completion/total shape stored on spans.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const originalPrefix = "original_usage."

var ErrUnsupported = errors.New("usage value is not supported")

// Usage is the normalized token accounting of one LLM call. Original keeps
// every numeric provider field, flattened with dots.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Original         map[string]int64
}

// Map renders the wire representation: the three normalized counters plus
// original_usage.<field> passthrough entries.
func (u Usage) Map() map[string]int64 {
	out := make(map[string]int64, 3+len(u.Original))
	out["prompt_tokens"] = u.PromptTokens
	out["completion_tokens"] = u.CompletionTokens
	out["total_tokens"] = u.TotalTokens
	for key, value := range u.Original {
		out[originalPrefix+key] = value
	}
	return out
}

// Parse normalizes value, which may be a Usage, an openai.Usage, or a
// decoded provider usage map. provider selects the field layout for maps;
// unknown providers fall back to alias matching.
func Parse(provider string, value any) (Usage, error) {
	switch typed := value.(type) {
	case nil:
		return Usage{}, fmt.Errorf("%w: nil", ErrUnsupported)
	case Usage:
		return typed, nil
	case *Usage:
		if typed == nil {
			return Usage{}, fmt.Errorf("%w: nil", ErrUnsupported)
		}
		return *typed, nil
	case openai.Usage:
		return FromOpenAI(typed), nil
	case *openai.Usage:
		if typed == nil {
			return Usage{}, fmt.Errorf("%w: nil", ErrUnsupported)
		}
		return FromOpenAI(*typed), nil
	case map[string]int:
		raw := make(map[string]any, len(typed))
		for key, v := range typed {
			raw[key] = v
		}
		return parseMap(provider, raw)
	case map[string]int64:
		raw := make(map[string]any, len(typed))
		for key, v := range typed {
			raw[key] = v
		}
		return parseMap(provider, raw)
	case map[string]any:
		return parseMap(provider, typed)
	default:
		return Usage{}, fmt.Errorf("%w: %T", ErrUnsupported, value)
	}
}

func parseMap(provider string, raw map[string]any) (Usage, error) {
	normalizer, ok := DefaultRegistry().Get(strings.ToLower(strings.TrimSpace(provider)))
	if !ok {
		normalizer = genericProvider{}
	}
	normalized, ok := normalizer.Normalize(raw)
	if !ok {
		return Usage{}, fmt.Errorf("%w: no token counters in %s usage", ErrUnsupported, normalizer.Name())
	}
	return normalized, nil
}

// FromOpenAI converts the usage block of a go-openai response.
func FromOpenAI(u openai.Usage) Usage {
	original := map[string]int64{
		"prompt_tokens":     int64(u.PromptTokens),
		"completion_tokens": int64(u.CompletionTokens),
		"total_tokens":      int64(u.TotalTokens),
	}
	if details := u.PromptTokensDetails; details != nil {
		original["prompt_tokens_details.cached_tokens"] = int64(details.CachedTokens)
		original["prompt_tokens_details.audio_tokens"] = int64(details.AudioTokens)
	}
	if details := u.CompletionTokensDetails; details != nil {
		original["completion_tokens_details.reasoning_tokens"] = int64(details.ReasoningTokens)
		original["completion_tokens_details.audio_tokens"] = int64(details.AudioTokens)
	}
	total := int64(u.TotalTokens)
	if total == 0 {
		total = int64(u.PromptTokens + u.CompletionTokens)
	}
	return Usage{
		PromptTokens:     int64(u.PromptTokens),
		CompletionTokens: int64(u.CompletionTokens),
		TotalTokens:      total,
		Original:         original,
	}
}

// flatten collects every numeric leaf of raw, joining nested keys with dots.
func flatten(raw map[string]any) map[string]int64 {
	out := make(map[string]int64)
	var walk func(prefix string, values map[string]any)
	walk = func(prefix string, values map[string]any) {
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			name := key
			if prefix != "" {
				name = prefix + "." + key
			}
			switch typed := values[key].(type) {
			case map[string]any:
				walk(name, typed)
			default:
				if v, ok := coerceInt64(typed); ok {
					out[name] = v
				}
			}
		}
	}
	walk("", raw)
	return out
}

func firstInt(values map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		if v, ok := coerceInt64(raw); ok {
			return v, true
		}
	}
	return 0, false
}

// coerceInt64 converts a loosely-typed decoded value to int64. Strings are
// not accepted: usage counters are always numbers on the wire.
func coerceInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), true
	case float32:
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case int32:
		return int64(typed), true
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case bool, string, nil:
		return 0, false
	default:
		parsed, err := strconv.ParseInt(fmt.Sprint(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
}
