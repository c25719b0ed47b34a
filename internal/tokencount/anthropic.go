package tokencount

import "strings"

// anthropicCharsPerToken is Anthropic's own published rule of thumb for
// estimating Claude token counts without calling a tokenizer.
const anthropicCharsPerToken = 3.5

// anthropicCounter implements Counter for Claude models via the
// character-ratio heuristic (Anthropic does not ship a local tokenizer).
type anthropicCounter struct {
	model        string
	safetyMargin float64
	limits       modelLimits
	ratio        charRatioCounter
}

// anthropicLimits records context-window/output caps per known Claude model.
var anthropicLimits = map[string]modelLimits{
	// Claude 4.x series (2025)
	"claude-sonnet-4-5-20250929": {
		contextWindow: 200000,
		maxOutput:     64000,
	},
	"claude-opus-4-1-20250805": {
		contextWindow: 200000,
		maxOutput:     32000,
	},
	"claude-sonnet-4-20250514": {
		contextWindow: 200000,
		maxOutput:     64000,
	},
	// Claude 3.5 series (2024)
	"claude-3-5-sonnet-20241022": {
		contextWindow: 200000,
		maxOutput:     8192,
	},
	"claude-3-5-haiku-20241022": {
		contextWindow: 200000,
		maxOutput:     8192,
	},
	// Claude 3 series (legacy)
	"claude-3-opus-20240229": {
		contextWindow: 200000,
		maxOutput:     4096,
	},
	"claude-3-sonnet-20240229": {
		contextWindow: 200000,
		maxOutput:     4096,
	},
	"claude-3-haiku-20240307": {
		contextWindow: 200000,
		maxOutput:     4096,
	},
}

func newAnthropicCounter(cfg Config) (Counter, error) {
	// Get model limits
	limits, ok := anthropicLimits[cfg.Model]
	if !ok {
		// Default limits for unknown Claude models
		limits = modelLimits{
			contextWindow: 200000,
			maxOutput:     4096,
		}
	}

	return &anthropicCounter{
		model:        cfg.Model,
		safetyMargin: cfg.SafetyMargin,
		limits:       limits,
		ratio:        charRatioCounter{charsPerToken: anthropicCharsPerToken, roleOverhead: 10, formatOverhead: 5},
	}, nil
}

func (a *anthropicCounter) Count(text string) (int, error) {
	return a.ratio.count(text), nil
}

func (a *anthropicCounter) CountMessages(messages []Message) (int, error) {
	return a.ratio.countMessages(messages), nil
}

func (a *anthropicCounter) MaxContextWindow() int {
	return a.limits.contextWindow
}

func (a *anthropicCounter) MaxOutputTokens() int {
	return a.limits.maxOutput
}

func (a *anthropicCounter) ReserveTokens() int {
	return int(float64(a.limits.contextWindow) * a.safetyMargin)
}

func (a *anthropicCounter) Provider() string {
	return "anthropic"
}

func (a *anthropicCounter) Model() string {
	return a.model
}

// countWords is a utility for more refined estimation (not currently used)
func countWords(text string) int {
	return len(strings.Fields(text))
}
