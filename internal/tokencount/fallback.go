package tokencount

// fallbackCharsPerToken is deliberately more conservative than
// anthropicCharsPerToken (overestimating tokens, never under), since a
// participant using this path hasn't told us what tokenizer its backing
// model actually uses.
const fallbackCharsPerToken = 4.0

// fallbackCounter backs a participant whose provider isn't recognized —
// still a usable token estimate (via the character-ratio heuristic) so
// budget calculation degrades rather than failing outright.
type fallbackCounter struct {
	model        string
	provider     string
	safetyMargin float64
	ratio        charRatioCounter
}

func newFallbackCounter(cfg Config) (Counter, error) {
	return &fallbackCounter{
		model:        cfg.Model,
		provider:     cfg.Provider,
		safetyMargin: cfg.SafetyMargin + 0.10, // extra margin, on top of Config's, for an unverified model
		ratio:        charRatioCounter{charsPerToken: fallbackCharsPerToken, roleOverhead: 15, formatOverhead: 10},
	}, nil
}

func (f *fallbackCounter) Count(text string) (int, error) {
	return f.ratio.count(text), nil
}

func (f *fallbackCounter) CountMessages(messages []Message) (int, error) {
	return f.ratio.countMessages(messages), nil
}

func (f *fallbackCounter) MaxContextWindow() int {
	// Conservative default: 128K context
	return 128000
}

func (f *fallbackCounter) MaxOutputTokens() int {
	// Conservative default: 4K output
	return 4096
}

func (f *fallbackCounter) ReserveTokens() int {
	return int(float64(f.MaxContextWindow()) * f.safetyMargin)
}

func (f *fallbackCounter) Provider() string {
	return f.provider
}

func (f *fallbackCounter) Model() string {
	return f.model
}
