// Package budget decides whether a participant's conversation history or
// an oversized envelope payload fits a model's context window, and if
// not, how many pieces to split it into. public/participant's
// UsageTracker uses it to shrink history under context pressure; Runtime
// uses the same splitting strategy (via internal/envelope.ChunkEnvelope)
// to keep an oversized outbound payload under the gateway's ingress size
// cap before the gateway would otherwise reject it outright.
package budget

import (
	"fmt"
	"math"
	"strings"

	"github.com/rjcorwin/mew-protocol-sub005/internal/tokencount"
)

// Manager calculates token budgets against one participant's configured
// counting model and splits oversized text to fit within it.
type Manager struct {
	counter    tokencount.Counter
	maxContext int // model's max context window
	maxOutput  int // model's max output tokens
}

// Budget is one Calculate call's token accounting for a system/context/
// input triple, including whether the input needs splitting to fit.
type Budget struct {
	SystemTokens    int  // tokens used by the system prompt
	ContextTokens   int  // tokens used by conversation history
	InputTokens     int  // tokens used by the current input
	UsedTokens      int  // total tokens used (system + context + input)
	AvailableTokens int  // tokens available for output
	MaxOutputTokens int  // maximum output tokens for this model
	NeedsSplitting  bool // whether input needs to be split
	SuggestedChunks int  // number of chunks if splitting is needed
}

// NewManager constructs a Manager backed by counter's model limits.
func NewManager(counter tokencount.Counter) *Manager {
	return &Manager{
		counter:    counter,
		maxContext: counter.MaxContextWindow(),
		maxOutput:  counter.MaxOutputTokens(),
	}
}

// Calculate counts system, context (history), and input tokens against
// the counting model's context window, reserving ReserveTokens() as a
// safety margin and MaxOutputTokens() for the eventual response. When
// what's left for output would be less than the model's own max output,
// the input needs splitting into SuggestedChunks pieces.
func (m *Manager) Calculate(system, context, input string) (*Budget, error) {
	// Count tokens for each component
	systemTokens, err := m.counter.Count(system)
	if err != nil {
		return nil, fmt.Errorf("failed to count system tokens: %w", err)
	}

	contextTokens, err := m.counter.Count(context)
	if err != nil {
		return nil, fmt.Errorf("failed to count context tokens: %w", err)
	}

	inputTokens, err := m.counter.Count(input)
	if err != nil {
		return nil, fmt.Errorf("failed to count input tokens: %w", err)
	}

	// Calculate total used tokens
	usedTokens := systemTokens + contextTokens + inputTokens

	// Reserve tokens for safety margin
	reserveTokens := m.counter.ReserveTokens()

	// Calculate available tokens for output
	// available = maxContext - used - reserve
	availableTokens := m.maxContext - usedTokens - reserveTokens

	// Determine if we need splitting
	needsSplitting := false
	suggestedChunks := 1

	// If available tokens < desired output, we need splitting
	if availableTokens < m.maxOutput {
		needsSplitting = true

		// Calculate how many chunks we need
		// Each chunk should fit: system + context + chunk_input + desired_output + reserve
		maxInputPerChunk := m.maxContext - systemTokens - contextTokens - m.maxOutput - reserveTokens

		if maxInputPerChunk <= 0 {
			return nil, fmt.Errorf("cannot fit input: system+context alone exceed token limit (need %d tokens, have %d max context)",
				systemTokens+contextTokens+m.maxOutput+reserveTokens, m.maxContext)
		}

		suggestedChunks = int(math.Ceil(float64(inputTokens) / float64(maxInputPerChunk)))
	}

	return &Budget{
		SystemTokens:    systemTokens,
		ContextTokens:   contextTokens,
		InputTokens:     inputTokens,
		UsedTokens:      usedTokens,
		AvailableTokens: availableTokens,
		MaxOutputTokens: m.maxOutput,
		NeedsSplitting:  needsSplitting,
		SuggestedChunks: suggestedChunks,
	}, nil
}

// SplitInput divides input into budget.SuggestedChunks pieces, splitting
// on paragraph boundaries first and falling back to sentence boundaries
// within any paragraph too large to fit a chunk on its own. Good enough
// for history-shrinking and payload-chunking; not code- or
// document-structure-aware.
func (m *Manager) SplitInput(input string, budget *Budget) ([]string, error) {
	if !budget.NeedsSplitting {
		return []string{input}, nil
	}

	if budget.SuggestedChunks <= 0 {
		return nil, fmt.Errorf("invalid suggested chunks: %d", budget.SuggestedChunks)
	}

	// Calculate target tokens per chunk
	targetTokensPerChunk := int(math.Ceil(float64(budget.InputTokens) / float64(budget.SuggestedChunks)))

	// Split by paragraphs first (better for readability)
	paragraphs := strings.Split(input, "\n\n")

	var chunks []string
	var currentChunk strings.Builder
	currentTokens := 0

	for _, para := range paragraphs {
		paraTokens, err := m.counter.Count(para)
		if err != nil {
			return nil, fmt.Errorf("failed to count paragraph tokens: %w", err)
		}

		// If single paragraph exceeds target, split it
		if paraTokens > targetTokensPerChunk {
			// Flush current chunk if not empty
			if currentChunk.Len() > 0 {
				chunks = append(chunks, currentChunk.String())
				currentChunk.Reset()
				currentTokens = 0
			}

			// Split large paragraph by sentences
			sentences := splitBySentences(para)
			for _, sentence := range sentences {
				sentTokens, err := m.counter.Count(sentence)
				if err != nil {
					return nil, fmt.Errorf("failed to count sentence tokens: %w", err)
				}

				if currentTokens+sentTokens > targetTokensPerChunk && currentChunk.Len() > 0 {
					chunks = append(chunks, currentChunk.String())
					currentChunk.Reset()
					currentTokens = 0
				}

				if currentChunk.Len() > 0 {
					currentChunk.WriteString(" ")
				}
				currentChunk.WriteString(sentence)
				currentTokens += sentTokens
			}
		} else {
			// Check if adding this paragraph exceeds target
			if currentTokens+paraTokens > targetTokensPerChunk && currentChunk.Len() > 0 {
				chunks = append(chunks, currentChunk.String())
				currentChunk.Reset()
				currentTokens = 0
			}

			if currentChunk.Len() > 0 {
				currentChunk.WriteString("\n\n")
			}
			currentChunk.WriteString(para)
			currentTokens += paraTokens
		}
	}

	// Add remaining chunk
	if currentChunk.Len() > 0 {
		chunks = append(chunks, currentChunk.String())
	}

	// If we ended up with no chunks (edge case), return original input
	if len(chunks) == 0 {
		return []string{input}, nil
	}

	return chunks, nil
}

// splitBySentences splits text on common terminal punctuation, trimming
// and dropping empty results.
func splitBySentences(text string) []string {
	// Split by common sentence terminators
	text = strings.ReplaceAll(text, ". ", ".\n")
	text = strings.ReplaceAll(text, "! ", "!\n")
	text = strings.ReplaceAll(text, "? ", "?\n")

	sentences := strings.Split(text, "\n")

	// Filter empty sentences
	var result []string
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}

	return result
}
