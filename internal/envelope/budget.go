package envelope

import (
	"fmt"

	"github.com/rjcorwin/mew-protocol-sub005/internal/tokencount"
)

// EnvelopeBudget is a token-budget analysis for a single envelope payload,
// used by the participant Runtime's Send to decide whether an outbound
// envelope's payload, of any kind, must be split into sequenced chunks
// (see chunking.go) before it is sent.
type EnvelopeBudget struct {
	PayloadTokens int // Tokens in the payload
	HeaderTokens  int // Estimated tokens for envelope metadata
	TotalTokens   int // PayloadTokens + HeaderTokens

	NeedsSplitting  bool // Whether the payload needs chunking
	SuggestedChunks int  // Number of chunks recommended

	MaxContextWindow int // Counter's max context window
	MaxOutputTokens  int // Counter's max output tokens
	AvailableTokens  int // Tokens available after this envelope
}

// CalculateBudget estimates token usage for an envelope's payload against
// the given counter, deciding whether it needs to be chunked.
func CalculateBudget(env *Envelope, counter tokencount.Counter) (*EnvelopeBudget, error) {
	payloadStr := string(env.Payload)
	payloadTokens, err := counter.Count(payloadStr)
	if err != nil {
		return nil, fmt.Errorf("failed to count payload tokens: %w", err)
	}

	headerTokens := estimateMetadataTokens(env)
	totalTokens := payloadTokens + headerTokens

	maxContext := counter.MaxContextWindow()
	maxOutput := counter.MaxOutputTokens()

	reserveTokens := counter.ReserveTokens()
	requiredSpace := maxOutput + reserveTokens

	needsSplitting := totalTokens > (maxContext - requiredSpace)
	suggestedChunks := 1

	if needsSplitting {
		maxPayloadPerChunk := maxContext - headerTokens - requiredSpace
		if maxPayloadPerChunk <= 0 {
			return nil, fmt.Errorf("cannot fit payload: metadata alone exceeds available space")
		}

		suggestedChunks = (payloadTokens + maxPayloadPerChunk - 1) / maxPayloadPerChunk
		if suggestedChunks < 2 {
			suggestedChunks = 2
		}
	}

	return &EnvelopeBudget{
		PayloadTokens:    payloadTokens,
		HeaderTokens:     headerTokens,
		TotalTokens:      totalTokens,
		NeedsSplitting:   needsSplitting,
		SuggestedChunks:  suggestedChunks,
		MaxContextWindow: maxContext,
		MaxOutputTokens:  maxOutput,
		AvailableTokens:  maxContext - totalTokens - requiredSpace,
	}, nil
}

// estimateMetadataTokens gives a conservative estimate of tokens consumed
// by envelope metadata outside the payload (id, correlation, addressing).
func estimateMetadataTokens(env *Envelope) int {
	baseTokens := 80 // protocol, id, ts, from, kind

	toTokens := len(env.To) * 4
	correlationTokens := len(env.CorrelationID) * 4
	contextTokens := 0
	if env.Context != "" {
		contextTokens = 4
	}

	return baseTokens + toTokens + correlationTokens + contextTokens
}
