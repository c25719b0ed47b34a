package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// ChunkPayload is the payload shape carried by each envelope produced by
// ChunkEnvelope: a slice of a larger original payload plus enough metadata
// for MergeChunks to reassemble it in order.
type ChunkPayload struct {
	ChunkID    string          `json:"chunk_id"`
	Index      int             `json:"index"`
	Total      int             `json:"total"`
	OriginalID string          `json:"original_id"`
	Data       json.RawMessage `json:"data"`
}

// ChunkEnvelope splits an oversized envelope payload into a sequence of
// envelopes within budget's suggested chunk count. Each chunk envelope
// carries a ChunkPayload referencing the original envelope's id via
// correlation_id, so a recipient can reassemble them with MergeChunks
// (the Stream Channel Manager's Reassembler does this for inbound
// chunks). Used by participant.Runtime.Send to proactively split a
// payload that would otherwise be rejected by the gateway's ingress
// size cap.
func ChunkEnvelope(env *Envelope, budget *EnvelopeBudget) ([]*Envelope, error) {
	if !budget.NeedsSplitting {
		return []*Envelope{env}, nil
	}

	var parts [][]byte
	var err error
	if isJSONArray(env.Payload) {
		parts, err = splitJSONArray(env.Payload, budget.SuggestedChunks)
	} else {
		parts, err = splitTextPayload(env.Payload, budget.SuggestedChunks)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to split payload: %w", err)
	}

	chunkID := uuid.New().String()
	chunks := make([]*Envelope, len(parts))
	for i, part := range parts {
		payload := ChunkPayload{
			ChunkID:    chunkID,
			Index:      i,
			Total:      len(parts),
			OriginalID: env.ID,
			Data:       part,
		}

		chunkEnv, err := New(env.From, env.Kind, env.To, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to build chunk envelope %d: %w", i, err)
		}
		chunkEnv.CorrelationID = []string{env.ID}
		chunkEnv.Context = env.Context
		chunks[i] = chunkEnv
	}

	return chunks, nil
}

// MergeChunks reassembles envelopes produced by ChunkEnvelope back into a
// single envelope carrying the concatenated original payload. Chunks may
// arrive out of order; MergeChunks sorts them by index before merging.
func MergeChunks(chunks []*Envelope) (*Envelope, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("cannot merge empty chunk list")
	}

	payloads := make([]ChunkPayload, len(chunks))
	for i, c := range chunks {
		var p ChunkPayload
		if err := c.UnmarshalPayload(&p); err != nil {
			if len(chunks) == 1 {
				return chunks[0], nil
			}
			return nil, fmt.Errorf("chunk %d: not a chunk payload: %w", i, err)
		}
		payloads[i] = p
	}

	chunkID := payloads[0].ChunkID
	if chunkID == "" {
		return nil, fmt.Errorf("first chunk missing chunk_id")
	}
	for i, p := range payloads {
		if p.ChunkID != chunkID {
			return nil, fmt.Errorf("chunk %d has different chunk id: %s vs %s", i, p.ChunkID, chunkID)
		}
	}

	sorted := make([]ChunkPayload, len(payloads))
	copy(sorted, payloads)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i].Index > sorted[j].Index {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	expectedTotal := sorted[0].Total
	if len(sorted) != expectedTotal {
		return nil, fmt.Errorf("missing chunks: have %d, expected %d", len(sorted), expectedTotal)
	}

	merged := mergeChunkData(sorted)

	template := chunks[0]
	result := &Envelope{
		Protocol:      template.Protocol,
		ID:            sorted[0].OriginalID,
		From:          template.From,
		To:            template.To,
		Kind:          template.Kind,
		CorrelationID: template.CorrelationID,
		Context:       template.Context,
		Payload:       merged,
	}

	return result, nil
}

func isJSONArray(payload []byte) bool {
	var arr []interface{}
	return json.Unmarshal(payload, &arr) == nil
}

func splitJSONArray(payload []byte, numChunks int) ([][]byte, error) {
	var arr []interface{}
	if err := json.Unmarshal(payload, &arr); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(arr) == 0 {
		return [][]byte{payload}, nil
	}

	chunkSize := int(math.Ceil(float64(len(arr)) / float64(numChunks)))
	if chunkSize < 1 {
		chunkSize = 1
	}

	chunks := make([][]byte, 0, numChunks)
	for i := 0; i < len(arr); i += chunkSize {
		end := i + chunkSize
		if end > len(arr) {
			end = len(arr)
		}
		chunkBytes, err := json.Marshal(arr[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chunk: %w", err)
		}
		chunks = append(chunks, chunkBytes)
	}
	return chunks, nil
}

func splitTextPayload(payload []byte, numChunks int) ([][]byte, error) {
	text := string(payload)
	if len(text) == 0 {
		return [][]byte{payload}, nil
	}

	chunkSize := len(text) / numChunks
	if chunkSize < 100 {
		chunkSize = 100
	}

	chunks := make([][]byte, 0, numChunks)
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			b, _ := json.Marshal(text[start:])
			chunks = append(chunks, b)
			break
		}

		end = findWordBoundary(text, end)
		if end <= start {
			end = start + chunkSize
		}

		b, _ := json.Marshal(text[start:end])
		chunks = append(chunks, b)
		start = end
	}
	return chunks, nil
}

// findWordBoundary finds the nearest whitespace boundary within ±100
// characters of pos, searching forward first, then backward.
func findWordBoundary(text string, pos int) int {
	if pos >= len(text) {
		return len(text)
	}
	for i := pos; i < len(text) && i < pos+100; i++ {
		if isWhitespace(text[i]) {
			return i
		}
	}
	for i := pos; i > 0 && i > pos-100; i-- {
		if isWhitespace(text[i]) {
			return i
		}
	}
	return pos
}

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func mergeChunkData(sorted []ChunkPayload) []byte {
	if len(sorted) == 0 {
		return []byte("{}")
	}
	if isJSONArray(sorted[0].Data) {
		var combined []interface{}
		for _, p := range sorted {
			var arr []interface{}
			if err := json.Unmarshal(p.Data, &arr); err != nil {
				return mergeTextData(sorted)
			}
			combined = append(combined, arr...)
		}
		merged, err := json.Marshal(combined)
		if err != nil {
			return mergeTextData(sorted)
		}
		return merged
	}
	return mergeTextData(sorted)
}

func mergeTextData(sorted []ChunkPayload) []byte {
	var b strings.Builder
	for _, p := range sorted {
		var s string
		if err := json.Unmarshal(p.Data, &s); err != nil {
			b.Write(p.Data)
			continue
		}
		b.WriteString(s)
	}
	merged := []byte(b.String())
	if json.Valid(merged) {
		return merged
	}
	quoted, _ := json.Marshal(b.String())
	return quoted
}
