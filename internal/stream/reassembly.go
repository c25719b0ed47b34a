// reassembly.go adapts the envelope chunk-reassembly pattern to stream
// data. Grounded on public/agent/chunking.go's ChunkCollector
// (accumulate-by-id, timeout-based cleanup goroutine), generalized from
// envelope-size chunking to `stream/data` chunk reassembly keyed by the
// envelope package's own ChunkPayload rather than X-Chunk-* headers.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// DefaultReassemblyTimeout bounds how long an incomplete chunk group is
// held before being discarded.
const DefaultReassemblyTimeout = 5 * time.Minute

// ChunkGroup is the reassembly status of one in-flight chunked
// `stream/data` payload.
type ChunkGroup struct {
	ChunkID       string
	ReceivedCount int
	TotalCount    int
	FirstChunkAt  time.Time
	Complete      bool
}

// Reassembler accumulates chunked `stream/data` envelopes (produced by
// envelope.ChunkEnvelope) and merges them once every chunk has arrived.
type Reassembler struct {
	mu         sync.Mutex
	chunks     map[string][]*envelope.Envelope
	timestamps map[string]time.Time
	timeout    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReassembler constructs a Reassembler with the given group timeout
// (0 selects DefaultReassemblyTimeout) and starts its cleanup goroutine.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	r := &Reassembler{
		chunks:     make(map[string][]*envelope.Envelope),
		timestamps: make(map[string]time.Time),
		timeout:    timeout,
		stop:       make(chan struct{}),
	}
	go r.sweepExpired()
	return r
}

// Collect accumulates one chunk envelope, returning the merged envelope
// and true once every chunk in its group has arrived. A non-chunk
// envelope (no ChunkPayload) passes through unchanged, complete
// immediately.
func (r *Reassembler) Collect(env *envelope.Envelope) (*envelope.Envelope, bool, error) {
	var payload envelope.ChunkPayload
	if err := env.UnmarshalPayload(&payload); err != nil || payload.ChunkID == "" {
		return env, true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chunks[payload.ChunkID] == nil {
		r.chunks[payload.ChunkID] = make([]*envelope.Envelope, 0, payload.Total)
		r.timestamps[payload.ChunkID] = time.Now()
	}

	for _, existing := range r.chunks[payload.ChunkID] {
		var existingPayload envelope.ChunkPayload
		_ = existing.UnmarshalPayload(&existingPayload)
		if existingPayload.Index == payload.Index {
			return nil, false, nil // duplicate chunk, ignore
		}
	}

	r.chunks[payload.ChunkID] = append(r.chunks[payload.ChunkID], env)

	if len(r.chunks[payload.ChunkID]) == payload.Total {
		merged, err := envelope.MergeChunks(r.chunks[payload.ChunkID])
		delete(r.chunks, payload.ChunkID)
		delete(r.timestamps, payload.ChunkID)
		if err != nil {
			return nil, false, fmt.Errorf("merge chunk group %s: %w", payload.ChunkID, err)
		}
		return merged, true, nil
	}

	return nil, false, nil
}

// Status reports the reassembly progress of every in-flight chunk group.
func (r *Reassembler) Status() map[string]ChunkGroup {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := make(map[string]ChunkGroup, len(r.chunks))
	for chunkID, chunks := range r.chunks {
		total := 0
		if len(chunks) > 0 {
			var p envelope.ChunkPayload
			_ = chunks[0].UnmarshalPayload(&p)
			total = p.Total
		}
		status[chunkID] = ChunkGroup{
			ChunkID:       chunkID,
			ReceivedCount: len(chunks),
			TotalCount:    total,
			FirstChunkAt:  r.timestamps[chunkID],
			Complete:      len(chunks) == total,
		}
	}
	return status
}

// Shutdown stops the cleanup goroutine. Safe to call more than once.
func (r *Reassembler) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reassembler) sweepExpired() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.discardExpired()
		}
	}
}

func (r *Reassembler) discardExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for chunkID, ts := range r.timestamps {
		if now.Sub(ts) > r.timeout {
			delete(r.chunks, chunkID)
			delete(r.timestamps, chunkID)
		}
	}
}
