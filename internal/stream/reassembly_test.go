package stream

import (
	"testing"

	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

func buildChunk(t *testing.T, chunkID string, index, total int, data string) *envelope.Envelope {
	t.Helper()
	payload := envelope.ChunkPayload{
		ChunkID:    chunkID,
		Index:      index,
		Total:      total,
		OriginalID: "orig-1",
		Data:       []byte(mustQuote(data)),
	}
	env, err := envelope.New("alice", "stream/data", []string{"bob"}, payload)
	if err != nil {
		t.Fatalf("failed to build chunk envelope: %v", err)
	}
	return env
}

func mustQuote(s string) string {
	return `"` + s + `"`
}

func TestCollectNonChunkEnvelopePassesThroughImmediately(t *testing.T) {
	r := NewReassembler(0)
	defer r.Shutdown()

	env, _ := envelope.New("alice", "stream/data", []string{"bob"}, map[string]string{"hello": "world"})

	merged, complete, err := r.Collect(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatal("expected a non-chunk envelope to be immediately complete")
	}
	if merged != env {
		t.Error("expected the original envelope to pass through unchanged")
	}
}

func TestCollectAccumulatesUntilComplete(t *testing.T) {
	r := NewReassembler(0)
	defer r.Shutdown()

	c0 := buildChunk(t, "chunk-1", 0, 3, "aaa")
	c1 := buildChunk(t, "chunk-1", 1, 3, "bbb")
	c2 := buildChunk(t, "chunk-1", 2, 3, "ccc")

	if _, complete, err := r.Collect(c0); err != nil || complete {
		t.Fatalf("expected first chunk incomplete, err=%v complete=%v", err, complete)
	}
	if _, complete, err := r.Collect(c1); err != nil || complete {
		t.Fatalf("expected second chunk incomplete, err=%v complete=%v", err, complete)
	}

	merged, complete, err := r.Collect(c2)
	if err != nil {
		t.Fatalf("unexpected error merging final chunk: %v", err)
	}
	if !complete {
		t.Fatal("expected completion after the final chunk arrives")
	}
	if merged.ID != "orig-1" {
		t.Errorf("expected merged envelope id orig-1, got %q", merged.ID)
	}
}

func TestCollectOutOfOrderStillMerges(t *testing.T) {
	r := NewReassembler(0)
	defer r.Shutdown()

	c0 := buildChunk(t, "chunk-2", 0, 2, "first")
	c1 := buildChunk(t, "chunk-2", 1, 2, "second")

	if _, complete, _ := r.Collect(c1); complete {
		t.Fatal("expected incomplete after receiving only the second chunk")
	}
	merged, complete, err := r.Collect(c0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatal("expected completion once both chunks have arrived")
	}
	_ = merged
}

func TestCollectDuplicateChunkIgnored(t *testing.T) {
	r := NewReassembler(0)
	defer r.Shutdown()

	c0 := buildChunk(t, "chunk-3", 0, 2, "x")
	dupe := buildChunk(t, "chunk-3", 0, 2, "x-dupe")

	if _, complete, _ := r.Collect(c0); complete {
		t.Fatal("expected incomplete after the first chunk")
	}
	merged, complete, err := r.Collect(dupe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if complete || merged != nil {
		t.Fatal("expected a duplicate chunk index to be ignored, not complete the group")
	}

	status := r.Status()
	group, ok := status["chunk-3"]
	if !ok {
		t.Fatal("expected chunk-3 to still be in-flight")
	}
	if group.ReceivedCount != 1 {
		t.Errorf("expected duplicate to be ignored, received count = %d", group.ReceivedCount)
	}
}

func TestStatusReportsInFlightProgress(t *testing.T) {
	r := NewReassembler(0)
	defer r.Shutdown()

	r.Collect(buildChunk(t, "chunk-4", 0, 3, "a"))
	r.Collect(buildChunk(t, "chunk-4", 1, 3, "b"))

	status := r.Status()
	group, ok := status["chunk-4"]
	if !ok {
		t.Fatal("expected chunk-4 to be reported")
	}
	if group.ReceivedCount != 2 || group.TotalCount != 3 {
		t.Errorf("expected 2/3, got %d/%d", group.ReceivedCount, group.TotalCount)
	}
	if group.Complete {
		t.Error("expected group to not yet be complete")
	}
}
