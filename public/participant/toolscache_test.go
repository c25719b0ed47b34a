package participant

import (
	"testing"
	"time"
)

func TestStoreAndLookupRoundTrip(t *testing.T) {
	cache := NewToolsCache(time.Minute)
	tools := []ToolInfo{{Name: "search"}, {Name: "fetch"}}

	cache.Store("peer-1", tools)

	got, ok := cache.Lookup("peer-1")
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if len(got) != 2 || got[0].Name != "search" {
		t.Errorf("unexpected cached tools: %+v", got)
	}
}

func TestLookupMissForUnknownPeer(t *testing.T) {
	cache := NewToolsCache(time.Minute)
	if _, ok := cache.Lookup("nobody"); ok {
		t.Error("expected a miss for an unknown peer")
	}
}

func TestClearEvictsEverything(t *testing.T) {
	cache := NewToolsCache(time.Minute)
	cache.Store("peer-1", []ToolInfo{{Name: "search"}})

	cache.Clear()

	if _, ok := cache.Lookup("peer-1"); ok {
		t.Error("expected Clear to evict all entries")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	cache := NewToolsCache(20 * time.Millisecond)
	cache.Store("peer-1", []ToolInfo{{Name: "search"}})

	time.Sleep(200 * time.Millisecond)

	if _, ok := cache.Lookup("peer-1"); ok {
		t.Error("expected entry to have expired")
	}
}
