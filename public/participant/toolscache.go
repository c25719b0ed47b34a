// toolscache.go maintains the discovered-tools cache described in
// spec.md §4.8: "Maintains a discovered-tools cache keyed by peer id with
// TTL; refreshes on system/presence join (with staggered, randomized
// delay to avoid discovery storms) and on demand."
//
// Grounded on omni/internal/storage's BadgerStore.SetWithTTL for the
// get/set-with-expiry shape; the backing store here is
// github.com/dgraph-io/ristretto/v2 rather than badger, since the
// discovered-tools set is purely in-process and never needs to survive a
// restart.
package participant

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultToolsCacheTTL bounds how long a peer's discovered tool list is
// trusted before a refresh is required.
const DefaultToolsCacheTTL = 5 * time.Minute

// ToolInfo is one tool advertised by a peer's tools/list response.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolsCache holds each peer's most recently discovered tool list.
type ToolsCache struct {
	cache *ristretto.Cache[string, []ToolInfo]
	ttl   time.Duration
}

// NewToolsCache constructs a ToolsCache with the given entry TTL (0
// selects DefaultToolsCacheTTL).
func NewToolsCache(ttl time.Duration) *ToolsCache {
	if ttl <= 0 {
		ttl = DefaultToolsCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []ToolInfo]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// ristretto only fails construction on invalid config constants;
		// those are fixed above, so this is unreachable in practice.
		panic(fmt.Sprintf("toolscache: failed to construct cache: %v", err))
	}
	return &ToolsCache{cache: cache, ttl: ttl}
}

// Lookup returns the cached tool list for peer, if present and unexpired.
func (c *ToolsCache) Lookup(peer string) ([]ToolInfo, bool) {
	return c.cache.Get(peer)
}

// Store records peer's discovered tool list, evicting after the cache's
// TTL.
func (c *ToolsCache) Store(peer string, tools []ToolInfo) {
	c.cache.SetWithTTL(peer, tools, int64(len(tools)+1), c.ttl)
	c.cache.Wait()
}

// Clear evicts every cached entry, used on reconnect since a fresh join
// invalidates previously discovered state (spec.md's Failure Semantics).
func (c *ToolsCache) Clear() {
	c.cache.Clear()
}

// Refresh issues a tools/list request to peer via rt and stores the
// result. Called after a staggered delay on system/presence join, or on
// demand when a caller needs a peer's tools and Lookup misses.
func (c *ToolsCache) Refresh(rt *Runtime, peer string) {
	resp, err := rt.Request([]string{peer}, map[string]string{"method": "tools/list"}, 10*time.Second)
	if err != nil {
		return
	}

	var body struct {
		Result struct {
			Tools []ToolInfo `json:"tools"`
		} `json:"result"`
	}
	if err := resp.UnmarshalPayload(&body); err != nil {
		return
	}
	c.Store(peer, body.Result.Tools)
}
