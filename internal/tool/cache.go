package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/loquax/pkg/types"
)

// DefaultCacheTTL is the registry-wide default lifetime for cached tool
// results. Tools may override it per definition or opt out entirely.
const DefaultCacheTTL = 300 * time.Second

// Cache stores successful tool results keyed by fingerprint, with per-entry
// expiry and single-flight coalescing of concurrent identical dispatches.
// Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	group   singleflight.Group

	// now is swappable for expiry tests.
	now func() time.Time
}

type cacheEntry struct {
	result    types.ToolResult
	expiresAt time.Time
}

// NewCache creates a Cache with the given default TTL. A non-positive ttl
// falls back to [DefaultCacheTTL].
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Fingerprint computes the cache key for a tool invocation: the tool name
// plus a canonical serialization of the arguments with object keys sorted at
// every nesting level. Two calls with the same semantics always produce the
// same fingerprint regardless of key order on the wire.
func Fingerprint(name, argsJSON string) string {
	canonical := canonicalizeJSON(argsJSON)
	sum := sha256.Sum256([]byte(name + "\x00" + canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalizeJSON re-serializes a JSON document with sorted object keys.
// Invalid JSON is used verbatim; it still yields a stable fingerprint.
func canonicalizeJSON(raw string) string {
	if raw == "" {
		return "{}"
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(t)
		sb.Write(b)
	}
}

// Lookup returns the cached result for fingerprint, or ok == false on miss or
// expiry. Expired entries are removed lazily.
func (c *Cache) Lookup(fingerprint string) (types.ToolResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return types.ToolResult{}, false
	}
	if c.now().After(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a Store may have refreshed it.
		if cur, still := c.entries[fingerprint]; still && c.now().After(cur.expiresAt) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return types.ToolResult{}, false
	}
	return e.result, true
}

// Store caches a result under fingerprint. Failed results are never stored.
// ttl == 0 uses the cache default.
func (c *Cache) Store(fingerprint string, res types.ToolResult, ttl time.Duration) {
	if !res.Success {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[fingerprint] = cacheEntry{result: res, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// GetOrExecute returns the cached result for the invocation, or runs exec,
// caching a successful outcome. Concurrent callers with the same fingerprint
// are coalesced: only one exec runs and all callers share its result. For
// non-cacheable tools exec always runs and nothing is stored or coalesced.
//
// The returned bool reports whether the caller was served without an
// exclusive execution: a cache hit, or a coalesced in-flight dispatch.
func (c *Cache) GetOrExecute(def types.ToolDefinition, argsJSON string, exec func() types.ToolResult) (types.ToolResult, bool) {
	if !def.Cacheable {
		return exec(), false
	}

	fp := Fingerprint(def.Name, argsJSON)
	if res, ok := c.Lookup(fp); ok {
		return res, true
	}

	ttl := time.Duration(def.CacheTTLSeconds) * time.Second

	v, _, shared := c.group.Do(fp, func() (any, error) {
		// A concurrent caller may have stored while we queued.
		if res, ok := c.Lookup(fp); ok {
			return res, nil
		}
		res := exec()
		c.Store(fp, res, ttl)
		return res, nil
	})
	return v.(types.ToolResult), shared
}

// Len returns the number of live entries, counting expired ones that have not
// yet been evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
