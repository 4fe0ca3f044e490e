package dnsresolver

import (
	"strings"

	"github.com/hexwell/ircd/timers"
)

// cachedQuery is one answer with its absolute expiry instant.
type cachedQuery struct {
	data    string
	expires int64
}

// Cache maps original query strings to answers. Names are case-insensitive;
// IP keys are stored in their canonical text form by the caller. Expired
// entries are never returned and are swept by the resolver's hourly prune
// timer.
type Cache struct {
	clock   timers.Clock
	entries map[string]cachedQuery
}

// NewCache creates an empty cache over the given clock.
func NewCache(clock timers.Clock) *Cache {
	return &Cache{
		clock:   clock,
		entries: make(map[string]cachedQuery),
	}
}

func cacheKey(source string) string { return strings.ToLower(source) }

// Lookup returns the cached answer and its remaining TTL, or ok=false when
// absent or expired.
func (c *Cache) Lookup(source string) (answer string, ttl uint32, ok bool) {
	entry, found := c.entries[cacheKey(source)]
	if !found {
		return "", 0, false
	}
	remaining := entry.expires - c.clock.Now().Unix()
	if remaining <= 0 {
		return "", 0, false
	}
	return entry.data, uint32(remaining), true
}

// Insert stores an answer unless the key already holds a live entry. An
// expired entry waiting for the prune sweep is overwritten, not kept.
func (c *Cache) Insert(source, answer string, ttl uint32) {
	key := cacheKey(source)
	now := c.clock.Now().Unix()
	if entry, found := c.entries[key]; found && entry.expires > now {
		return
	}
	c.entries[key] = cachedQuery{
		data:    answer,
		expires: now + int64(ttl),
	}
}

// Delete drops one entry.
func (c *Cache) Delete(source string) {
	delete(c.entries, cacheKey(source))
}

// Prune rebuilds the map keeping only unexpired entries and returns the
// number dropped.
func (c *Cache) Prune() int {
	now := c.clock.Now().Unix()
	kept := make(map[string]cachedQuery, len(c.entries))
	dropped := 0
	for key, entry := range c.entries {
		if entry.expires > now {
			kept[key] = entry
		} else {
			dropped++
		}
	}
	c.entries = kept
	return dropped
}

// Clear empties the cache and returns the number of entries removed.
func (c *Cache) Clear() int {
	n := len(c.entries)
	c.entries = make(map[string]cachedQuery)
	return n
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int { return len(c.entries) }
