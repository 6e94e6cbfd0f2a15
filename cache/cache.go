// Package cache implements the ETag-aware response cache (C2): a bounded,
// expiry-evicting, JSON-persistable map from cache fingerprint to response
// entry. The eviction-ordering structure is grounded on the teacher's
// engine/resources/manager.go LRU (container/list + map), adapted
// here to evict by soonest-expiry rather than least-recently-used, per the
// spec's eviction policy.
package cache

import (
	"container/list"
	"strings"
	"sync"
)

// Entry is a cached response.
type Entry struct {
	Data      []byte
	ETag      string
	ExpiresAt int64 // epoch ms
}

// Clock is the minimal time source the cache needs.
type Clock interface {
	NowMs() int64
}

type element struct {
	key   string
	entry Entry
}

// Cache is the bounded response cache. onMutate, when set, is invoked after
// any mutation that should trigger a debounced persistence save (see
// package persist).
type Cache struct {
	mu         sync.Mutex
	clock      Clock
	maxEntries int
	items      map[string]*list.Element // key -> element in lru (eviction does not consult lru order)
	lru        *list.List
	onMutate   func()
}

// New constructs a Cache bounded at maxEntries.
func New(clock Clock, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 5000
	}
	return &Cache{
		clock:      clock,
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// OnMutate registers a callback invoked after set/updateExpires/delete/
// clear/clearByPattern. Used by the facade to schedule a debounced save.
func (c *Cache) OnMutate(fn func()) { c.onMutate = fn }

func (c *Cache) notify() {
	if c.onMutate != nil {
		c.onMutate()
	}
}

// MakeKey builds the fingerprint "<principal>:<lang>:<endpoint>".
func MakeKey(characterID *int64, endpoint, language string) string {
	principal := "public"
	if characterID != nil {
		principal = itoa(*characterID)
	}
	if language == "" {
		language = "en"
	}
	return principal + ":" + language + ":" + endpoint
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Get returns the entry if present and unexpired.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*element).entry
	if c.clock.NowMs() >= e.ExpiresAt {
		return Entry{}, false
	}
	return e, true
}

// GetStale returns the entry regardless of expiry.
func (c *Cache) GetStale(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*element).entry, true
}

// GetETag returns the stored etag, if any.
func (c *Cache) GetETag(key string) (string, bool) {
	e, ok := c.GetStale(key)
	if !ok || e.ETag == "" {
		return "", false
	}
	return e.ETag, true
}

// Set stores data/etag/expiresAt under key, evicting first if needed.
func (c *Cache) Set(key string, data []byte, etag string, expiresAt int64) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		el.Value.(*element).entry = Entry{Data: data, ETag: etag, ExpiresAt: expiresAt}
		c.lru.MoveToFront(el)
	} else {
		if len(c.items) >= c.maxEntries {
			c.evictLocked()
		}
		el := c.lru.PushFront(&element{key: key, entry: Entry{Data: data, ETag: etag, ExpiresAt: expiresAt}})
		c.items[key] = el
	}
	c.mu.Unlock()
	c.notify()
}

// UpdateExpires rewrites only the expiry of an existing entry; no-op if absent.
func (c *Cache) UpdateExpires(key string, expiresAt int64) {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		el.Value.(*element).entry.ExpiresAt = expiresAt
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		c.lru.Remove(el)
		delete(c.items, key)
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
	c.mu.Unlock()
	c.notify()
}

// ClearByPattern removes every key containing substr, returning the count removed.
func (c *Cache) ClearByPattern(substr string) int {
	c.mu.Lock()
	var toRemove []*list.Element
	for k, el := range c.items {
		if strings.Contains(k, substr) {
			toRemove = append(toRemove, el)
			delete(c.items, k)
		}
	}
	for _, el := range toRemove {
		c.lru.Remove(el)
	}
	n := len(toRemove)
	c.mu.Unlock()
	if n > 0 {
		c.notify()
	}
	return n
}

// Len returns the current number of entries (for tests/metrics).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLocked runs the eviction policy; caller holds c.mu.
// Target size is floor(maxEntries * 0.9). First pass drops every expired
// entry; if still above target, repeatedly drop the smallest-expiresAt
// entry until at or below target.
func (c *Cache) evictLocked() {
	target := (c.maxEntries * 9) / 10
	now := c.clock.NowMs()
	for k, el := range c.items {
		e := el.Value.(*element).entry
		if e.ExpiresAt < now {
			c.lru.Remove(el)
			delete(c.items, k)
		}
	}
	for len(c.items) > target {
		var victimKey string
		var victimEl *list.Element
		var smallest int64
		first := true
		for k, el := range c.items {
			e := el.Value.(*element).entry
			if first || e.ExpiresAt < smallest {
				smallest = e.ExpiresAt
				victimKey = k
				victimEl = el
				first = false
			}
		}
		if victimEl == nil {
			break
		}
		c.lru.Remove(victimEl)
		delete(c.items, victimKey)
	}
}

// Snapshot returns a point-in-time copy of all entries for persistence.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.items))
	for k, el := range c.items {
		out[k] = el.Value.(*element).entry
	}
	return out
}

// Restore replaces cache contents with the given entries, used on load.
// Entries are inserted without triggering a save notification.
func (c *Cache) Restore(entries map[string]Entry) {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.lru = list.New()
	for k, e := range entries {
		el := c.lru.PushFront(&element{key: k, entry: e})
		c.items[k] = el
	}
	c.mu.Unlock()
}
