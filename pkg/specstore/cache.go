package specstore

import (
	"strings"
	"sync"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// Key identifies a registered spec. Smart codes are case-insensitive, so keys
// hold the upper-cased form.
type Key struct {
	SmartCode string
	TenantID  string
}

// NewKey normalizes smartCode and builds a Key.
func NewKey(smartCode, tenantID string) Key {
	return Key{SmartCode: strings.ToUpper(strings.TrimSpace(smartCode)), TenantID: tenantID}
}

func (k Key) String() string {
	if k.TenantID == engine.PlatformTenant {
		return k.SmartCode + "@platform"
	}
	return k.SmartCode + "@" + k.TenantID
}

// Cache holds resolved specs keyed by the (smart_code, tenant_id) they were
// requested with. Every invalidation bumps a generation counter so a
// resolution that raced with it is not stored.
type Cache struct {
	mu         sync.RWMutex
	entries    map[Key]*engine.OrchestrationSpec
	generation uint64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[Key]*engine.OrchestrationSpec)}
}

// Get returns the cached spec for key.
func (c *Cache) Get(key Key) (*engine.OrchestrationSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.entries[key]
	return spec, ok
}

// Generation returns the current invalidation generation.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// PutIfCurrent stores spec unless the cache was invalidated since generation.
func (c *Cache) PutIfCurrent(key Key, spec *engine.OrchestrationSpec, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.entries[key] = spec
	return true
}

// Delete drops a single entry.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	delete(c.entries, key)
}

// DeleteSmartCode drops every entry for smartCode, whatever the tenant.
func (c *Cache) DeleteSmartCode(smartCode string) int {
	code := NewKey(smartCode, "").SmartCode

	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	n := 0
	for k := range c.entries {
		if k.SmartCode == code {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries = make(map[Key]*engine.OrchestrationSpec)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
