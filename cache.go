package stackfs

import (
	"sync"
	"time"
)

// dcache holds the live dinfo blocks of the mount, keyed by logical
// path. Entries are shared by every handle referring to the object and
// dropped on invalidation or eviction; staleness within an entry is
// governed by generations, not by the cache.
//
// An optional TTL bounds how long a block may serve lookups without a
// revalidation against the branches, which matters under udba=none when
// branches are modified behind the union's back.
type dcache struct {
	mu         sync.Mutex
	objects    map[string]*dcacheEntry
	ttl        time.Duration
	maxEntries int
}

type dcacheEntry struct {
	di      *dinfo
	touched time.Time
}

func newDcache(ttl time.Duration, maxEntries int) *dcache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	return &dcache{
		objects:    make(map[string]*dcacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// get returns the dinfo for path, creating it on first use. An entry
// past its TTL is reset so the next lookup revalidates against the
// branches.
func (c *dcache) get(path string) *dinfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.objects[path]; ok {
		if c.ttl > 0 && now.Sub(e.touched) > c.ttl {
			e.di.mu.Lock()
			e.di.digen = -1 // force refresh on next lookup
			e.di.mu.Unlock()
		}
		e.touched = now
		return e.di
	}

	if len(c.objects) >= c.maxEntries {
		c.evictOldestLocked()
	}
	di := newDinfo(path)
	c.objects[path] = &dcacheEntry{di: di, touched: now}
	return di
}

// peek returns the dinfo for path without creating one.
func (c *dcache) peek(path string) *dinfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.objects[path]; ok {
		return e.di
	}
	return nil
}

// invalidate removes a single path.
func (c *dcache) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, path)
}

// invalidateTree removes path and every entry below it.
func (c *dcache) invalidateTree(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.objects {
		if p == prefix || (len(p) > len(prefix) && p[:len(prefix)] == prefix && (prefix == "/" || p[len(prefix)] == '/')) {
			delete(c.objects, p)
		}
	}
}

// clear removes all entries.
func (c *dcache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects = make(map[string]*dcacheEntry)
}

// evictOldestLocked drops the least recently touched entry that has no
// outstanding references. Entries pinned by open handles survive.
func (c *dcache) evictOldestLocked() {
	var oldestPath string
	var oldestTime time.Time
	for p, e := range c.objects {
		if e.di.refs.Load() > 0 {
			continue
		}
		if oldestPath == "" || e.touched.Before(oldestTime) {
			oldestPath = p
			oldestTime = e.touched
		}
	}
	if oldestPath != "" {
		delete(c.objects, oldestPath)
	}
}

// size returns the number of cached objects.
func (c *dcache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}
