package database

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// cache holds the records that are live in this process. A record stays
// cached until it is deleted so its pending changes are found by FlushAll.
type cache struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Database
}

func newCache() *cache {
	return &cache{records: make(map[uuid.UUID]*Database)}
}

// get returns a cached record by ID.
func (c *cache) get(id uuid.UUID) (*Database, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.records[id]
	return d, ok
}

// add caches d unless a record with the same ID is already cached, and
// returns the cached one.
func (c *cache) add(d *Database) *Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.records[d.id]; ok {
		return existing
	}
	c.records[d.id] = d
	return d
}

// remove drops a record from the cache.
func (c *cache) remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
}

// byName returns the live record named name, other than exclude.
func (c *cache) byName(name string, exclude uuid.UUID) (*Database, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, d := range c.records {
		if id != exclude && d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

// all returns the cached records ordered by ID.
func (c *cache) all() []*Database {
	c.mu.RLock()
	out := make([]*Database, 0, len(c.records))
	for _, d := range c.records {
		out = append(out, d)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Database) int { return slices.Compare(a.id[:], b.id[:]) })
	return out
}

func (c *cache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
