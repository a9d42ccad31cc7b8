// Package cache holds the local replica of server entities.
//
// Locking is caller-acquired: mutators and readers assume the caller holds
// the matching lock for the duration of a logical operation.
package cache

import (
	"slices"
	"sync"

	"schedula/replica/internal/domain"
)

type Cache struct {
	mu       sync.RWMutex
	entities map[domain.ID]domain.Entity
}

func New() *Cache {
	return &Cache{entities: make(map[domain.ID]domain.Entity)}
}

func (c *Cache) WriteLock() (unlock func()) {
	c.mu.Lock()
	return c.mu.Unlock
}

func (c *Cache) ReadLock() (unlock func()) {
	c.mu.RLock()
	return c.mu.RUnlock
}

// Put stores e and returns the entity it replaced, if any.
func (c *Cache) Put(e domain.Entity) (domain.Entity, bool) {
	old, ok := c.entities[e.EntityID()]
	c.entities[e.EntityID()] = e
	return old, ok
}

func (c *Cache) Remove(id domain.ID) (domain.Entity, bool) {
	old, ok := c.entities[id]
	delete(c.entities, id)
	return old, ok
}

func (c *Cache) Get(id domain.ID) (domain.Entity, bool) {
	e, ok := c.entities[id]
	return e, ok
}

// Resolve is Get with a placeholder for unknown allocatables.
func (c *Cache) Resolve(id domain.ID) (domain.Entity, bool) {
	if e, ok := c.entities[id]; ok {
		return e, true
	}
	if id.Kind() == domain.KindAllocatable {
		return domain.Placeholder(id), true
	}
	return nil, false
}

// All returns the cached entities ordered by ID.
func (c *Cache) All() []domain.Entity {
	out := make([]domain.Entity, 0, len(c.entities))
	for _, id := range c.sortedIDs() {
		out = append(out, c.entities[id])
	}
	return out
}

func (c *Cache) Snapshot() map[domain.ID]domain.Entity {
	out := make(map[domain.ID]domain.Entity, len(c.entities))
	for id, e := range c.entities {
		out[id] = e
	}
	return out
}

func (c *Cache) ByKind(kind domain.Kind) []domain.Entity {
	var out []domain.Entity
	for _, id := range c.sortedIDs() {
		if e := c.entities[id]; e.EntityKind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cache) UserByName(username string) (*domain.User, bool) {
	for _, e := range c.entities {
		if u, ok := e.(*domain.User); ok && u.Username == username {
			return u, true
		}
	}
	return nil, false
}

func (c *Cache) Len() int {
	return len(c.entities)
}

func (c *Cache) ClearAll() {
	clear(c.entities)
}

func (c *Cache) sortedIDs() []domain.ID {
	ids := make([]domain.ID, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
