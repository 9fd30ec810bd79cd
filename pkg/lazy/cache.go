// Package lazy provides memoized derived values with explicit invalidation.
//
// A Cache is owned by one object (a fitting context or a model). Each named
// slot is derived on first access and returned unchanged afterwards, until
// the slot is reset.
package lazy

import (
	"fmt"
	"sync"
)

type slot struct {
	mu    sync.Mutex
	done  bool
	value any
}

// Cache is a table of named, lazily derived values.
// The zero value is ready to use. A Cache is safe for concurrent use:
// every slot is populated by at most one goroutine, readers of a slot that
// is being derived block until the derivation finishes.
type Cache struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New returns an empty cache
func New() *Cache {
	return &Cache{slots: make(map[string]*slot)}
}

func (c *Cache) slot(name string) *slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots == nil {
		c.slots = make(map[string]*slot)
	}
	s, ok := c.slots[name]
	if !ok {
		s = &slot{}
		c.slots[name] = s
	}
	return s
}

// Get returns the value stored under name, calling derive to compute it if
// the slot is empty. A derivation that fails leaves the slot empty so that
// the next access retries.
func Get[T any](c *Cache, name string, derive func() (T, error)) (T, error) {
	s := c.slot(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		v, ok := s.value.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("lazy: slot %q holds %T, not %T", name, s.value, zero)
		}
		return v, nil
	}

	v, err := derive()
	if err != nil {
		return v, err
	}
	s.value = v
	s.done = true
	return v, nil
}

// Has reports whether name currently holds a derived value
func (c *Cache) Has(name string) bool {
	c.mu.Lock()
	s, ok := c.slots[name]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Reset clears the named slots, or every slot when no name is given.
// Resetting a slot that holds nothing is a no-op.
func (c *Cache) Reset(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		c.slots = make(map[string]*slot)
		return
	}
	for _, name := range names {
		delete(c.slots, name)
	}
}

// Names returns the names of the populated slots
func (c *Cache) Names() []string {
	c.mu.Lock()
	slots := make(map[string]*slot, len(c.slots))
	for k, v := range c.slots {
		slots[k] = v
	}
	c.mu.Unlock()

	var names []string
	for name, s := range slots {
		s.mu.Lock()
		if s.done {
			names = append(names, name)
		}
		s.mu.Unlock()
	}
	return names
}
