package storage

import (
	"sort"
	"sync"
)

// CacheDB buffers writes on top of a parent Database until Flush is called.
// Reads fall through to the parent for keys the cache has not touched.
// CacheDBs nest: a CacheDB may be the parent of another CacheDB.
type CacheDB struct {
	mu      sync.RWMutex
	parent  Database
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewCacheDB creates an empty write buffer over parent.
func NewCacheDB(parent Database) *CacheDB {
	return &CacheDB{
		parent:  parent,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (c *CacheDB) Put(key []byte, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	delete(c.deletes, k)
	c.writes[k] = append([]byte(nil), value...)
	return nil
}

func (c *CacheDB) Get(key []byte) ([]byte, error) {
	c.mu.RLock()
	k := string(key)
	if value, ok := c.writes[k]; ok {
		c.mu.RUnlock()
		return append([]byte(nil), value...), nil
	}
	if _, ok := c.deletes[k]; ok {
		c.mu.RUnlock()
		return nil, ErrNotFound
	}
	c.mu.RUnlock()
	return c.parent.Get(key)
}

func (c *CacheDB) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	delete(c.writes, k)
	c.deletes[k] = struct{}{}
	return nil
}

// Flush writes the buffered mutations to the parent in key order and resets
// the buffer. A failed write leaves the remaining entries buffered.
func (c *CacheDB) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := make([]string, 0, len(c.deletes))
	for k := range c.deletes {
		deleted = append(deleted, k)
	}
	sort.Strings(deleted)
	for _, k := range deleted {
		if err := c.parent.Delete([]byte(k)); err != nil {
			return err
		}
		delete(c.deletes, k)
	}

	written := make([]string, 0, len(c.writes))
	for k := range c.writes {
		written = append(written, k)
	}
	sort.Strings(written)
	for _, k := range written {
		if err := c.parent.Put([]byte(k), c.writes[k]); err != nil {
			return err
		}
		delete(c.writes, k)
	}
	return nil
}

// Discard drops every buffered mutation.
func (c *CacheDB) Discard() {
	c.mu.Lock()
	c.writes = make(map[string][]byte)
	c.deletes = make(map[string]struct{})
	c.mu.Unlock()
}

// Dirty reports whether the cache holds unflushed mutations.
func (c *CacheDB) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.writes) > 0 || len(c.deletes) > 0
}

// Close is a no-op; the parent owns the underlying handle.
func (c *CacheDB) Close() {}
