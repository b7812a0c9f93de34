package transport

import (
	"strings"
	"sync"
	"time"
)

// ETagEntry is a cached validator and the body it validated.
type ETagEntry struct {
	ETag   string
	Body   []byte
	Stored time.Time
}

// ETagCache maps (path, identity) to the last validator the server returned.
// Entries never expire on their own; the server decides freshness via 304.
type ETagCache struct {
	mu sync.RWMutex
	m  map[string]ETagEntry
}

func NewETagCache() *ETagCache {
	return &ETagCache{m: make(map[string]ETagEntry)}
}

// ETagKey scopes a path to one identity so two users never share validators.
func ETagKey(path, identity string) string {
	return path + "::" + identity
}

func (c *ETagCache) Get(key string) (ETagEntry, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	return e, ok
}

func (c *ETagCache) Set(key, etag string, body []byte) {
	c.mu.Lock()
	c.m[key] = ETagEntry{ETag: etag, Body: body, Stored: time.Now()}
	c.mu.Unlock()
}

// Invalidate removes every entry whose path starts with prefix.
func (c *ETagCache) Invalidate(prefix string) {
	c.mu.Lock()
	for k := range c.m {
		if strings.HasPrefix(k, prefix) {
			delete(c.m, k)
		}
	}
	c.mu.Unlock()
}

func (c *ETagCache) Clear() {
	c.mu.Lock()
	c.m = make(map[string]ETagEntry)
	c.mu.Unlock()
}

func (c *ETagCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
