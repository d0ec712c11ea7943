package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// ClientCache is a process-wide registry of constructed providers keyed by
// model identity. Each key has its own initialisation lock, so constructing
// one slow client (e.g. loading a local model) never blocks lookups of other
// keys. Failed constructions are not cached; the next caller retries.
//
// The zero value is ready to use. It is safe for concurrent use.
type ClientCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	mu sync.Mutex
	p  Provider
}

// Get returns the provider stored under key, calling build at most once per
// key while a build is succeeding.
func (c *ClientCache) Get(key string, build func() (Provider, error)) (Provider, error) {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]*cacheEntry)
	}
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p != nil {
		return e.p, nil
	}
	p, err := build()
	if err != nil {
		return nil, err
	}
	e.p = p
	return p, nil
}

// Len returns the number of keys with a constructed provider.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.p != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// cacheKey identifies a client by backend family, model name and a digest of
// the credential. The raw credential never becomes part of a map key.
func cacheKey(family, model, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return family + "/" + model + "/" + hex.EncodeToString(sum[:8])
}
