package auth

import "sync"

// cacheEntry holds the single scheme a host has been observed to use and
// its tokens, keyed by scope string (empty string for Basic, which has
// exactly one credential per host).
type cacheEntry struct {
	scheme Scheme
	tokens map[string]string
}

// Cache is a per-client table of host -> (scheme, scope-key -> token).
// A host's scheme is mutually exclusive: setting a different scheme for a
// host already cached under another scheme replaces the entry wholesale,
// as a registry cannot speak both Basic and Bearer to the same client at
// once.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewCache returns an empty Cache. Entries live for the process lifetime
// unless a new challenge for the host changes the scheme.
func NewCache() *Cache {
	return &Cache{entries: map[string]*cacheEntry{}}
}

// Set records a token for (host, scheme, key). If the host's existing
// entry uses a different scheme, it is replaced wholesale; otherwise the
// token for key is added or updated (last writer wins).
func (c *Cache) Set(host string, scheme Scheme, key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok || e.scheme != scheme {
		e = &cacheEntry{scheme: scheme, tokens: map[string]string{}}
		c.entries[host] = e
	}
	e.tokens[key] = token
}

// TryGetToken returns the token for (host, scheme, key) and true, or ""
// and false if the host's cached scheme does not match or no token is
// cached for key.
func (c *Cache) TryGetToken(host string, scheme Scheme, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok || e.scheme != scheme {
		return "", false
	}
	tok, ok := e.tokens[key]
	return tok, ok
}

// Scheme returns the scheme currently cached for host, if any.
func (c *Cache) Scheme(host string) (Scheme, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[host]
	if !ok {
		return SchemeUnknown, false
	}
	return e.scheme, true
}

// Invalidate drops the cached scheme and every cached token for host, so
// the next request to host goes out without a cached credential and has
// to answer a fresh challenge.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, host)
}
