package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetAndGet(t *testing.T) {
	c := NewCache()
	c.Set("registry.example.com", SchemeBearer, "repository:app:pull", "token1")

	tok, ok := c.TryGetToken("registry.example.com", SchemeBearer, "repository:app:pull")
	assert.True(t, ok)
	assert.Equal(t, "token1", tok)

	scheme, ok := c.Scheme("registry.example.com")
	assert.True(t, ok)
	assert.Equal(t, SchemeBearer, scheme)
}

func TestCache_MissingHostOrKey(t *testing.T) {
	c := NewCache()
	_, ok := c.TryGetToken("registry.example.com", SchemeBearer, "repository:app:pull")
	assert.False(t, ok)

	c.Set("registry.example.com", SchemeBearer, "repository:app:pull", "token1")
	_, ok = c.TryGetToken("registry.example.com", SchemeBearer, "repository:other:pull")
	assert.False(t, ok)
}

func TestCache_SchemeChangeReplacesEntryWholesale(t *testing.T) {
	c := NewCache()
	c.Set("registry.example.com", SchemeBearer, "repository:app:pull", "token1")
	c.Set("registry.example.com", SchemeBasic, "", "user:pass-base64")

	// the Bearer-scheme token is gone: the host now only answers to Basic.
	_, ok := c.TryGetToken("registry.example.com", SchemeBearer, "repository:app:pull")
	assert.False(t, ok)

	tok, ok := c.TryGetToken("registry.example.com", SchemeBasic, "")
	assert.True(t, ok)
	assert.Equal(t, "user:pass-base64", tok)
}

func TestCache_Invalidate(t *testing.T) {
	c := NewCache()
	c.Set("registry.example.com", SchemeBearer, "repository:app:pull", "token1")
	c.Invalidate("registry.example.com")

	_, ok := c.TryGetToken("registry.example.com", SchemeBearer, "repository:app:pull")
	assert.False(t, ok)
	_, ok = c.Scheme("registry.example.com")
	assert.False(t, ok)
}
