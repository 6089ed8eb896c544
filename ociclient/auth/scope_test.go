package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope_String(t *testing.T) {
	s := NewScope("repository", "app", ActionPull, ActionPush)
	assert.Equal(t, "repository:app:pull,push", s.String())
}

func TestScope_WildcardAbsorbsOtherActions(t *testing.T) {
	s := NewScope("repository", "app", ActionPull, ActionWildcard, ActionPush)
	assert.Equal(t, "repository:app:*", s.String())
}

func TestScopeManager_MergesByResource(t *testing.T) {
	m := NewScopeManager()
	m.Add("registry.example.com", NewScope("repository", "app", ActionPull))
	m.Add("registry.example.com", NewScope("repository", "app", ActionPush))

	scopes := m.Scopes("registry.example.com")
	if assert.Len(t, scopes, 1) {
		assert.Equal(t, "repository:app:pull,push", scopes[0].String())
	}
}

func TestScopeManager_OrdersLexicographically(t *testing.T) {
	m := NewScopeManager()
	m.Add("registry.example.com", NewScope("repository", "zzz", ActionPull))
	m.Add("registry.example.com", NewScope("repository", "aaa", ActionPull))

	scopes := m.Scopes("registry.example.com")
	require := assert.New(t)
	require.Len(scopes, 2)
	require.Equal("aaa", scopes[0].ResourceName)
	require.Equal("zzz", scopes[1].ResourceName)
}

func TestScopeManager_ScopeStringDoesNotMutateStore(t *testing.T) {
	m := NewScopeManager()
	m.Add("registry.example.com", NewScope("repository", "app", ActionPull))

	combined := m.ScopeString("registry.example.com", NewScope("repository", "app", ActionPush))
	assert.Equal(t, "repository:app:pull,push", combined)

	// the stored scope set is untouched by the extra merge above.
	scopes := m.Scopes("registry.example.com")
	if assert.Len(t, scopes, 1) {
		assert.Equal(t, "repository:app:pull", scopes[0].String())
	}
}

func TestScopeManager_IsolatedPerHost(t *testing.T) {
	m := NewScopeManager()
	m.Add("a.example.com", NewScope("repository", "app", ActionPull))
	m.Add("b.example.com", NewScope("repository", "app", ActionPush))

	assert.Equal(t, "repository:app:pull", m.ScopeString("a.example.com"))
	assert.Equal(t, "repository:app:push", m.ScopeString("b.example.com"))
}
