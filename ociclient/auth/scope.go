package auth

import (
	"sort"
	"strings"
	"sync"
)

// Action is one grant within a Scope.
type Action string

const (
	ActionPull     Action = "pull"
	ActionPush     Action = "push"
	ActionDelete   Action = "delete"
	ActionWildcard Action = "*"
)

// Scope is one authorization grant carrier: resourceType:resourceName:
// action1,action2,... If Actions contains ActionWildcard, it contains
// only ActionWildcard — wildcard absorbs every other action both on
// merge and on render.
type Scope struct {
	ResourceType string
	ResourceName string
	Actions      map[Action]struct{}
}

// NewScope builds a Scope from a resource type/name and a set of actions,
// applying wildcard absorption immediately.
func NewScope(resourceType, resourceName string, actions ...Action) Scope {
	s := Scope{ResourceType: resourceType, ResourceName: resourceName, Actions: map[Action]struct{}{}}
	for _, a := range actions {
		s.Actions[a] = struct{}{}
	}
	s.collapseWildcard()
	return s
}

func (s *Scope) collapseWildcard() {
	if _, ok := s.Actions[ActionWildcard]; ok {
		s.Actions = map[Action]struct{}{ActionWildcard: {}}
	}
}

// String renders "resourceType:resourceName:action1,action2,..." with
// actions sorted alphabetically.
func (s Scope) String() string {
	actions := make([]string, 0, len(s.Actions))
	for a := range s.Actions {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	return s.ResourceType + ":" + s.ResourceName + ":" + strings.Join(actions, ",")
}

func (s Scope) key() string {
	return s.ResourceType + "\x00" + s.ResourceName
}

// ScopeManager holds, per host, an ordered set of Scopes. Insertion
// merges into an existing (resourceType, resourceName) entry by union of
// actions; the resulting order is lexicographic by (resourceType,
// resourceName), used to render a deterministic scope string.
type ScopeManager struct {
	mu    sync.Mutex
	byH   map[string]map[string]*Scope
	order map[string][]string // host -> keys in lexicographic order
}

// NewScopeManager returns an empty, ready-to-use ScopeManager. Unlike the
// singleton scope table some registry clients keep process-wide, this one
// is owned by a single *Client (see client.go) per the "no process-wide
// state" design note.
func NewScopeManager() *ScopeManager {
	return &ScopeManager{
		byH:   map[string]map[string]*Scope{},
		order: map[string][]string{},
	}
}

// Add merges scope into the host's scope set.
func (m *ScopeManager) Add(host string, scope Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(host, scope)
}

func (m *ScopeManager) addLocked(host string, scope Scope) {
	entries, ok := m.byH[host]
	if !ok {
		entries = map[string]*Scope{}
		m.byH[host] = entries
	}
	k := scope.key()
	if existing, ok := entries[k]; ok {
		for a := range scope.Actions {
			existing.Actions[a] = struct{}{}
		}
		existing.collapseWildcard()
		return
	}
	cp := Scope{ResourceType: scope.ResourceType, ResourceName: scope.ResourceName, Actions: map[Action]struct{}{}}
	for a := range scope.Actions {
		cp.Actions[a] = struct{}{}
	}
	cp.collapseWildcard()
	entries[k] = &cp
	order := m.order[host]
	i := sort.Search(len(order), func(i int) bool { return compareScopeKeys(keyScope(entries, order[i]), scope) >= 0 })
	order = append(order, "")
	copy(order[i+1:], order[i:])
	order[i] = k
	m.order[host] = order
}

func keyScope(entries map[string]*Scope, k string) Scope {
	return *entries[k]
}

func compareScopeKeys(a Scope, b Scope) int {
	if a.ResourceType != b.ResourceType {
		return strings.Compare(a.ResourceType, b.ResourceType)
	}
	return strings.Compare(a.ResourceName, b.ResourceName)
}

// Scopes returns the host's accumulated scopes, in lexicographic order.
func (m *ScopeManager) Scopes(host string) []Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.byH[host]
	order := m.order[host]
	out := make([]Scope, 0, len(order))
	for _, k := range order {
		out = append(out, *entries[k])
	}
	return out
}

// ScopeString renders the host's accumulated scopes as a single
// space-separated string suitable for a token request's "scope" form
// field, merging in an extra scope (typically the one a 401 challenged)
// without mutating the stored set.
func (m *ScopeManager) ScopeString(host string, extra ...Scope) string {
	m.mu.Lock()
	snapshot := map[string]*Scope{}
	var order []string
	for k, v := range m.byH[host] {
		cp := *v
		cp.Actions = map[Action]struct{}{}
		for a := range v.Actions {
			cp.Actions[a] = struct{}{}
		}
		snapshot[k] = &cp
	}
	order = append(order, m.order[host]...)
	m.mu.Unlock()

	merge := func(s Scope) {
		k := s.key()
		if existing, ok := snapshot[k]; ok {
			for a := range s.Actions {
				existing.Actions[a] = struct{}{}
			}
			existing.collapseWildcard()
			return
		}
		cp := Scope{ResourceType: s.ResourceType, ResourceName: s.ResourceName, Actions: map[Action]struct{}{}}
		for a := range s.Actions {
			cp.Actions[a] = struct{}{}
		}
		cp.collapseWildcard()
		snapshot[k] = &cp
		i := sort.Search(len(order), func(i int) bool { return compareScopeKeys(*snapshot[order[i]], cp) >= 0 })
		order = append(order, "")
		copy(order[i+1:], order[i:])
		order[i] = k
	}
	for _, e := range extra {
		merge(e)
	}

	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, snapshot[k].String())
	}
	return strings.Join(parts, " ")
}
