// Package scope defines isolation boundaries for loaded evaluator units.
// Loaded units are visible only within the scope they were loaded into; the
// cache partitions its entries by scope handle and a scope's inclusion
// policy controls what a load may link against.
package scope

import (
	"sync"

	"github.com/google/uuid"

	"github.com/reportkit/reportkit"
)

// Policy decides whether a named unit or host symbol may be loaded into a
// scope. It is supplied by the scope's creator and treated as opaque.
type Policy interface {
	Allow(name string) bool
}

// PolicyFunc adapts a plain predicate into a Policy.
type PolicyFunc func(name string) bool

// Allow implements Policy.
func (f PolicyFunc) Allow(name string) bool { return f(name) }

// AllowAll is the default policy: everything may be loaded.
var AllowAll Policy = PolicyFunc(func(string) bool { return true })

// Scope is one isolation boundary. Identity is pointer identity: two scopes
// are the same boundary only if they are the same object. The cache holds
// scopes weakly, so dropping the last external reference makes the scope's
// cached units collectible.
type Scope struct {
	id     string
	policy Policy

	mu      sync.RWMutex
	symbols map[string]reportkit.HostFunc
}

// Option configures a scope at creation.
type Option func(*Scope)

// WithPolicy sets the scope's inclusion policy.
func WithPolicy(p Policy) Option {
	return func(s *Scope) { s.policy = p }
}

// New creates an empty scope with a fresh identity.
func New(opts ...Option) *Scope {
	s := &Scope{
		id:      uuid.NewString(),
		policy:  AllowAll,
		symbols: make(map[string]reportkit.HostFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the scope's diagnostic identifier. It takes no part in cache
// keying.
func (s *Scope) ID() string { return s.id }

// RegisterFunc exports a host function into the scope under name, replacing
// any previous registration.
func (s *Scope) RegisterFunc(name string, fn reportkit.HostFunc) {
	s.mu.Lock()
	s.symbols[name] = fn
	s.mu.Unlock()
}

// Resolve returns the host function registered under name.
func (s *Scope) Resolve(name string) (reportkit.HostFunc, bool) {
	s.mu.RLock()
	fn, ok := s.symbols[name]
	s.mu.RUnlock()
	return fn, ok
}

// Allow consults the scope's inclusion policy.
func (s *Scope) Allow(name string) bool {
	return s.policy.Allow(name)
}
