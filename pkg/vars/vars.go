// Package vars implements the scoped variable store used by the interpreter.
//
// Variables live in one of five named scopes with fixed lifetimes. Each scope
// defines a visibility chain (nearest-first) used for lookups and for
// building the flattened view handed to the expression evaluator. Revision
// counters per scope feed the template resolver's cache fingerprints: any
// write to a scope bumps its revision, so a cached resolution can never
// outlive a change to a variable it might have read.
package vars

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// Scope names a variable bucket with a defined lifetime.
type Scope string

const (
	// Temp holds values for a single operation.
	Temp Scope = "temp"
	// Step holds values for the current step and its nested children.
	Step Scope = "step"
	// Module holds values for the current module invocation.
	Module Scope = "module"
	// TestCase holds values for the whole test case.
	TestCase Scope = "test_case"
	// Global survives across test cases within a run.
	Global Scope = "global"
)

// chains maps each scope to the ordered list of scopes visible from it,
// nearest-first. The order is fixed and never changes at runtime.
var chains = map[Scope][]Scope{
	Temp:     {Temp, Step, Module, TestCase, Global},
	Step:     {Step, Module, TestCase, Global},
	Module:   {Module, TestCase, Global},
	TestCase: {TestCase, Global},
	Global:   {Global},
}

// ErrUnknownScope is returned when a scope name is not one of the five
// defined scopes. Writing with an unknown scope is a programming error and
// is treated as fatal by the interpreter.
var ErrUnknownScope = fmt.Errorf("unknown variable scope")

// ParseScope converts a string (e.g. from a step's scope: field) to a Scope.
func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if _, ok := chains[sc]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, s)
	}
	return sc, nil
}

// Chain returns a copy of the visibility chain for the given scope.
func Chain(from Scope) []Scope {
	chain := chains[from]
	out := make([]Scope, len(chain))
	copy(out, chain)
	return out
}

// GlobalBucket is the global scope. Unlike the other scopes it may be shared
// across concurrently running interpreter instances, so access is guarded by
// its own lock. All other scopes are exclusively owned by one test case and
// need no synchronization.
type GlobalBucket struct {
	mu   sync.RWMutex
	vals map[string]any
	rev  uint64
}

// NewGlobal creates an empty global bucket.
func NewGlobal() *GlobalBucket {
	return &GlobalBucket{vals: make(map[string]any)}
}

func (g *GlobalBucket) set(name string, value any) {
	g.mu.Lock()
	g.vals[name] = value
	g.rev++
	g.mu.Unlock()
}

func (g *GlobalBucket) lookup(name string) (any, bool) {
	g.mu.RLock()
	v, ok := g.vals[name]
	g.mu.RUnlock()
	return v, ok
}

func (g *GlobalBucket) clear() {
	g.mu.Lock()
	g.vals = make(map[string]any)
	g.rev++
	g.mu.Unlock()
}

func (g *GlobalBucket) revision() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rev
}

// Import merges a map into the global bucket, overwriting existing keys.
// Used to seed globals from a persistence backend at run start.
func (g *GlobalBucket) Import(m map[string]any) {
	g.mu.Lock()
	for k, v := range m {
		g.vals[k] = v
	}
	g.rev++
	g.mu.Unlock()
}

// Export returns a copy of the global bucket for persistence at run end.
func (g *GlobalBucket) Export() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]any, len(g.vals))
	for k, v := range g.vals {
		out[k] = v
	}
	return out
}

// Store is the variable store for one interpreter instance. The local scopes
// (temp, step, module, test_case) belong to a single test case and are only
// touched from its execution goroutine; the global bucket may be shared.
type Store struct {
	local  map[Scope]map[string]any
	revs   map[Scope]uint64
	global *GlobalBucket
}

// New creates a store with its own private global bucket.
func New() *Store {
	return NewWithGlobal(NewGlobal())
}

// NewWithGlobal creates a store around a shared global bucket. Interpreter
// instances running test cases in parallel share one bucket this way.
func NewWithGlobal(g *GlobalBucket) *Store {
	return &Store{
		local: map[Scope]map[string]any{
			Temp:     {},
			Step:     {},
			Module:   {},
			TestCase: {},
		},
		revs:   map[Scope]uint64{},
		global: g,
	}
}

// Globals returns the store's global bucket.
func (s *Store) Globals() *GlobalBucket { return s.global }

// Set writes a variable to exactly one scope, overwriting any existing value.
// An unknown scope name is an error (fatal at the interpreter level).
func (s *Store) Set(name string, value any, scope Scope) error {
	if scope == Global {
		s.global.set(name, value)
		return nil
	}
	bucket, ok := s.local[scope]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	bucket[name] = value
	s.revs[scope]++
	return nil
}

// Lookup searches the visibility chain of from, nearest-first, stopping at
// the first scope that contains name.
func (s *Store) Lookup(name string, from Scope) (any, bool) {
	chain, ok := chains[from]
	if !ok {
		return nil, false
	}
	for _, sc := range chain {
		if sc == Global {
			if v, ok := s.global.lookup(name); ok {
				return v, true
			}
			continue
		}
		if v, ok := s.local[sc][name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Get is Lookup with a default for the missing case.
func (s *Store) Get(name string, from Scope, def any) any {
	if v, ok := s.Lookup(name, from); ok {
		return v
	}
	return def
}

// Clear empties one scope bucket. The revision bump invalidates every cache
// entry built from a visibility chain that includes the scope.
func (s *Store) Clear(scope Scope) error {
	if scope == Global {
		s.global.clear()
		return nil
	}
	bucket, ok := s.local[scope]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	if len(bucket) > 0 {
		s.local[scope] = make(map[string]any)
	}
	s.revs[scope]++
	return nil
}

// Snapshot returns the flattened, nearest-wins merge of all scopes visible
// from the given scope. The evaluator runs expressions against this view.
func (s *Store) Snapshot(from Scope) map[string]any {
	chain := chains[from]
	out := make(map[string]any)
	// Merge farthest-first so nearer scopes overwrite.
	for i := len(chain) - 1; i >= 0; i-- {
		sc := chain[i]
		if sc == Global {
			s.global.mu.RLock()
			for k, v := range s.global.vals {
				out[k] = v
			}
			s.global.mu.RUnlock()
			continue
		}
		for k, v := range s.local[sc] {
			out[k] = v
		}
	}
	return out
}

// Fingerprint hashes the revision counters of every scope visible from the
// given scope. Two calls return the same value only if no visible scope was
// written or cleared in between, which makes it a safe (if coarse) cache key
// component for template resolution.
func (s *Store) Fingerprint(from Scope) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	write := func(rev uint64) {
		for i := 0; i < 8; i++ {
			buf[i] = byte(rev >> (8 * i))
		}
		h.Write(buf[:])
	}
	for _, sc := range chains[from] {
		if sc == Global {
			write(s.global.revision())
			continue
		}
		write(s.revs[sc])
	}
	return h.Sum64()
}

// Saved is a copy of one local scope bucket, taken by Save and reinstalled
// by Restore. The interpreter brackets loop iterations and module calls with
// a Save/Restore pair so bindings cannot leak outward.
type Saved struct {
	scope Scope
	vals  map[string]any
}

// Save copies the current contents of a local scope. Global cannot be saved;
// it is never scoped to a construct.
func (s *Store) Save(scope Scope) (Saved, error) {
	bucket, ok := s.local[scope]
	if !ok {
		return Saved{}, fmt.Errorf("%w: %q (only local scopes can be saved)", ErrUnknownScope, scope)
	}
	vals := make(map[string]any, len(bucket))
	for k, v := range bucket {
		vals[k] = v
	}
	return Saved{scope: scope, vals: vals}, nil
}

// Restore reinstalls a saved scope snapshot. The saved copy itself is not
// aliased, so a single Saved can be restored repeatedly (once per loop
// iteration). Restoring always bumps the revision.
func (s *Store) Restore(saved Saved) {
	bucket := make(map[string]any, len(saved.vals))
	for k, v := range saved.vals {
		bucket[k] = v
	}
	s.local[saved.scope] = bucket
	s.revs[saved.scope]++
}
