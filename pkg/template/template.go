// Package template resolves ${...} placeholders against the variable
// store, delegating compound expressions to the sandboxed evaluator.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/loomtest/loom/pkg/eval"
	"github.com/loomtest/loom/pkg/vars"
)

// DefaultMaxDepth bounds recursive resolution when a resolved value
// itself contains placeholders.
const DefaultMaxDepth = 10

var (
	placeholderRe = regexp.MustCompile(`\$\{([^{}]+)\}`)
	wholeRe       = regexp.MustCompile(`^\$\{([^{}]+)\}$`)
	identRe       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	identDefRe    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*):(.*)$`)
)

// DepthError reports that placeholder resolution did not converge
// within the depth bound. It indicates a self-referential template
// and is not recoverable.
type DepthError struct {
	Text  string
	Depth int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("template %q did not resolve after %d passes", e.Text, e.Depth)
}

// Resolver substitutes placeholders in strings and structured values.
// Resolution results are memoized per (text, scope, store fingerprint),
// so a write to any visible scope invalidates affected entries.
type Resolver struct {
	store    *vars.Store
	eval     *eval.Evaluator
	maxDepth int

	mu    sync.Mutex
	cache map[cacheKey]string
}

type cacheKey struct {
	text  string
	scope vars.Scope
	fp    uint64
}

func New(store *vars.Store, ev *eval.Evaluator) *Resolver {
	return &Resolver{
		store:    store,
		eval:     ev,
		maxDepth: DefaultMaxDepth,
		cache:    make(map[cacheKey]string),
	}
}

// SetMaxDepth overrides the recursion bound. Values below 1 are ignored.
func (r *Resolver) SetMaxDepth(n int) {
	if n >= 1 {
		r.maxDepth = n
	}
}

// Resolve substitutes every ${...} placeholder in text, looking up
// variables from the given scope's visibility chain. Strings without
// placeholders are returned as-is without touching the store.
func (r *Resolver) Resolve(text string, from vars.Scope) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	key := cacheKey{text: text, scope: from, fp: r.store.Fingerprint(from)}
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	out, err := r.resolve(text, from)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[key] = out
	r.mu.Unlock()
	return out, nil
}

func (r *Resolver) resolve(text string, from vars.Scope) (string, error) {
	current := text
	for depth := 0; depth < r.maxDepth; depth++ {
		next, err := r.resolveOnce(current, from)
		if err != nil {
			return "", err
		}
		if !strings.Contains(next, "${") {
			return next, nil
		}
		if next == current {
			// Unresolvable remainder; stop rather than loop.
			return next, nil
		}
		current = next
	}
	return "", &DepthError{Text: text, Depth: r.maxDepth}
}

// resolveOnce performs a single substitution pass over text against a
// snapshot of the store, so all placeholders in one pass see the same
// variable state.
func (r *Resolver) resolveOnce(text string, from vars.Scope) (string, error) {
	env := r.store.Snapshot(from)

	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := match[2 : len(match)-1]
		val, err := r.resolveInner(inner, from, env)
		if err != nil {
			firstErr = err
			return match
		}
		return Stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolveInner evaluates a single placeholder body: a bare variable
// name, a name:default fallback, or a full expression.
func (r *Resolver) resolveInner(inner string, from vars.Scope, env map[string]any) (any, error) {
	inner = strings.TrimSpace(inner)

	if identRe.MatchString(inner) {
		if v, ok := r.store.Lookup(inner, from); ok {
			return v, nil
		}
		return "", nil
	}

	if m := identDefRe.FindStringSubmatch(inner); m != nil {
		if v, ok := r.store.Lookup(m[1], from); ok {
			return v, nil
		}
		return m[2], nil
	}

	return r.eval.Evaluate(inner, env)
}

// ResolveValue resolves placeholders inside an arbitrary value. Maps
// and slices are walked recursively. A string that is exactly one
// placeholder keeps the variable's native type instead of being
// flattened to a string, so lists and maps survive substitution.
func (r *Resolver) ResolveValue(v any, from vars.Scope) (any, error) {
	switch t := v.(type) {
	case string:
		if m := wholeRe.FindStringSubmatch(t); m != nil {
			env := r.store.Snapshot(from)
			out, err := r.resolveInner(m[1], from, env)
			if err != nil {
				return nil, err
			}
			// The typed result may itself embed placeholders.
			if s, ok := out.(string); ok && strings.Contains(s, "${") && s != t {
				return r.Resolve(s, from)
			}
			return out, nil
		}
		return r.Resolve(t, from)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := r.ResolveValue(val, from)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := r.ResolveValue(val, from)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Stringify renders a resolved value for embedding into surrounding
// text. Composite values are JSON-encoded so they round-trip through
// loop iterable coercion.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
