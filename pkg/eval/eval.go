// Package eval implements the sandboxed expression engine for step
// conditions, templates, and assertions.
//
// Expressions are the expr-lang subset accepted by the sandbox walk in
// sandbox.go: literals, variable references, arithmetic, comparison and
// boolean operators, the ternary form `cond ? a : b`, and a fixed allow-list
// of utility functions. Anything else — closures, pipes, ranges, calls to
// functions outside the allow-list — is rejected when the expression is
// parsed, before any of it runs.
package eval

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// SandboxError reports a reference to a function or construct outside the
// allowed expression subset. It is fatal and detected at parse time.
type SandboxError struct {
	Name string // offending function or construct
	Expr string // original expression text
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("expression %q references disallowed name %q", e.Expr, e.Name)
}

// ParseError reports text that is not a valid expression at all. Unlike a
// sandbox violation it is not fatal; callers evaluating resolved template
// text may fall back to plain truthiness.
type ParseError struct {
	Expr string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse expression %q: %v", e.Expr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UndefinedError reports identifiers that are not present in the variable
// view. Outside assertion contexts these resolve to nil instead; inside an
// assertion the evaluation fails with this error.
type UndefinedError struct {
	Names []string
	Expr  string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("expression %q references undefined variable(s): %s",
		e.Expr, strings.Join(e.Names, ", "))
}

// analysis is the cached parse-time result for one expression text: the
// identifiers it references and the sandbox verdict. Both depend only on
// the text, never on the variable view, so they are computed once.
type analysis struct {
	idents []string
	err    error
}

// Evaluator compiles and runs expressions against a flattened variable view.
// Compiled programs and sandbox analyses are cached by expression text, since
// the same condition or template expression is typically evaluated many times
// across loop iterations. The caches are instance-local; an Evaluator belongs
// to one interpreter and is not safe for concurrent use.
type Evaluator struct {
	programs map[string]*vm.Program
	analyses map[string]*analysis
}

// New creates an Evaluator with empty caches.
func New() *Evaluator {
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		analyses: make(map[string]*analysis),
	}
}

// analyze returns the cached parse-and-sandbox result for the expression,
// computing it on first sight. Which of the identifiers are missing is
// checked per call against the current variable view.
func (ev *Evaluator) analyze(exprText string) ([]string, error) {
	a, ok := ev.analyses[exprText]
	if !ok {
		idents, err := inspect(exprText)
		a = &analysis{idents: idents, err: err}
		ev.analyses[exprText] = a
	}
	return a.idents, a.err
}

func missingIdents(idents []string, env map[string]any) []string {
	var missing []string
	for _, name := range idents {
		if _, ok := env[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Evaluate parses (sandbox-checked), compiles, and runs an expression
// against the given variable view. Identifiers missing from the view
// evaluate to nil.
func (ev *Evaluator) Evaluate(exprText string, env map[string]any) (any, error) {
	return ev.run(exprText, env, false)
}

// EvaluateAssert is Evaluate with assertion semantics: a missing identifier
// is an *UndefinedError instead of a nil default, so an assertion against an
// unset variable fails loudly rather than comparing against nothing.
func (ev *Evaluator) EvaluateAssert(exprText string, env map[string]any) (any, error) {
	return ev.run(exprText, env, true)
}

// EvaluateBool evaluates an expression and reduces the result to a truth
// value. An empty expression is true (no condition means always run). A
// runtime failure caused purely by missing variables is false, matching the
// rule that a missing optional variable must not abort a test.
func (ev *Evaluator) EvaluateBool(exprText string, env map[string]any) (bool, error) {
	exprText = strings.TrimSpace(exprText)
	if exprText == "" {
		return true, nil
	}
	idents, err := ev.analyze(exprText)
	if err != nil {
		return false, err
	}
	out, err := ev.exec(exprText, env)
	if err != nil {
		if len(missingIdents(idents, env)) > 0 {
			return false, nil
		}
		return false, err
	}
	return Truthy(out), nil
}

func (ev *Evaluator) run(exprText string, env map[string]any, assert bool) (any, error) {
	idents, err := ev.analyze(exprText)
	if err != nil {
		return nil, err
	}
	if assert {
		if missing := missingIdents(idents, env); len(missing) > 0 {
			return nil, &UndefinedError{Names: missing, Expr: exprText}
		}
	}
	return ev.exec(exprText, env)
}

// exec compiles (or reuses) and runs the program. Compilation is untyped
// with undefined variables allowed; the sandbox walk has already rejected
// anything outside the permitted subset, and missing identifiers fetch nil
// at run time.
func (ev *Evaluator) exec(exprText string, env map[string]any) (any, error) {
	program, ok := ev.programs[exprText]
	if !ok {
		var err error
		program, err = expr.Compile(exprText,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, fmt.Errorf("compile expression %q: %w", exprText, err)
		}
		ev.programs[exprText] = program
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", exprText, err)
	}
	return out, nil
}

// Truthy reduces an evaluation result to a boolean: nil is false, booleans
// are themselves, numbers are true when nonzero, strings when non-empty and
// not "false"/"0", collections when non-empty.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case uint64:
		return x != 0
	case float64:
		return x != 0
	case float32:
		return x != 0
	case string:
		s := strings.TrimSpace(x)
		return s != "" && s != "false" && s != "0"
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
