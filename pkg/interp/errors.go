package interp

import (
	"errors"
	"fmt"

	"github.com/loomtest/loom/pkg/eval"
	"github.com/loomtest/loom/pkg/template"
)

// ConfigError reports a misconfigured test: an unknown action, a
// missing module, a bad scope name. It always aborts the run.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError reports action parameters the handler rejected
// before execution. It is never retried: the same parameters would
// fail again.
type ValidationError struct {
	Action string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action %q rejected parameters: %v", e.Action, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ActionError reports a failure inside an action handler. Attempts
// records how many times the action ran before giving up.
type ActionError struct {
	Action   string
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("action %q failed after %d attempts: %v", e.Action, e.Attempts, e.Err)
	}
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// AssertionError reports an expect: expression that evaluated falsy.
// Assertions are never retried.
type AssertionError struct {
	Expr  string // raw expression text as written
	Value any    // what it evaluated to
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %q evaluated to %v", e.Expr, e.Value)
}

// StepError wraps any failure with the identity of the step it
// happened in, including the raw template text before substitution so
// failures can be traced back to the document.
type StepError struct {
	ID        string // position path, e.g. "steps[2].do[0]"
	Construct string
	Raw       string // raw action name, condition, or iterable text
	Err       error
}

func (e *StepError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("step %s (%s %q): %v", e.ID, e.Construct, e.Raw, e.Err)
	}
	return fmt.Sprintf("step %s (%s): %v", e.ID, e.Construct, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the run regardless of
// continue_on_failure: configuration mistakes, sandbox violations, and
// runaway template recursion are not per-step failures.
func IsFatal(err error) bool {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return true
	}
	var sandboxErr *eval.SandboxError
	if errors.As(err, &sandboxErr) {
		return true
	}
	var depthErr *template.DepthError
	return errors.As(err, &depthErr)
}

// isRetryable reports whether a failed attempt may be retried.
// Validation rejections and assertion failures are deterministic.
func isRetryable(err error) bool {
	if IsFatal(err) {
		return false
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	var assertErr *AssertionError
	return !errors.As(err, &assertErr)
}
