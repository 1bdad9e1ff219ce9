// Package interp executes parsed test cases: sequential steps with
// conditionals, loops, module calls, retries, and assertions, all
// reading and writing scoped variables.
package interp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomtest/loom/pkg/eval"
	"github.com/loomtest/loom/pkg/schema"
	"github.com/loomtest/loom/pkg/template"
	"github.com/loomtest/loom/pkg/trace"
	"github.com/loomtest/loom/pkg/vars"
)

// Handler executes one named action. Validate runs once per step before
// any attempt; Execute may run several times under the retry policy.
type Handler interface {
	Validate(params map[string]any) error
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// Registry maps action names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action name. Re-registering a name is
// an error so two plugins cannot silently shadow each other.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("action %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get looks up the handler for an action name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModuleLoader resolves use_module names to definitions.
type ModuleLoader interface {
	LoadModule(name string) (*schema.ModuleDef, error)
}

// Status is the interpreter lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Options configures a new Interpreter. Zero fields get defaults: a
// fresh registry, no modules, no trace, the default slog logger.
type Options struct {
	Registry *Registry
	Modules  ModuleLoader
	Trace    *trace.Writer
	Logger   *slog.Logger
	// RunID identifies the run in logs and traces; a fresh UUID is
	// generated when empty.
	RunID string
	// Globals, when set, shares persisted global variables with the
	// run; otherwise the run starts with an empty global scope.
	Globals *vars.GlobalBucket
	// MaxAttempts is the default attempt count for actions without an
	// explicit retries field. Minimum 1.
	MaxAttempts int
	// RetryDelay is the default pause between attempts.
	RetryDelay time.Duration
	// TemplateDepth bounds recursive placeholder resolution.
	TemplateDepth int
}

const (
	defaultRetryDelay = 500 * time.Millisecond
	defaultLoopVar    = "item"
	defaultRegScope   = vars.TestCase
)

// Interpreter runs one test case at a time. It is not safe for
// concurrent use; run separate test cases on separate interpreters,
// sharing globals through a vars.GlobalBucket.
type Interpreter struct {
	runID    string
	store    *vars.Store
	resolver *template.Resolver
	eval     *eval.Evaluator
	registry *Registry
	modules  ModuleLoader

	moduleCache map[string]*schema.ModuleDef

	tw  *trace.Writer
	log *slog.Logger

	maxAttempts int
	retryDelay  time.Duration

	mu     sync.Mutex
	status Status
}

// New creates an interpreter from options.
func New(opts Options) *Interpreter {
	var store *vars.Store
	if opts.Globals != nil {
		store = vars.NewWithGlobal(opts.Globals)
	} else {
		store = vars.New()
	}

	ev := eval.New()
	resolver := template.New(store, ev)
	if opts.TemplateDepth > 0 {
		resolver.SetMaxDepth(opts.TemplateDepth)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Interpreter{
		runID:       runID,
		store:       store,
		resolver:    resolver,
		eval:        ev,
		registry:    registry,
		modules:     opts.Modules,
		moduleCache: make(map[string]*schema.ModuleDef),
		tw:          opts.Trace,
		log:         logger.With("run_id", runID),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		status:      StatusIdle,
	}
}

// RunID returns the unique identifier of this interpreter's run.
func (in *Interpreter) RunID() string { return in.runID }

// Store exposes the variable store, mainly for inspection after a run.
func (in *Interpreter) Store() *vars.Store { return in.store }

// Status returns the current lifecycle state.
func (in *Interpreter) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

func (in *Interpreter) setStatus(s Status) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

// Run validates and executes a test case. Global variables persist
// across Run calls; every other scope starts empty.
func (in *Interpreter) Run(ctx context.Context, tc *schema.TestCase) error {
	if errs := schema.Validate(tc); len(errs) > 0 {
		return &ConfigError{Msg: fmt.Sprintf("test case %q invalid", tc.Name), Err: errs[0]}
	}

	in.setStatus(StatusRunning)
	start := time.Now()
	in.tw.EmitRunStart(tc.Name, tc.Vars)
	in.log.Info("run started", "test_case", tc.Name, "steps", len(tc.Steps))

	for _, scope := range []vars.Scope{vars.Temp, vars.Step, vars.Module, vars.TestCase} {
		in.store.Clear(scope)
	}
	for name, v := range tc.Vars {
		if err := in.store.Set(name, v, vars.TestCase); err != nil {
			in.setStatus(StatusFailed)
			return &ConfigError{Msg: fmt.Sprintf("bind variable %q", name), Err: err}
		}
	}

	err := in.runSteps(ctx, tc.Steps, "steps")
	duration := time.Since(start)
	if err != nil {
		in.setStatus(StatusFailed)
		in.tw.EmitRunComplete("failed", duration, err.Error())
		in.log.Error("run failed", "test_case", tc.Name, "duration", duration, "error", err)
		return err
	}

	in.setStatus(StatusCompleted)
	in.tw.EmitRunComplete("completed", duration, "")
	in.log.Info("run completed", "test_case", tc.Name, "duration", duration)
	return nil
}

// runSteps executes a step list in order. A step failure stops the
// sequence unless the step opts into continue_on_failure; fatal errors
// stop it regardless.
func (in *Interpreter) runSteps(ctx context.Context, steps []schema.Step, base string) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := &steps[i]
		stepID := fmt.Sprintf("%s[%d]", base, i)

		if err := in.execStep(ctx, step, stepID); err != nil {
			if step.ContinueOnFailure && !IsFatal(err) && ctx.Err() == nil {
				in.log.Warn("step failed, continuing", "step", stepID, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// execStep dispatches one step by construct and wraps any failure with
// the step's identity.
func (in *Interpreter) execStep(ctx context.Context, step *schema.Step, stepID string) error {
	construct := step.Construct()
	in.tw.EmitStepStart(stepID, construct, step.Description)
	in.log.Debug("step started", "step", stepID, "construct", construct)
	start := time.Now()

	var err error
	var raw string
	switch construct {
	case "action":
		raw = step.Action
		err = in.runAction(ctx, step, stepID)
	case "conditional":
		raw = step.If
		err = in.runConditional(ctx, step, stepID)
	case "loop":
		raw = template.Stringify(step.ForEach)
		err = in.runLoop(ctx, step, stepID)
	case "module":
		raw = step.UseModule
		err = in.runModule(ctx, step, stepID)
	default:
		err = &ConfigError{Msg: fmt.Sprintf("step %s has no recognizable construct", stepID)}
	}

	duration := time.Since(start)
	if err != nil {
		var stepErr *StepError
		if !errors.As(err, &stepErr) {
			err = &StepError{ID: stepID, Construct: construct, Raw: raw, Err: err}
		}
		in.tw.EmitStepComplete(stepID, trace.StatusFailed, duration, err.Error())
		return err
	}
	in.tw.EmitStepComplete(stepID, trace.StatusSuccess, duration, "")
	return nil
}

var wholePlaceholderRe = regexp.MustCompile(`^\$\{([^{}]+)\}$`)

// evalCondition reduces a condition string to a boolean. A condition
// that is exactly one placeholder is evaluated as the inner expression;
// mixed template text is resolved first and the result evaluated. Text
// that is not an expression at all falls back to string truthiness.
func (in *Interpreter) evalCondition(cond string) (bool, error) {
	text := strings.TrimSpace(cond)
	wasTemplate := false
	if m := wholePlaceholderRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else if strings.Contains(text, "${") {
		wasTemplate = true
		resolved, err := in.resolver.Resolve(text, vars.Temp)
		if err != nil {
			return false, err
		}
		text = resolved
	}

	ok, err := in.eval.EvaluateBool(text, in.store.Snapshot(vars.Temp))
	if err != nil {
		var parseErr *eval.ParseError
		if errors.As(err, &parseErr) {
			// A template that resolved to a non-expression means a
			// missing or partial substitution: the condition is false.
			// Plain text that was never an expression keeps string
			// truthiness.
			if wasTemplate {
				return false, nil
			}
			return eval.Truthy(strings.TrimSpace(text)), nil
		}
		return false, err
	}
	return ok, nil
}

// runConditional evaluates if: and runs the matching branch. The temp
// scope is cleared on entry so leftovers from a previous step cannot
// leak into the condition.
func (in *Interpreter) runConditional(ctx context.Context, step *schema.Step, stepID string) error {
	in.store.Clear(vars.Temp)

	result, err := in.evalCondition(step.If)
	if err != nil {
		return fmt.Errorf("condition %q: %w", step.If, err)
	}

	branch := "then"
	body := step.Then
	if !result {
		branch = "else"
		body = step.Else
	}
	in.tw.EmitBranchEnter(stepID, step.If, branch, result)
	in.log.Debug("branch", "step", stepID, "condition", step.If, "result", result)

	if len(body) == 0 {
		in.tw.EmitBranchExit(stepID, branch)
		return nil
	}
	err = in.runSteps(ctx, body, fmt.Sprintf("%s.%s", stepID, branch))
	in.tw.EmitBranchExit(stepID, branch)
	return err
}

// runLoop iterates the do: body once per item. Each iteration starts
// from the same saved step scope, so iteration N cannot see step-scoped
// writes from iteration N-1; writes to wider scopes survive.
func (in *Interpreter) runLoop(ctx context.Context, step *schema.Step, stepID string) error {
	iterable, err := in.resolver.ResolveValue(step.ForEach, vars.Temp)
	if err != nil {
		return fmt.Errorf("resolve for_each: %w", err)
	}
	items, err := coerceList(iterable)
	if err != nil {
		return fmt.Errorf("for_each: %w", err)
	}

	loopVar := step.As
	if loopVar == "" {
		loopVar = defaultLoopVar
	}

	in.tw.EmitLoopStart(stepID, len(items))
	base, err := in.store.Save(vars.Step)
	if err != nil {
		return err
	}
	defer in.store.Restore(base)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		in.store.Restore(base)

		in.store.Set(loopVar, item, vars.Step)
		if step.IndexAs != "" {
			in.store.Set(step.IndexAs, i, vars.Step)
		}
		if step.Flags {
			in.store.Set(loopVar+"_first", i == 0, vars.Step)
			in.store.Set(loopVar+"_last", i == len(items)-1, vars.Step)
		}

		in.tw.EmitLoopIteration(stepID, i)
		if err := in.runSteps(ctx, step.Do, stepID+".do"); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
	}

	in.tw.EmitLoopComplete(stepID, len(items))
	return nil
}

// coerceList turns a resolved for_each value into an item slice:
// slices iterate as-is, maps iterate their keys in sorted order, JSON
// array or object text is parsed, and any other scalar becomes a
// single-item loop.
func coerceList(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = k
		}
		return items, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil, nil
		}
		if strings.HasPrefix(trimmed, "[") {
			var items []any
			if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
				return nil, fmt.Errorf("parse iterable %q: %w", t, err)
			}
			return items, nil
		}
		if strings.HasPrefix(trimmed, "{") {
			var m map[string]any
			if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
				return nil, fmt.Errorf("parse iterable %q: %w", t, err)
			}
			return coerceList(m)
		}
		return []any{t}, nil
	default:
		return []any{v}, nil
	}
}

// runModule loads (with caching) a module definition, binds resolved
// params into a fresh module scope, and runs the body. Caller step and
// module scopes are saved and restored around the call.
func (in *Interpreter) runModule(ctx context.Context, step *schema.Step, stepID string) error {
	if in.modules == nil {
		return &ConfigError{Msg: fmt.Sprintf("use_module %q but no module loader configured", step.UseModule)}
	}

	mod, ok := in.moduleCache[step.UseModule]
	if !ok {
		var err error
		mod, err = in.modules.LoadModule(step.UseModule)
		if err != nil {
			return &ConfigError{Msg: fmt.Sprintf("load module %q", step.UseModule), Err: err}
		}
		in.moduleCache[step.UseModule] = mod
	}

	// Params resolve in the caller's context, before scopes change.
	params := make(map[string]any, len(step.Params))
	for name, raw := range step.Params {
		v, err := in.resolver.ResolveValue(raw, vars.Temp)
		if err != nil {
			return fmt.Errorf("resolve param %q: %w", name, err)
		}
		params[name] = v
	}
	for _, required := range mod.Params {
		if _, ok := params[required]; !ok {
			return &ConfigError{Msg: fmt.Sprintf("module %q requires param %q", mod.Name, required)}
		}
	}

	savedModule, err := in.store.Save(vars.Module)
	if err != nil {
		return err
	}
	savedStep, err := in.store.Save(vars.Step)
	if err != nil {
		return err
	}
	defer func() {
		in.store.Restore(savedStep)
		in.store.Restore(savedModule)
	}()

	in.store.Clear(vars.Module)
	in.store.Clear(vars.Step)
	for name, v := range params {
		in.store.Set(name, v, vars.Module)
	}

	in.tw.EmitModuleEnter(stepID, mod.Name, params)
	in.log.Debug("module entered", "step", stepID, "module", mod.Name)
	runErr := in.runSteps(ctx, mod.Steps, fmt.Sprintf("%s.%s", stepID, mod.Name))
	in.tw.EmitModuleExit(stepID, mod.Name)
	return runErr
}

// runAction resolves the step's arguments, dispatches to the registered
// handler under the retry policy, then applies register: and expect:.
func (in *Interpreter) runAction(ctx context.Context, step *schema.Step, stepID string) error {
	handler, ok := in.registry.Get(step.Action)
	if !ok {
		return &ConfigError{Msg: fmt.Sprintf("unknown action %q", step.Action)}
	}

	resolved, err := in.resolver.ResolveValue(step.Args, vars.Temp)
	if err != nil {
		return fmt.Errorf("resolve arguments: %w", err)
	}
	params, _ := resolved.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	if err := handler.Validate(params); err != nil {
		return &ValidationError{Action: step.Action, Err: err}
	}

	attempts := in.maxAttempts
	if step.Retries != nil {
		attempts = *step.Retries + 1
	}
	if step.NonRetryable {
		attempts = 1
	}
	delay := in.retryDelay
	if step.RetryDelay != "" {
		d, err := time.ParseDuration(step.RetryDelay)
		if err != nil {
			return &ConfigError{Msg: fmt.Sprintf("invalid retry_delay %q", step.RetryDelay), Err: err}
		}
		delay = d
	}

	var result map[string]any
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, lastErr = handler.Execute(ctx, params)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) || attempt == attempts {
			return &ActionError{Action: step.Action, Attempts: attempt, Err: lastErr}
		}

		in.tw.EmitRetryAttempt(stepID, attempt, attempts, lastErr.Error())
		in.log.Warn("action failed, retrying",
			"step", stepID, "action", step.Action,
			"attempt", attempt, "max_attempts", attempts, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if step.Register != "" {
		scope := defaultRegScope
		if step.Scope != "" {
			scope, err = vars.ParseScope(step.Scope)
			if err != nil {
				return &ConfigError{Msg: fmt.Sprintf("register scope %q", step.Scope), Err: err}
			}
		}
		if err := in.store.Set(step.Register, registerValue(result), scope); err != nil {
			return &ConfigError{Msg: fmt.Sprintf("register %q", step.Register), Err: err}
		}
		in.tw.EmitVarRegistered(stepID, step.Register, string(scope))
	}

	if step.Expect != "" {
		passed, value, err := in.evalAssertion(step.Expect)
		if err != nil {
			return fmt.Errorf("expect %q: %w", step.Expect, err)
		}
		in.tw.EmitAssertionEvaluated(stepID, step.Expect, passed)
		if !passed {
			return &AssertionError{Expr: step.Expect, Value: value}
		}
	}
	return nil
}

// registerValue picks what register: stores: a handler result with a
// single "value" key registers that value directly, anything else
// registers the whole result map.
func registerValue(result map[string]any) any {
	if result == nil {
		return nil
	}
	if v, ok := result["value"]; ok && len(result) == 1 {
		return v
	}
	return result
}

// evalAssertion evaluates an expect: expression with strict missing-
// variable semantics: an undefined variable fails the assertion setup
// instead of comparing against nil.
func (in *Interpreter) evalAssertion(expect string) (bool, any, error) {
	text := strings.TrimSpace(expect)
	if m := wholePlaceholderRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else if strings.Contains(text, "${") {
		resolved, err := in.resolver.Resolve(text, vars.Temp)
		if err != nil {
			return false, nil, err
		}
		text = resolved
	}

	out, err := in.eval.EvaluateAssert(text, in.store.Snapshot(vars.Temp))
	if err != nil {
		return false, nil, err
	}
	return eval.Truthy(out), out, nil
}
