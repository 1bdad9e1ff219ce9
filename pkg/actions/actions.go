// Package actions provides the builtin utility actions available in
// every run: variable writes, logging, waits, and deliberate failure.
// Browser or protocol actions come from the embedding application.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomtest/loom/pkg/interp"
	"github.com/loomtest/loom/pkg/vars"
)

// RegisterBuiltins registers every builtin action on the registry. The
// store receives set_variable writes; the logger receives log output.
func RegisterBuiltins(reg *interp.Registry, store *vars.Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	builtins := map[string]interp.Handler{
		"set_variable": &setVariable{store: store},
		"log":          &logAction{log: logger},
		"wait":         &wait{},
		"fail":         &fail{},
		"noop":         &noop{},
	}
	for name, h := range builtins {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// setVariable writes a value into the variable store.
type setVariable struct {
	store *vars.Store
}

func (a *setVariable) Validate(params map[string]any) error {
	name, _ := params["name"].(string)
	if name == "" {
		return errors.New("name is required")
	}
	if _, ok := params["value"]; !ok {
		return errors.New("value is required")
	}
	if s, ok := params["scope"].(string); ok && s != "" {
		if _, err := vars.ParseScope(s); err != nil {
			return err
		}
	}
	return nil
}

func (a *setVariable) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	name := params["name"].(string)
	scope := vars.TestCase
	if s, ok := params["scope"].(string); ok && s != "" {
		scope, _ = vars.ParseScope(s)
	}
	if err := a.store.Set(name, params["value"], scope); err != nil {
		return nil, err
	}
	return nil, nil
}

// logAction writes a message through the run's structured logger.
type logAction struct {
	log *slog.Logger
}

func (a *logAction) Validate(params map[string]any) error {
	if _, ok := params["message"]; !ok {
		return errors.New("message is required")
	}
	switch level(params) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("unknown level %q", level(params))
	}
}

func level(params map[string]any) string {
	if l, ok := params["level"].(string); ok && l != "" {
		return l
	}
	return "info"
}

func (a *logAction) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	msg := fmt.Sprint(params["message"])
	switch level(params) {
	case "debug":
		a.log.Debug(msg)
	case "warn":
		a.log.Warn(msg)
	case "error":
		a.log.Error(msg)
	default:
		a.log.Info(msg)
	}
	return nil, nil
}

// wait pauses for a duration, honoring cancellation.
type wait struct{}

func (a *wait) Validate(params map[string]any) error {
	_, err := waitDuration(params)
	return err
}

// waitDuration accepts either a Go duration string ("1.5s") or a bare
// number of seconds.
func waitDuration(params map[string]any) (time.Duration, error) {
	switch v := params["duration"].(type) {
	case nil:
		return 0, errors.New("duration is required")
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		if d < 0 {
			return 0, errors.New("duration must be >= 0")
		}
		return d, nil
	case int:
		if v < 0 {
			return 0, errors.New("duration must be >= 0")
		}
		return time.Duration(v) * time.Second, nil
	case float64:
		if v < 0 {
			return 0, errors.New("duration must be >= 0")
		}
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("invalid duration type %T", v)
	}
}

func (a *wait) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	d, err := waitDuration(params)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
		return nil, nil
	}
}

// fail aborts the step with a scripted message, for negative tests and
// guard steps.
type fail struct{}

func (a *fail) Validate(map[string]any) error { return nil }

func (a *fail) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	if msg, ok := params["message"].(string); ok && msg != "" {
		return nil, errors.New(msg)
	}
	return nil, errors.New("fail action reached")
}

// noop does nothing. Useful as a placeholder while authoring tests.
type noop struct{}

func (a *noop) Validate(map[string]any) error { return nil }

func (a *noop) Execute(context.Context, map[string]any) (map[string]any, error) {
	return nil, nil
}
