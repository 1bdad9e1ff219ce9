// Package trace implements the interpreter's append-only JSONL run log.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType enumerates all trace event types.
type EventType string

const (
	EventRunStart           EventType = "run_start"
	EventRunComplete        EventType = "run_complete"
	EventStepStart          EventType = "step_start"
	EventStepComplete       EventType = "step_complete"
	EventBranchEnter        EventType = "branch_enter"
	EventBranchExit         EventType = "branch_exit"
	EventLoopStart          EventType = "loop_start"
	EventLoopIteration      EventType = "loop_iteration"
	EventLoopComplete       EventType = "loop_complete"
	EventModuleEnter        EventType = "module_enter"
	EventModuleExit         EventType = "module_exit"
	EventRetryAttempt       EventType = "retry_attempt"
	EventAssertionEvaluated EventType = "assertion_evaluated"
	EventVarRegistered      EventType = "var_registered"
)

// StepStatus is the execution status of a step.
type StepStatus string

const (
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
	StatusSkipped StepStatus = "skipped"
	StatusError   StepStatus = "error"
)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// Writer writes trace events to an append-only JSONL stream. A nil
// *Writer is valid and discards every event, so callers never need to
// guard their Emit calls.
type Writer struct {
	mu    sync.Mutex
	runID string
	enc   *json.Encoder
	c     io.Closer
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{
		runID: runID,
		enc:   json.NewEncoder(w),
	}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f, runID)
	tw.c = f
	return tw, nil
}

// Close closes the underlying file, if the writer owns one.
func (tw *Writer) Close() error {
	if tw == nil || tw.c == nil {
		return nil
	}
	return tw.c.Close()
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	if tw == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()

	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		Data:      data,
	}
	return tw.enc.Encode(evt)
}

// EmitRunStart emits a run_start event with the test case name and its
// initial variables.
func (tw *Writer) EmitRunStart(testCase string, vars map[string]any) error {
	data := map[string]any{
		"test_case": testCase,
	}
	if vars != nil {
		data["vars"] = vars
	}
	return tw.Emit(EventRunStart, data)
}

// EmitRunComplete emits a run_complete event.
func (tw *Writer) EmitRunComplete(status string, duration time.Duration, failure string) error {
	data := map[string]any{
		"status":   status,
		"duration": duration.String(),
	}
	if failure != "" {
		data["failure"] = failure
	}
	return tw.Emit(EventRunComplete, data)
}

// EmitStepStart emits a step_start event.
func (tw *Writer) EmitStepStart(stepID, construct, description string) error {
	data := map[string]any{
		"step_id":   stepID,
		"construct": construct,
	}
	if description != "" {
		data["description"] = description
	}
	return tw.Emit(EventStepStart, data)
}

// EmitStepComplete emits a step_complete event.
func (tw *Writer) EmitStepComplete(stepID string, status StepStatus, duration time.Duration, failure string) error {
	data := map[string]any{
		"step_id":  stepID,
		"status":   string(status),
		"duration": duration.String(),
	}
	if failure != "" {
		data["failure"] = failure
	}
	return tw.Emit(EventStepComplete, data)
}

// EmitBranchEnter emits a branch_enter event with the raw and resolved
// condition and the branch taken.
func (tw *Writer) EmitBranchEnter(stepID, condition, branch string, result bool) error {
	return tw.Emit(EventBranchEnter, map[string]any{
		"step_id":   stepID,
		"condition": condition,
		"result":    result,
		"branch":    branch,
	})
}

// EmitBranchExit emits a branch_exit event.
func (tw *Writer) EmitBranchExit(stepID, branch string) error {
	return tw.Emit(EventBranchExit, map[string]any{
		"step_id": stepID,
		"branch":  branch,
	})
}

// EmitLoopStart emits a loop_start event with the iteration count.
func (tw *Writer) EmitLoopStart(stepID string, count int) error {
	return tw.Emit(EventLoopStart, map[string]any{
		"step_id": stepID,
		"count":   count,
	})
}

// EmitLoopIteration emits a loop_iteration event.
func (tw *Writer) EmitLoopIteration(stepID string, index int) error {
	return tw.Emit(EventLoopIteration, map[string]any{
		"step_id": stepID,
		"index":   index,
	})
}

// EmitLoopComplete emits a loop_complete event.
func (tw *Writer) EmitLoopComplete(stepID string, completed int) error {
	return tw.Emit(EventLoopComplete, map[string]any{
		"step_id":   stepID,
		"completed": completed,
	})
}

// EmitModuleEnter emits a module_enter event.
func (tw *Writer) EmitModuleEnter(stepID, module string, params map[string]any) error {
	data := map[string]any{
		"step_id": stepID,
		"module":  module,
	}
	if params != nil {
		data["params"] = params
	}
	return tw.Emit(EventModuleEnter, data)
}

// EmitModuleExit emits a module_exit event.
func (tw *Writer) EmitModuleExit(stepID, module string) error {
	return tw.Emit(EventModuleExit, map[string]any{
		"step_id": stepID,
		"module":  module,
	})
}

// EmitRetryAttempt emits a retry_attempt event.
func (tw *Writer) EmitRetryAttempt(stepID string, attempt, maxAttempts int, cause string) error {
	return tw.Emit(EventRetryAttempt, map[string]any{
		"step_id":      stepID,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"cause":        cause,
	})
}

// EmitAssertionEvaluated emits an assertion_evaluated event with the
// raw expression and its outcome.
func (tw *Writer) EmitAssertionEvaluated(stepID, expr string, passed bool) error {
	return tw.Emit(EventAssertionEvaluated, map[string]any{
		"step_id":    stepID,
		"expression": expr,
		"passed":     passed,
	})
}

// EmitVarRegistered emits a var_registered event.
func (tw *Writer) EmitVarRegistered(stepID, name, scope string) error {
	return tw.Emit(EventVarRegistered, map[string]any{
		"step_id": stepID,
		"name":    name,
		"scope":   scope,
	})
}
