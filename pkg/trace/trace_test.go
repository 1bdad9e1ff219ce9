package trace

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad JSONL line %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestWriter_EmitsJSONL(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-1")

	if err := tw.EmitRunStart("checkout", map[string]any{"user": "alice"}); err != nil {
		t.Fatal(err)
	}
	if err := tw.EmitStepStart("steps[0]", "action", "open cart"); err != nil {
		t.Fatal(err)
	}
	if err := tw.EmitStepComplete("steps[0]", StatusSuccess, 10*time.Millisecond, ""); err != nil {
		t.Fatal(err)
	}
	if err := tw.EmitRunComplete("completed", time.Second, ""); err != nil {
		t.Fatal(err)
	}

	events := decodeLines(t, &buf)
	if len(events) != 4 {
		t.Fatalf("events: %d", len(events))
	}
	if events[0].Type != EventRunStart || events[0].RunID != "run-1" {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Data["step_id"] != "steps[0]" || events[1].Data["construct"] != "action" {
		t.Errorf("step_start data: %v", events[1].Data)
	}
	if events[2].Data["status"] != "success" {
		t.Errorf("step_complete data: %v", events[2].Data)
	}
	if events[3].Type != EventRunComplete {
		t.Errorf("last event: %+v", events[3])
	}
	for _, e := range events {
		if e.Timestamp.IsZero() {
			t.Error("zero timestamp")
		}
	}
}

func TestWriter_NilSafe(t *testing.T) {
	var tw *Writer
	if err := tw.Emit(EventStepStart, nil); err != nil {
		t.Fatal(err)
	}
	if err := tw.EmitRetryAttempt("steps[0]", 1, 3, "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriter_FailureFields(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-2")

	if err := tw.EmitStepComplete("steps[1]", StatusFailed, time.Millisecond, "assertion failed"); err != nil {
		t.Fatal(err)
	}
	if err := tw.EmitAssertionEvaluated("steps[1]", "${total} > 0", false); err != nil {
		t.Fatal(err)
	}

	events := decodeLines(t, &buf)
	if events[0].Data["failure"] != "assertion failed" {
		t.Errorf("failure: %v", events[0].Data)
	}
	if events[1].Data["expression"] != "${total} > 0" || events[1].Data["passed"] != false {
		t.Errorf("assertion data: %v", events[1].Data)
	}
}
