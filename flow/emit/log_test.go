package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{
		RunID:  "run-1",
		StepID: "step-1",
		NodeID: "execute_task",
		Type:   "step_started",
		Meta:   map[string]any{"attempt": 1},
	})

	line := buf.String()
	if !strings.HasPrefix(line, "[step_started] runID=run-1") {
		t.Fatalf("line = %q", line)
	}
	for _, want := range []string{"stepID=step-1", "nodeID=execute_task", `"attempt":1`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestLogEmitterTextOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(Event{RunID: "run-1", Type: "run_created"})

	line := strings.TrimSpace(buf.String())
	if line != "[run_created] runID=run-1" {
		t.Fatalf("line = %q", line)
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(Event{RunID: "run-1", NodeID: "a", Type: "step_finished", Meta: map[string]any{"cost": 0.01}})

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("not JSONL: %v (%q)", err, buf.String())
	}
	if got["runID"] != "run-1" || got["type"] != "step_finished" || got["nodeID"] != "a" {
		t.Fatalf("got = %+v", got)
	}
	meta, ok := got["meta"].(map[string]any)
	if !ok || meta["cost"] != 0.01 {
		t.Fatalf("meta = %+v", got["meta"])
	}
}

func TestMultiSkipsNil(t *testing.T) {
	var buf bytes.Buffer
	m := NewMulti(nil, NewLogEmitter(&buf, false), NewNullEmitter())
	m.Emit(Event{RunID: "run-1", Type: "run_created"})
	if !strings.Contains(buf.String(), "run_created") {
		t.Fatalf("multi did not fan out: %q", buf.String())
	}
}
