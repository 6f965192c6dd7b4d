package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/taskflow-go/flow"
)

// runConformance exercises one flow.Store implementation through the shared
// behavioral contract.
func runConformance(t *testing.T, open func(t *testing.T) flow.Store) {
	t.Run("Templates", func(t *testing.T) { testTemplates(t, open(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, open(t)) })
	t.Run("Totals", func(t *testing.T) { testTotals(t, open(t)) })
	t.Run("Diagnostics", func(t *testing.T) { testDiagnostics(t, open(t)) })
	t.Run("Steps", func(t *testing.T) { testSteps(t, open(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, open(t)) })
	t.Run("CostLedger", func(t *testing.T) { testCostLedger(t, open(t)) })
}

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) flow.Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runConformance(t, func(t *testing.T) flow.Store {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func sampleRun(id string) flow.Run {
	return flow.Run{
		ID:        id,
		Task:      "demo task",
		Status:    flow.RunCreated,
		CreatedAt: flow.NowISO(),
		DAG: flow.DAG{
			Nodes: []flow.Node{{ID: "a", DependsOn: []string{}, Status: flow.StepPending}},
		},
	}
}

func testTemplates(t *testing.T, s flow.Store) {
	ctx := context.Background()
	tpl := flow.Template{
		ID:      "tpl.test.v1",
		Name:    "Test",
		Version: "1.0.0",
		Graph: flow.DAG{
			Nodes: []flow.Node{{ID: "a", DependsOn: []string{}}},
		},
		Contracts: map[string]flow.Contract{"a": {ModelPreference: "cheap"}},
	}
	if err := s.UpsertTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Test" || len(got.Graph.Nodes) != 1 {
		t.Fatalf("template = %+v", got)
	}
	if got.Contracts["a"].ModelPreference != "cheap" {
		t.Fatalf("contracts = %+v", got.Contracts)
	}

	// Upsert replaces in place.
	tpl.Name = "Renamed"
	if err := s.UpsertTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "Renamed" {
		t.Fatalf("list = %+v", list)
	}

	// Newest updated_at lists first. Timestamps have microsecond resolution,
	// so space the upserts out.
	time.Sleep(2 * time.Millisecond)
	newer := flow.Template{
		ID:      "tpl.newer.v1",
		Name:    "Newer",
		Version: "1.0.0",
		Graph: flow.DAG{
			Nodes: []flow.Node{{ID: "b", DependsOn: []string{}}},
		},
	}
	if err := s.UpsertTemplate(ctx, newer); err != nil {
		t.Fatal(err)
	}
	list, err = s.ListTemplates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "tpl.newer.v1" {
		t.Fatalf("list order = %v, %v", list[0].ID, list[1].ID)
	}

	// Re-upserting the older template bumps it back to the front.
	time.Sleep(2 * time.Millisecond)
	if err := s.UpsertTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	list, _ = s.ListTemplates(ctx)
	if list[0].ID != tpl.ID {
		t.Fatalf("re-upserted template not first: %v", list[0].ID)
	}

	if _, err := s.GetTemplate(ctx, "missing"); err != flow.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func testRuns(t *testing.T, s flow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Task != "demo task" || got.Status != flow.RunCreated {
		t.Fatalf("run = %+v", got)
	}
	if len(got.DAG.Nodes) != 1 {
		t.Fatalf("dag not persisted: %+v", got.DAG)
	}

	// Partial update touches only the named fields.
	running := flow.RunRunning
	started := flow.NowISO()
	yes := true
	if err := s.UpdateRun(ctx, "run-1", flow.RunUpdate{
		Status:          &running,
		StartedAt:       &started,
		CancelRequested: &yes,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.Status != flow.RunRunning || got.StartedAt != started || !got.CancelRequested {
		t.Fatalf("run = %+v", got)
	}
	if got.Task != "demo task" {
		t.Fatal("untouched field mutated")
	}

	ended := flow.NowISO()
	if err := s.UpdateRun(ctx, "run-1", flow.RunUpdate{EndedAt: &ended}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.EndedAt != ended {
		t.Fatalf("ended_at = %q", got.EndedAt)
	}

	// ClearEndedAt resets to unset, as a retry does.
	if err := s.UpdateRun(ctx, "run-1", flow.RunUpdate{ClearEndedAt: true}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.EndedAt != "" {
		t.Fatalf("ended_at not cleared: %q", got.EndedAt)
	}

	dag := got.DAG
	dag.Nodes[0].Status = flow.StepCompleted
	if err := s.UpdateRun(ctx, "run-1", flow.RunUpdate{DAG: &dag}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRun(ctx, "run-1")
	if got.DAG.Nodes[0].Status != flow.StepCompleted {
		t.Fatal("dag update not persisted")
	}

	if _, err := s.GetRun(ctx, "missing"); err != flow.ErrNotFound {
		t.Fatalf("err = %v", err)
	}

	// Listing: newest first, limited; incomplete filter by status.
	run2 := sampleRun("run-2")
	run2.CreatedAt = "2099-01-01T00:00:00.000000Z"
	if err := s.CreateRun(ctx, run2); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "run-2" {
		t.Fatalf("list = %+v", list)
	}

	completed := flow.RunCompleted
	_ = s.UpdateRun(ctx, "run-1", flow.RunUpdate{Status: &completed})
	incomplete, err := s.ListIncompleteRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 1 || incomplete[0].ID != "run-2" {
		t.Fatalf("incomplete = %+v", incomplete)
	}
}

func testTotals(t *testing.T, s flow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementRunTotals(ctx, "run-1", 100, 50, 150, 0.001); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementRunTotals(ctx, "run-1", 10, 5, 15, 0.0005); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRun(ctx, "run-1")
	if got.TotalPromptTokens != 110 || got.TotalCompletionTokens != 55 || got.TotalTokens != 165 {
		t.Fatalf("token totals = %+v", got)
	}
	if got.TotalUSD < 0.0014 || got.TotalUSD > 0.0016 {
		t.Fatalf("usd total = %v", got.TotalUSD)
	}
}

func testDiagnostics(t *testing.T, s flow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}
	d := flow.Diagnostic{Reason: "Step a failed", FailureMode: flow.FailureOther, ActionTaken: flow.ActionTerminated}
	if err := s.AppendDiagnostic(ctx, "run-1", d); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDiagnostic(ctx, "run-1", d); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRun(ctx, "run-1")
	if len(got.Diagnostics) != 2 || got.Diagnostics[0].Reason != "Step a failed" {
		t.Fatalf("diagnostics = %+v", got.Diagnostics)
	}
	if err := s.AppendDiagnostic(ctx, "missing", d); err != flow.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func testSteps(t *testing.T, s flow.Store) {
	ctx := context.Background()
	if err := s.CreateRun(ctx, sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}
	step := flow.Step{
		ID:         "step-1",
		RunID:      "run-1",
		NodeID:     "a",
		Status:     flow.StepRunning,
		Attempts:   1,
		MaxRetries: 2,
		StartedAt:  flow.NowISO(),
		Input:      map[string]any{"task": "demo task"},
	}
	if err := s.UpsertStep(ctx, step); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != flow.StepRunning || got.Attempts != 1 {
		t.Fatalf("step = %+v", got)
	}

	byNode, err := s.GetStepByNode(ctx, "run-1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if byNode.ID != "step-1" {
		t.Fatalf("step by node = %+v", byNode)
	}

	// Upserting the same (run, node) updates in place.
	step.Status = flow.StepFailed
	step.Attempts = 3
	step.Error = &flow.StepError{Code: flow.CodeExecutionError, Message: "boom", Details: map[string]any{}}
	if err := s.UpsertStep(ctx, step); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListSteps(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != flow.StepFailed {
		t.Fatalf("steps = %+v", list)
	}
	if list[0].Error == nil || list[0].Error.Code != flow.CodeExecutionError {
		t.Fatalf("error = %+v", list[0].Error)
	}

	// ResetFailedSteps keeps the attempt history.
	n, err := s.ResetFailedSteps(ctx, "run-1")
	if err != nil || n != 1 {
		t.Fatalf("reset count = %d, err = %v", n, err)
	}
	got, _ = s.GetStep(ctx, "step-1")
	if got.Status != flow.StepPending || got.Attempts != 3 {
		t.Fatalf("step after bulk reset = %+v", got)
	}
	if got.Error != nil || got.Output != nil || got.EndedAt != "" {
		t.Fatalf("step not cleared: %+v", got)
	}

	// ResetStep zeroes attempts for a targeted human retry.
	ok, err := s.ResetStep(ctx, "run-1", "step-1")
	if err != nil || !ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	got, _ = s.GetStep(ctx, "step-1")
	if got.Attempts != 0 {
		t.Fatalf("attempts after targeted reset = %d", got.Attempts)
	}

	if ok, err := s.ResetStep(ctx, "run-1", "missing"); err != nil || ok {
		t.Fatalf("ok = %v, err = %v", ok, err)
	}
	if ok, err := s.ResetStep(ctx, "other-run", "step-1"); err != nil || ok {
		t.Fatalf("cross-run reset: ok = %v, err = %v", ok, err)
	}
	if _, err := s.GetStep(ctx, "missing"); err != flow.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.GetStepByNode(ctx, "run-1", "missing"); err != flow.ErrNotFound {
		t.Fatalf("err = %v", err)
	}
}

func testEvents(t *testing.T, s flow.Store) {
	ctx := context.Background()
	events := []flow.Event{
		{ID: "ev-1", RunID: "run-1", EventType: "run_created", Payload: map[string]any{}, CreatedAt: "2026-01-01T00:00:01.000000Z"},
		{ID: "ev-2", RunID: "run-1", EventType: "run_started", Payload: map[string]any{"request_id": "r1"}, CreatedAt: "2026-01-01T00:00:02.000000Z"},
		{ID: "ev-3", RunID: "run-1", EventType: "run_finished", Payload: map[string]any{}, CreatedAt: "2026-01-01T00:00:03.000000Z"},
		{ID: "ev-x", RunID: "run-2", EventType: "run_created", Payload: map[string]any{}, CreatedAt: "2026-01-01T00:00:01.500000Z"},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListEvents(ctx, "run-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "ev-1" || got[2].ID != "ev-3" {
		t.Fatalf("events = %+v", got)
	}
	if got[1].Payload["request_id"] != "r1" {
		t.Fatalf("payload = %+v", got[1].Payload)
	}

	// The after filter is exclusive.
	tail, err := s.ListEvents(ctx, "run-1", "2026-01-01T00:00:01.000000Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].ID != "ev-2" {
		t.Fatalf("tail = %+v", tail)
	}
}

func testCostLedger(t *testing.T, s flow.Store) {
	ctx := context.Background()
	entries := []flow.CostEntry{
		{RunID: "run-1", App: "taskflow", Provider: "mock", Model: "mock-cheap",
			PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, USD: 0.000002,
			Metadata: map[string]any{"phase": "planning"}, CreatedAt: "2026-01-01T00:00:01.000000Z"},
		{RunID: "run-1", StepID: "step-1", App: "taskflow", Provider: "mock", Model: "mock-default",
			PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30, USD: 0.00002,
			Metadata: map[string]any{"phase": "step_execution"}, CreatedAt: "2026-01-01T00:00:02.000000Z"},
	}
	for _, entry := range entries {
		if err := s.AppendCostEntry(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ListCostEntries(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].ID == "" || got[1].ID == "" {
		t.Fatal("ids not assigned")
	}
	if got[0].Metadata["phase"] != "planning" || got[1].StepID != "step-1" {
		t.Fatalf("entries = %+v", got)
	}
}
