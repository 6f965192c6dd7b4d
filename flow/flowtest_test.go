package flow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// memStore is a minimal in-memory Store for tests in this package. The
// flow/store implementations cannot be imported here without a cycle.
type memStore struct {
	mu        sync.Mutex
	templates map[string]Template
	runs      map[string]Run
	runOrder  []string
	steps     map[string]Step
	stepIndex map[string]string // runID+"\x00"+nodeID -> step id
	events    map[string][]Event
	ledger    map[string][]CostEntry
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[string]Template{},
		runs:      map[string]Run{},
		steps:     map[string]Step{},
		stepIndex: map[string]string{},
		events:    map[string][]Event{},
		ledger:    map[string][]CostEntry{},
	}
}

func copyVal[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if json.Unmarshal(raw, &out) != nil {
		return v
	}
	return out
}

func (m *memStore) UpsertTemplate(ctx context.Context, tpl Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tpl.CreatedAt == "" {
		tpl.CreatedAt = NowISO()
	}
	tpl.UpdatedAt = NowISO()
	m.templates[tpl.ID] = copyVal(tpl)
	return nil
}

func (m *memStore) ListTemplates(ctx context.Context) ([]Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, copyVal(tpl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *memStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return copyVal(tpl), nil
}

func (m *memStore) CreateRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.CreatedAt == "" {
		run.CreatedAt = NowISO()
	}
	m.runs[run.ID] = copyVal(run)
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *memStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for i := len(m.runOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, copyVal(m.runs[m.runOrder[i]]))
	}
	return out, nil
}

func (m *memStore) ListIncompleteRuns(ctx context.Context) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, id := range m.runOrder {
		run := m.runs[id]
		if run.Status == RunCreated || run.Status == RunRunning {
			out = append(out, copyVal(run))
		}
	}
	return out, nil
}

func (m *memStore) GetRun(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return copyVal(run), nil
}

func (m *memStore) UpdateRun(ctx context.Context, id string, upd RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil
	}
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		run.StartedAt = *upd.StartedAt
	}
	if upd.ClearEndedAt {
		run.EndedAt = ""
	} else if upd.EndedAt != nil {
		run.EndedAt = *upd.EndedAt
	}
	if upd.CancelRequested != nil {
		run.CancelRequested = *upd.CancelRequested
	}
	if upd.DAG != nil {
		run.DAG = copyVal(*upd.DAG)
	}
	if upd.Diagnostics != nil {
		run.Diagnostics = copyVal(*upd.Diagnostics)
	}
	if upd.Metadata != nil {
		run.Metadata = copyVal(*upd.Metadata)
	}
	m.runs[id] = run
	return nil
}

func (m *memStore) IncrementRunTotals(ctx context.Context, id string, promptTokens, completionTokens, totalTokens int, usd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil
	}
	run.TotalPromptTokens += promptTokens
	run.TotalCompletionTokens += completionTokens
	run.TotalTokens += totalTokens
	run.TotalUSD += usd
	m.runs[id] = run
	return nil
}

func (m *memStore) AppendDiagnostic(ctx context.Context, id string, d Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Diagnostics = append(run.Diagnostics, d)
	m.runs[id] = run
	return nil
}

func (m *memStore) UpsertStep(ctx context.Context, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	key := step.RunID + "\x00" + step.NodeID
	if oldID, ok := m.stepIndex[key]; ok && oldID != step.ID {
		delete(m.steps, oldID)
	}
	m.stepIndex[key] = step.ID
	m.steps[step.ID] = copyVal(step)
	return nil
}

func (m *memStore) GetStep(ctx context.Context, id string) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[id]
	if !ok {
		return Step{}, ErrNotFound
	}
	return copyVal(step), nil
}

func (m *memStore) GetStepByNode(ctx context.Context, runID, nodeID string) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.stepIndex[runID+"\x00"+nodeID]
	if !ok {
		return Step{}, ErrNotFound
	}
	return copyVal(m.steps[id]), nil
}

func (m *memStore) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Step
	for _, step := range m.steps {
		if step.RunID == runID {
			out = append(out, copyVal(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out, nil
}

func (m *memStore) ResetStep(ctx context.Context, runID, stepID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[stepID]
	if !ok || step.RunID != runID {
		return false, nil
	}
	step.Status = StepPending
	step.Attempts = 0
	step.StartedAt = ""
	step.EndedAt = ""
	step.Output = nil
	step.Error = nil
	step.Cost = nil
	m.steps[stepID] = step
	return true, nil
}

func (m *memStore) ResetFailedSteps(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, step := range m.steps {
		if step.RunID != runID || step.Status != StepFailed {
			continue
		}
		step.Status = StepPending
		step.StartedAt = ""
		step.EndedAt = ""
		step.Output = nil
		step.Error = nil
		step.Cost = nil
		m.steps[id] = step
		count++
	}
	return count, nil
}

func (m *memStore) AppendEvent(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.RunID] = append(m.events[ev.RunID], copyVal(ev))
	return nil
}

// ListEvents preserves append order, which within one run worker is also
// (created_at, id) order.
func (m *memStore) ListEvents(ctx context.Context, runID, afterCreatedAt string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events[runID] {
		if afterCreatedAt != "" && ev.CreatedAt <= afterCreatedAt {
			continue
		}
		out = append(out, copyVal(ev))
	}
	return out, nil
}

func (m *memStore) AppendCostEntry(ctx context.Context, entry CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = NowISO()
	}
	m.ledger[entry.RunID] = append(m.ledger[entry.RunID], copyVal(entry))
	return nil
}

func (m *memStore) ListCostEntries(ctx context.Context, runID string) ([]CostEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CostEntry, 0, len(m.ledger[runID]))
	for _, entry := range m.ledger[runID] {
		out = append(out, copyVal(entry))
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// eventTypes extracts the event_type sequence for assertions.
func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

func float64Ptr(v float64) *float64 { return &v }
