package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dshills/taskflow-go/flow"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory flow.Store for tests and ephemeral runs.
// All data is lost when the process exits.
type MemoryStore struct {
	mu        sync.RWMutex
	templates map[string]flow.Template
	runs      map[string]flow.Run
	runOrder  []string
	steps     map[string]flow.Step // keyed by step id
	stepIndex map[string]string    // runID+"\x00"+nodeID -> step id
	events    map[string][]flow.Event
	ledger    map[string][]flow.CostEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: map[string]flow.Template{},
		runs:      map[string]flow.Run{},
		steps:     map[string]flow.Step{},
		stepIndex: map[string]string{},
		events:    map[string][]flow.Event{},
		ledger:    map[string][]flow.CostEntry{},
	}
}

// deepCopy round-trips a value through JSON so callers cannot alias stored
// maps and slices.
func deepCopy[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func stepKey(runID, nodeID string) string {
	return runID + "\x00" + nodeID
}

func (m *MemoryStore) UpsertTemplate(ctx context.Context, tpl flow.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := flow.NowISO()
	if existing, ok := m.templates[tpl.ID]; ok {
		tpl.CreatedAt = existing.CreatedAt
	} else if tpl.CreatedAt == "" {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	m.templates[tpl.ID] = deepCopy(tpl)
	return nil
}

func (m *MemoryStore) ListTemplates(ctx context.Context) ([]flow.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]flow.Template, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, deepCopy(tpl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *MemoryStore) GetTemplate(ctx context.Context, id string) (flow.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	if !ok {
		return flow.Template{}, flow.ErrNotFound
	}
	return deepCopy(tpl), nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run flow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.CreatedAt == "" {
		run.CreatedAt = flow.NowISO()
	}
	if run.Diagnostics == nil {
		run.Diagnostics = []flow.Diagnostic{}
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	m.runs[run.ID] = deepCopy(run)
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

// newestFirst returns run ids ordered by created_at descending.
func (m *MemoryStore) newestFirst() []string {
	ids := append([]string(nil), m.runOrder...)
	sort.SliceStable(ids, func(i, j int) bool {
		return m.runs[ids[i]].CreatedAt > m.runs[ids[j]].CreatedAt
	})
	return ids
}

func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]flow.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []flow.Run
	for _, id := range m.newestFirst() {
		if len(out) == limit {
			break
		}
		out = append(out, deepCopy(m.runs[id]))
	}
	return out, nil
}

func (m *MemoryStore) ListIncompleteRuns(ctx context.Context) ([]flow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []flow.Run
	for _, id := range m.newestFirst() {
		run := m.runs[id]
		if run.Status == flow.RunCreated || run.Status == flow.RunRunning {
			out = append(out, deepCopy(run))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (flow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return flow.Run{}, flow.ErrNotFound
	}
	return deepCopy(run), nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id string, upd flow.RunUpdate) error {
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
		run.DAG = deepCopy(*upd.DAG)
	}
	if upd.Diagnostics != nil {
		run.Diagnostics = deepCopy(*upd.Diagnostics)
	}
	if upd.Metadata != nil {
		run.Metadata = deepCopy(*upd.Metadata)
	}
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) IncrementRunTotals(ctx context.Context, id string, promptTokens, completionTokens, totalTokens int, usd float64) error {
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

func (m *MemoryStore) AppendDiagnostic(ctx context.Context, id string, d flow.Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return flow.ErrNotFound
	}
	run.Diagnostics = append(run.Diagnostics, d)
	m.runs[id] = run
	return nil
}

func (m *MemoryStore) UpsertStep(ctx context.Context, step flow.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Input == nil {
		step.Input = map[string]any{}
	}
	if step.Logs == nil {
		step.Logs = []string{}
	}
	key := stepKey(step.RunID, step.NodeID)
	if oldID, ok := m.stepIndex[key]; ok && oldID != step.ID {
		delete(m.steps, oldID)
	}
	m.stepIndex[key] = step.ID
	m.steps[step.ID] = deepCopy(step)
	return nil
}

func (m *MemoryStore) GetStep(ctx context.Context, id string) (flow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[id]
	if !ok {
		return flow.Step{}, flow.ErrNotFound
	}
	return deepCopy(step), nil
}

func (m *MemoryStore) GetStepByNode(ctx context.Context, runID, nodeID string) (flow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.stepIndex[stepKey(runID, nodeID)]
	if !ok {
		return flow.Step{}, flow.ErrNotFound
	}
	return deepCopy(m.steps[id]), nil
}

func (m *MemoryStore) ListSteps(ctx context.Context, runID string) ([]flow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []flow.Step
	for _, step := range m.steps {
		if step.RunID == runID {
			out = append(out, deepCopy(step))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt < out[j].StartedAt })
	return out, nil
}

func resetStepFields(step *flow.Step, clearAttempts bool) {
	step.Status = flow.StepPending
	if clearAttempts {
		step.Attempts = 0
	}
	step.StartedAt = ""
	step.EndedAt = ""
	step.Output = nil
	step.Error = nil
	step.Cost = nil
}

func (m *MemoryStore) ResetStep(ctx context.Context, runID, stepID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[stepID]
	if !ok || step.RunID != runID {
		return false, nil
	}
	resetStepFields(&step, true)
	m.steps[stepID] = step
	return true, nil
}

func (m *MemoryStore) ResetFailedSteps(ctx context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, step := range m.steps {
		if step.RunID != runID || step.Status != flow.StepFailed {
			continue
		}
		resetStepFields(&step, false)
		m.steps[id] = step
		count++
	}
	return count, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev flow.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	m.events[ev.RunID] = append(m.events[ev.RunID], deepCopy(ev))
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, runID, afterCreatedAt string) ([]flow.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []flow.Event
	for _, ev := range m.events[runID] {
		if afterCreatedAt != "" && ev.CreatedAt <= afterCreatedAt {
			continue
		}
		out = append(out, deepCopy(ev))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) AppendCostEntry(ctx context.Context, entry flow.CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = flow.NowISO()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	m.ledger[entry.RunID] = append(m.ledger[entry.RunID], deepCopy(entry))
	return nil
}

func (m *MemoryStore) ListCostEntries(ctx context.Context, runID string) ([]flow.CostEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]flow.CostEntry, 0, len(m.ledger[runID]))
	for _, entry := range m.ledger[runID] {
		out = append(out, deepCopy(entry))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
