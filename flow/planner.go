package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dshills/taskflow-go/flow/model"
)

// plannerTimeout bounds the planning model call.
const plannerTimeout = 20 * time.Second

// Planner instantiates a run's DAG from a workflow template. Planning is
// idempotent: a run that already carries a DAG is returned unchanged.
type Planner struct {
	store     Store
	settings  Settings
	provider  model.Provider
	router    *ModelRouter
	estimator *CostEstimator
	events    *EventRecorder
}

// NewPlanner wires a planner.
func NewPlanner(store Store, settings Settings, provider model.Provider, router *ModelRouter, estimator *CostEstimator, events *EventRecorder) *Planner {
	return &Planner{
		store:     store,
		settings:  settings,
		provider:  provider,
		router:    router,
		estimator: estimator,
		events:    events,
	}
}

// Plan resolves the run's template, consults the cheap model for planner
// notes, and persists the instantiated DAG. The template's graph and
// contracts are deep-copied so runs never share node state.
func (p *Planner) Plan(ctx context.Context, run Run, requestID string) (DAG, error) {
	if len(run.DAG.Nodes) > 0 {
		return run.DAG, nil
	}

	if _, err := p.events.Record(ctx, run.ID, "", EventPlanningStarted, map[string]any{
		"task":        run.Task,
		"template_id": run.TemplateID,
	}); err != nil {
		return DAG{}, err
	}

	tpl, err := p.resolveTemplate(ctx, run.TemplateID)
	if err != nil {
		return DAG{}, err
	}

	plannerModel := p.router.ForWorkload(WorkloadPlanner)
	prompt := fmt.Sprintf(
		"Create explicit execution checkpoints for this task and preserve contract semantics.\nTask: %s\nTemplate: %s",
		run.Task, tpl.Name)
	resp, err := p.provider.Generate(ctx, model.Request{
		Prompt:  prompt,
		Model:   plannerModel,
		Timeout: plannerTimeout,
		Metadata: map[string]any{
			"phase":      "planner",
			"run_id":     run.ID,
			"request_id": requestID,
		},
	})
	if err != nil {
		return DAG{}, fmt.Errorf("planner model call: %w", err)
	}

	cost := p.estimator.Estimate(plannerModel, resp.PromptTokens, resp.CompletionTokens)
	if err := p.store.AppendCostEntry(ctx, CostEntry{
		RunID:            run.ID,
		App:              p.settings.CostLedgerApp,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     cost.PromptTokens,
		CompletionTokens: cost.CompletionTokens,
		TotalTokens:      cost.TotalTokens,
		USD:              cost.USD,
		Metadata:         map[string]any{"phase": "planning", "request_id": requestID},
	}); err != nil {
		return DAG{}, err
	}
	if err := p.store.IncrementRunTotals(ctx, run.ID, cost.PromptTokens, cost.CompletionTokens, cost.TotalTokens, cost.USD); err != nil {
		return DAG{}, err
	}

	dag := tpl.Graph.Clone()
	for i := range dag.Nodes {
		dag.Nodes[i].Status = StepPending
		dag.Nodes[i].LastOutput = nil
		dag.Nodes[i].LastError = nil
	}
	dag.Contracts = cloneContracts(tpl.Contracts)
	dag.PlannerNotes = resp.Content

	if err := p.store.UpdateRun(ctx, run.ID, RunUpdate{DAG: &dag}); err != nil {
		return DAG{}, err
	}

	if _, err := p.events.Record(ctx, run.ID, "", EventPlanningFinished, map[string]any{
		"node_count": len(dag.Nodes),
		"edge_count": len(dag.Edges),
		"model":      resp.Model,
	}); err != nil {
		return DAG{}, err
	}
	return dag, nil
}

func (p *Planner) resolveTemplate(ctx context.Context, templateID string) (Template, error) {
	if templateID != "" {
		tpl, err := p.store.GetTemplate(ctx, templateID)
		if err == nil {
			return tpl, nil
		}
	}
	templates, err := p.store.ListTemplates(ctx)
	if err != nil {
		return Template{}, err
	}
	if len(templates) == 0 {
		return Template{}, ErrNoTemplate
	}
	// Newest updated_at first, so [0] is the most recently updated template.
	return templates[0], nil
}

func cloneContracts(contracts map[string]Contract) map[string]Contract {
	if contracts == nil {
		return nil
	}
	out := make(map[string]Contract, len(contracts))
	for id, ct := range contracts {
		out[id] = ct.clone()
	}
	return out
}

// upstreamOutputs lists every node with a recorded output, for prompt
// context. Serialized as JSON to keep rendering deterministic.
func upstreamOutputs(dag DAG) string {
	type entry struct {
		NodeID string         `json:"node_id"`
		Output map[string]any `json:"output"`
	}
	entries := []entry{}
	for _, n := range dag.Nodes {
		if n.LastOutput != nil {
			entries = append(entries, entry{NodeID: n.ID, Output: n.LastOutput})
		}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
