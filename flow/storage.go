package flow

import "context"

// RunUpdate is a partial update applied to a stored run. Nil fields are left
// untouched. ClearEndedAt resets ended_at to unset, which a *string cannot
// express distinctly from "leave alone".
type RunUpdate struct {
	Status          *RunStatus
	StartedAt       *string
	EndedAt         *string
	ClearEndedAt    bool
	CancelRequested *bool
	DAG             *DAG
	Diagnostics     *[]Diagnostic
	Metadata        *map[string]any
}

// Store persists runs, steps, templates, events, and the cost ledger.
//
// The store is the single source of truth across process restarts: every
// state transition is written here before the corresponding event is
// published. Implementations must serialize writes and perform counter
// increments with atomic SQL arithmetic so concurrent runs stay correct.
type Store interface {
	// Templates. ListTemplates orders by updated_at descending.
	UpsertTemplate(ctx context.Context, tpl Template) error
	ListTemplates(ctx context.Context) ([]Template, error)
	GetTemplate(ctx context.Context, id string) (Template, error)

	// Runs.
	CreateRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	ListIncompleteRuns(ctx context.Context) ([]Run, error)
	GetRun(ctx context.Context, id string) (Run, error)
	UpdateRun(ctx context.Context, id string, upd RunUpdate) error
	// IncrementRunTotals adds token and dollar deltas to the run's totals
	// using in-database arithmetic.
	IncrementRunTotals(ctx context.Context, id string, promptTokens, completionTokens, totalTokens int, usd float64) error
	AppendDiagnostic(ctx context.Context, id string, d Diagnostic) error

	// Steps. Steps are upserted keyed by (run_id, node_id); a retried node
	// replaces its previous step row.
	UpsertStep(ctx context.Context, step Step) error
	GetStep(ctx context.Context, id string) (Step, error)
	GetStepByNode(ctx context.Context, runID, nodeID string) (Step, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)
	// ResetStep returns false when the step does not belong to the run.
	ResetStep(ctx context.Context, runID, stepID string) (bool, error)
	ResetFailedSteps(ctx context.Context, runID string) (int, error)

	// Events, append-only, totally ordered per run by (created_at, id).
	AppendEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, runID, afterCreatedAt string) ([]Event, error)

	// Cost ledger, append-only.
	AppendCostEntry(ctx context.Context, entry CostEntry) error
	ListCostEntries(ctx context.Context, runID string) ([]CostEntry, error)

	Close() error
}
