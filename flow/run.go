// Package flow implements the run orchestrator: a five-state control loop
// (plan, execute, monitor, reflect, finish) that drives a DAG of steps
// against a generative model under per-step contracts, with durable
// persistence, budget and deadline enforcement, periodic reflection, and an
// ordered per-run event stream.
package flow

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status is one of the terminal run states.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// StepStatus is the lifecycle status of a step and of its DAG node.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCanceled  StepStatus = "canceled"
)

// FailureCode classifies a structured step or run failure.
type FailureCode string

const (
	CodeTimeout          FailureCode = "timeout"
	CodeBudgetExceeded   FailureCode = "budget_exceeded"
	CodeSchemaError      FailureCode = "schema_error"
	CodeToolNotAllowed   FailureCode = "tool_not_allowed"
	CodeExecutionError   FailureCode = "execution_error"
	CodeCanceled         FailureCode = "canceled"
	CodeMaxStepsExceeded FailureCode = "max_steps_exceeded"
)

// FailureMode is the coarse failure classification that drives reflection.
type FailureMode string

const (
	FailureTimeout       FailureMode = "timeout"
	FailureSchemaError   FailureMode = "schema_error"
	FailureLowConfidence FailureMode = "low_confidence"
	FailureBudgetRisk    FailureMode = "budget_risk"
	FailureOther         FailureMode = "other"
)

// ReflectionAction is the decision reflection takes for a failure mode.
type ReflectionAction string

const (
	ActionReplanned          ReflectionAction = "replanned"
	ActionAdjustedParameters ReflectionAction = "adjusted_parameters"
	ActionTerminated         ReflectionAction = "terminated"
)

// Run-level finish reasons that are not failure codes.
const (
	ReasonRunMissing            = "run_missing"
	ReasonCancelRequested       = "cancel_requested"
	ReasonBudgetExceeded        = "budget_exceeded"
	ReasonAllStepsCompleted     = "all_steps_completed"
	ReasonDependencyDeadlock    = "dependency_deadlock"
	ReasonStepsFailed           = "steps_failed"
	ReasonMaxStepsExceeded      = "max_steps_exceeded"
	ReasonReflectionTerminated  = "reflection_terminated"
	ReasonTimeout               = "timeout"
	ReasonOrchestratorException = "orchestrator_exception"
)

// Constraints bound a run. Zero-able fields use pointers so that a missing
// constraint can fall back to the configured default while an explicit zero
// (for example a near-zero budget) is preserved.
type Constraints struct {
	BudgetUSD               *float64 `json:"budget_usd,omitempty"`
	TimeoutS                *int     `json:"timeout_s,omitempty"`
	MaxSteps                *int     `json:"max_steps,omitempty"`
	ReflectionIntervalSteps *int     `json:"reflection_interval_steps,omitempty"`
}

// ResolvedConstraints is the fully-defaulted form of Constraints carried in run state.
type ResolvedConstraints struct {
	BudgetUSD               float64
	TimeoutS                int
	MaxSteps                int
	ReflectionIntervalSteps int
}

// Resolve fills missing constraints from settings defaults.
func (c Constraints) Resolve(s Settings) ResolvedConstraints {
	r := ResolvedConstraints{
		BudgetUSD:               s.DefaultRunBudgetUSD,
		TimeoutS:                s.DefaultRunTimeoutS,
		MaxSteps:                s.DefaultRunMaxSteps,
		ReflectionIntervalSteps: s.DefaultReflectionIntervalSteps,
	}
	if c.BudgetUSD != nil {
		r.BudgetUSD = *c.BudgetUSD
	}
	if c.TimeoutS != nil {
		r.TimeoutS = *c.TimeoutS
	}
	if c.MaxSteps != nil {
		r.MaxSteps = *c.MaxSteps
	}
	if c.ReflectionIntervalSteps != nil {
		r.ReflectionIntervalSteps = *c.ReflectionIntervalSteps
	}
	return r
}

// Diagnostic records one reflection decision on a run.
type Diagnostic struct {
	Reason      string           `json:"reason"`
	FailureMode FailureMode      `json:"failure_mode"`
	ActionTaken ReflectionAction `json:"action_taken"`
}

// Run is one execution of a task against a DAG. Timestamps are ISO-8601 UTC
// strings with microsecond precision; empty string means unset.
type Run struct {
	ID                    string
	Task                  string
	TemplateID            string
	Status                RunStatus
	Constraints           Constraints
	DAG                   DAG
	Diagnostics           []Diagnostic
	CreatedAt             string
	StartedAt             string
	EndedAt               string
	TotalPromptTokens     int
	TotalCompletionTokens int
	TotalTokens           int
	TotalUSD              float64
	CancelRequested       bool
	Metadata              map[string]any
}

// Step is one execution attempt-group for a single DAG node within a run.
// Steps are uniquely keyed by (RunID, NodeID) and by ID.
type Step struct {
	ID         string
	RunID      string
	NodeID     string
	Status     StepStatus
	Attempts   int
	MaxRetries int
	StartedAt  string
	EndedAt    string
	Input      map[string]any
	Output     map[string]any
	Error      *StepError
	Cost       *CostRecord
	Logs       []string
}

// CostRecord is the per-step cost snapshot stored on completed steps.
type CostRecord struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	USD              float64 `json:"usd"`
}

// Event types published during a run, in rough lifecycle order.
const (
	EventRunCreated         = "run_created"
	EventRunStarted         = "run_started"
	EventPlanningStarted    = "planning_started"
	EventPlanningFinished   = "planning_finished"
	EventStepStarted        = "step_started"
	EventStepFinished       = "step_finished"
	EventStepRetryScheduled = "step_retry_scheduled"
	EventStepFailed         = "step_failed"
	EventReplanned          = "replanned"
	EventReflection         = "reflection"
	EventCancelRequested    = "cancel_requested"
	EventRunRetryRequested  = "run_retry_requested"
	EventRunFinished        = "run_finished"
)

// Event is one append-only run event, totally ordered within a run by
// (CreatedAt, ID).
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// CostEntry is one append-only cost-ledger row.
type CostEntry struct {
	ID               string
	RunID            string
	StepID           string
	App              string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	USD              float64
	Metadata         map[string]any
	CreatedAt        string
}

// Template is a reusable (graph, contracts) pair runs are planned from.
type Template struct {
	ID          string
	Name        string
	Version     string
	Description string
	Graph       DAG
	Contracts   map[string]Contract
	CreatedAt   string
	UpdatedAt   string
}

// timeLayout renders ISO-8601 UTC with microsecond precision and a Z suffix.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// NowISO returns the current time in the canonical timestamp format.
func NowISO() string {
	return time.Now().UTC().Format(timeLayout)
}
