package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/taskflow-go/flow/model"
	"github.com/google/uuid"
)

// maxBackoff caps the exponential retry backoff.
const maxBackoff = 8 * time.Second

// toolLLMGenerate is the only tool the executor currently invokes; a
// contract must allow it for a step to run.
const toolLLMGenerate = "llm.generate"

// Executor runs one step per tick: it selects the first runnable node in
// declaration order, calls the model under the step contract, validates the
// output, and records cost. Failures retry with exponential backoff until
// the contract's retry budget is spent, then flag reflection.
type Executor struct {
	store     Store
	settings  Settings
	provider  model.Provider
	router    *ModelRouter
	estimator *CostEstimator
	events    *EventRecorder
	metrics   *Metrics

	// sleep is injectable so tests can skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

// NewExecutor wires an executor.
func NewExecutor(store Store, settings Settings, provider model.Provider, router *ModelRouter, estimator *CostEstimator, events *EventRecorder, metrics *Metrics) *Executor {
	return &Executor{
		store:     store,
		settings:  settings,
		provider:  provider,
		router:    router,
		estimator: estimator,
		events:    events,
		metrics:   metrics,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// ExecuteNext executes at most one step. With no runnable node it clears
// progress_made and returns; the monitor decides what happens next.
func (e *Executor) ExecuteNext(ctx context.Context, st *runState) error {
	node := st.dag.NextRunnable()
	if node == nil {
		st.progressMade = false
		return nil
	}
	st.progressMade = true

	nodeID := node.ID
	contract := st.dag.Contract(nodeID)

	// Re-running a node reuses its step id and continues the attempt count.
	stepID := uuid.NewString()
	attempts := 1
	if existing, err := e.store.GetStepByNode(ctx, st.runID, nodeID); err == nil {
		stepID = existing.ID
		attempts = existing.Attempts + 1
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	maxRetries := contract.RetryLimit()
	startedAt := NowISO()

	node.Status = StepRunning
	if err := e.store.UpdateRun(ctx, st.runID, RunUpdate{DAG: &st.dag}); err != nil {
		return err
	}
	input := map[string]any{
		"task":       st.task,
		"node":       nodeSnapshot(*node),
		"request_id": st.requestID,
	}
	if err := e.store.UpsertStep(ctx, Step{
		ID:         stepID,
		RunID:      st.runID,
		NodeID:     nodeID,
		Status:     StepRunning,
		Attempts:   attempts,
		MaxRetries: maxRetries,
		StartedAt:  startedAt,
		Input:      input,
	}); err != nil {
		return err
	}
	if _, err := e.events.Record(ctx, st.runID, stepID, EventStepStarted, map[string]any{
		"node_id": nodeID,
		"attempt": attempts,
	}); err != nil {
		return err
	}

	output, cost, result, stepErr := e.runStep(ctx, st, node, contract)
	if stepErr != nil {
		return e.handleStepError(ctx, st, node, stepID, attempts, maxRetries, startedAt, input, stepErr)
	}

	endedAt := NowISO()
	costRecord := &CostRecord{
		Provider:         result.Provider,
		Model:            result.Model,
		PromptTokens:     cost.PromptTokens,
		CompletionTokens: cost.CompletionTokens,
		TotalTokens:      cost.TotalTokens,
		USD:              cost.USD,
	}
	if err := e.store.UpsertStep(ctx, Step{
		ID:         stepID,
		RunID:      st.runID,
		NodeID:     nodeID,
		Status:     StepCompleted,
		Attempts:   attempts,
		MaxRetries: maxRetries,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Input:      input,
		Output:     output,
		Cost:       costRecord,
	}); err != nil {
		return err
	}
	if err := e.store.AppendCostEntry(ctx, CostEntry{
		RunID:            st.runID,
		StepID:           stepID,
		App:              e.settings.CostLedgerApp,
		Provider:         result.Provider,
		Model:            result.Model,
		PromptTokens:     cost.PromptTokens,
		CompletionTokens: cost.CompletionTokens,
		TotalTokens:      cost.TotalTokens,
		USD:              cost.USD,
		Metadata: map[string]any{
			"phase":      "step_execution",
			"node_id":    nodeID,
			"attempt":    attempts,
			"request_id": st.requestID,
		},
	}); err != nil {
		return err
	}
	if err := e.store.IncrementRunTotals(ctx, st.runID, cost.PromptTokens, cost.CompletionTokens, cost.TotalTokens, cost.USD); err != nil {
		return err
	}
	e.metrics.ModelUsage(result.Model, cost.PromptTokens, cost.CompletionTokens, cost.USD)

	node.Status = StepCompleted
	node.LastOutput = output
	node.LastError = nil
	if err := e.store.UpdateRun(ctx, st.runID, RunUpdate{DAG: &st.dag}); err != nil {
		return err
	}
	st.stepCounter++
	e.observeStep(nodeID, StepCompleted, startedAt, endedAt)

	_, err := e.events.Record(ctx, st.runID, stepID, EventStepFinished, map[string]any{
		"node_id": nodeID,
		"cost":    costRecord,
	})
	return err
}

// runStep performs the model call and validation for one attempt.
func (e *Executor) runStep(ctx context.Context, st *runState, node *Node, contract Contract) (map[string]any, CostEstimate, model.Result, *StepError) {
	if !contract.Allows(toolLLMGenerate) {
		return nil, CostEstimate{}, model.Result{}, newStepError(CodeToolNotAllowed,
			"Contract does not allow llm.generate",
			map[string]any{"allowed_tools": contract.ToolList()})
	}

	// A one-shot reflection hint overrides the contract preference for
	// exactly this attempt.
	preference := contract.Preference()
	if st.reflectionModelPreference != "" {
		preference = st.reflectionModelPreference
		st.reflectionModelPreference = ""
	}
	modelID := e.router.ForStep(preference, WorkloadExecutor)
	timeout := time.Duration(contract.TimeoutSeconds()) * time.Second

	prompt := fmt.Sprintf("Task: %s\nNode: %s\nDescription: %s\nCompleted upstream outputs: %s",
		st.task, node.ID, node.Description, upstreamOutputs(st.dag))

	// The outer deadline fires even if the adapter ignores the request
	// timeout.
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := e.provider.Generate(callCtx, model.Request{
		Prompt:  prompt,
		Model:   modelID,
		Timeout: timeout,
		Metadata: map[string]any{
			"phase":      "execute_step",
			"run_id":     st.runID,
			"node_id":    node.ID,
			"request_id": st.requestID,
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, CostEstimate{}, model.Result{}, newStepError(CodeTimeout,
				"Step execution timed out",
				map[string]any{"timeout_s": contract.TimeoutSeconds(), "raw_error": err.Error()})
		}
		return nil, CostEstimate{}, model.Result{}, asStepError(err)
	}

	confidence := 0.7
	if preference == PreferenceExpensive {
		confidence = 0.85
	}
	output := map[string]any{
		"summary":    result.Content,
		"confidence": confidence,
		"artifacts": map[string]any{
			"model":    result.Model,
			"provider": result.Provider,
			"node_id":  node.ID,
		},
	}
	if verr := contract.ValidateOutput(node.ID, output); verr != nil {
		return nil, CostEstimate{}, model.Result{}, verr
	}

	cost := e.estimator.Estimate(modelID, result.PromptTokens, result.CompletionTokens)
	result.Model = modelID
	return output, cost, result, nil
}

// handleStepError records a retry or a terminal failure for the attempt.
// Failed attempts count toward the step counter as well.
func (e *Executor) handleStepError(ctx context.Context, st *runState, node *Node, stepID string, attempts, maxRetries int, startedAt string, input map[string]any, stepErr *StepError) error {
	nodeID := node.ID
	endedAt := NowISO()
	st.stepCounter++

	if attempts <= maxRetries {
		backoff := computeBackoff(attempts)
		node.Status = StepPending
		node.LastError = stepErr
		if err := e.store.UpsertStep(ctx, Step{
			ID:         stepID,
			RunID:      st.runID,
			NodeID:     nodeID,
			Status:     StepPending,
			Attempts:   attempts,
			MaxRetries: maxRetries,
			StartedAt:  startedAt,
			EndedAt:    endedAt,
			Input:      input,
			Error:      stepErr,
		}); err != nil {
			return err
		}
		if err := e.store.UpdateRun(ctx, st.runID, RunUpdate{DAG: &st.dag}); err != nil {
			return err
		}
		e.metrics.RetryScheduled(nodeID)
		if _, err := e.events.Record(ctx, st.runID, stepID, EventStepRetryScheduled, map[string]any{
			"node_id":     nodeID,
			"attempt":     attempts,
			"max_retries": maxRetries,
			"backoff_s":   int(backoff / time.Second),
			"error":       stepErr,
		}); err != nil {
			return err
		}
		e.sleep(ctx, backoff)
		return nil
	}

	node.Status = StepFailed
	node.LastError = stepErr
	if err := e.store.UpsertStep(ctx, Step{
		ID:         stepID,
		RunID:      st.runID,
		NodeID:     nodeID,
		Status:     StepFailed,
		Attempts:   attempts,
		MaxRetries: maxRetries,
		StartedAt:  startedAt,
		EndedAt:    endedAt,
		Input:      input,
		Error:      stepErr,
	}); err != nil {
		return err
	}
	if err := e.store.UpdateRun(ctx, st.runID, RunUpdate{DAG: &st.dag}); err != nil {
		return err
	}
	st.needReflection(fmt.Sprintf("Step %s failed", nodeID), failureModeForCode(stepErr.Code))
	e.observeStep(nodeID, StepFailed, startedAt, endedAt)

	_, err := e.events.Record(ctx, st.runID, stepID, EventStepFailed, map[string]any{
		"node_id": nodeID,
		"error":   stepErr,
	})
	return err
}

// computeBackoff returns 2^(attempts-1) seconds capped at maxBackoff.
func computeBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Second << (attempts - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// failureModeForCode maps a failure code to the coarse reflection mode.
func failureModeForCode(code FailureCode) FailureMode {
	switch code {
	case CodeTimeout:
		return FailureTimeout
	case CodeSchemaError:
		return FailureSchemaError
	default:
		return FailureOther
	}
}

func (e *Executor) observeStep(nodeID string, status StepStatus, startedAt, endedAt string) {
	if e.metrics == nil {
		return
	}
	start, err1 := time.Parse(timeLayout, startedAt)
	end, err2 := time.Parse(timeLayout, endedAt)
	if err1 != nil || err2 != nil {
		return
	}
	e.metrics.StepObserved(nodeID, status, end.Sub(start))
}

// nodeSnapshot renders a node for the step input record.
func nodeSnapshot(n Node) map[string]any {
	snap := map[string]any{
		"id":          n.ID,
		"name":        n.Name,
		"description": n.Description,
		"depends_on":  n.DependsOn,
		"status":      string(n.Status),
	}
	if n.LastOutput != nil {
		snap["last_output"] = n.LastOutput
	}
	if n.LastError != nil {
		snap["last_error"] = n.LastError
	}
	return snap
}
