package flow

import (
	"context"
	"sort"
)

// Reflection decides what happens after a failure or a periodic boundary.
// Failure modes map to actions:
//
//	timeout, budget_risk  -> terminated
//	schema_error          -> replanned (skip descendants of failed nodes)
//	low_confidence        -> adjusted_parameters (one-shot expensive hint)
//	anything else         -> terminated
//
// Every decision is appended to the run's diagnostics and published as a
// reflection event.
type Reflection struct {
	store   Store
	events  *EventRecorder
	metrics *Metrics
}

// NewReflection wires a reflection service.
func NewReflection(store Store, events *EventRecorder, metrics *Metrics) *Reflection {
	return &Reflection{store: store, events: events, metrics: metrics}
}

// Reflect consumes the pending reflection flags. A no-op when reflection is
// not needed.
func (r *Reflection) Reflect(ctx context.Context, st *runState) error {
	if !st.reflectionNeeded {
		return nil
	}

	reason := st.reflectionReason
	if reason == "" {
		reason = "Reflection requested"
	}
	mode := st.failureMode
	if mode == "" {
		mode = FailureOther
	}
	action := decideAction(mode)

	switch action {
	case ActionReplanned:
		skipFailedDescendants(&st.dag)
		if _, err := r.events.Record(ctx, st.runID, "", EventReplanned, map[string]any{
			"reason":       reason,
			"failure_mode": string(mode),
		}); err != nil {
			return err
		}
	case ActionAdjustedParameters:
		st.reflectionModelPreference = PreferenceExpensive
	default:
		st.shouldFinish = true
		if st.finishStatus != RunFailed && st.finishStatus != RunCanceled {
			st.finishStatus = RunFailed
			st.finishReason = ReasonReflectionTerminated
		}
	}

	diagnostic := Diagnostic{Reason: reason, FailureMode: mode, ActionTaken: action}
	if err := r.store.AppendDiagnostic(ctx, st.runID, diagnostic); err != nil && err != ErrNotFound {
		return err
	}
	r.metrics.ReflectionDecided(mode, action)

	if _, err := r.events.Record(ctx, st.runID, "", EventReflection, map[string]any{
		"reason":       diagnostic.Reason,
		"failure_mode": string(diagnostic.FailureMode),
		"action_taken": string(diagnostic.ActionTaken),
	}); err != nil {
		return err
	}

	st.reflectionNeeded = false
	st.reflectionReason = ""
	st.failureMode = ""
	return nil
}

func decideAction(mode FailureMode) ReflectionAction {
	switch mode {
	case FailureTimeout, FailureBudgetRisk:
		return ActionTerminated
	case FailureSchemaError:
		return ActionReplanned
	case FailureLowConfidence:
		return ActionAdjustedParameters
	default:
		return ActionTerminated
	}
}

// skipFailedDescendants marks every pending descendant of a failed node as
// skipped, recording the sorted set of failed upstream ids.
func skipFailedDescendants(dag *DAG) {
	failed := map[string]bool{}
	for _, n := range dag.Nodes {
		if n.Status == StepFailed {
			failed[n.ID] = true
		}
	}
	if len(failed) == 0 {
		return
	}

	upstream := make([]string, 0, len(failed))
	for id := range failed {
		upstream = append(upstream, id)
	}
	sort.Strings(upstream)
	upstreamAny := make([]any, len(upstream))
	for i, id := range upstream {
		upstreamAny[i] = id
	}

	reach := dag.Descendants(failed)
	for i := range dag.Nodes {
		n := &dag.Nodes[i]
		if reach[n.ID] && n.Status == StepPending {
			n.Status = StepSkipped
			n.LastError = newStepError(CodeExecutionError,
				"Skipped due to upstream failure during replanning",
				map[string]any{"upstream": upstreamAny})
		}
	}
}
