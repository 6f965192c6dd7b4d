package flow

import (
	"context"
	"errors"
	"time"
)

// Monitor evaluates run health after every plan, execute, and reflect tick
// and decides the next transition. Checks apply in fixed precedence; the
// first match wins, and re-evaluating the same inputs always yields the same
// decision.
type Monitor struct {
	store Store
	now   func() time.Time
}

// NewMonitor wires a monitor.
func NewMonitor(store Store) *Monitor {
	return &Monitor{store: store, now: time.Now}
}

// Evaluate applies the precedence chain:
// run missing, cancel requested, timeout, budget exceeded, all steps
// completed, dependency deadlock, steps failed, max steps exceeded, and
// finally the periodic reflection boundary.
func (m *Monitor) Evaluate(ctx context.Context, st *runState) error {
	run, err := m.store.GetRun(ctx, st.runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			st.finish(RunFailed, ReasonRunMissing)
			return nil
		}
		return err
	}

	if run.CancelRequested {
		st.finish(RunCanceled, ReasonCancelRequested)
		return nil
	}

	elapsed := int(m.now().Sub(st.startedMonotonic) / time.Second)
	if elapsed >= st.constraints.TimeoutS {
		st.finish(RunFailed, ReasonTimeout)
		st.needReflection("Run timeout exceeded", FailureTimeout)
		return nil
	}

	if run.TotalUSD >= st.constraints.BudgetUSD {
		st.finish(RunFailed, ReasonBudgetExceeded)
		st.needReflection("Budget cap exceeded", FailureBudgetRisk)
		return nil
	}

	statuses := make([]StepStatus, len(st.dag.Nodes))
	for i, n := range st.dag.Nodes {
		statuses[i] = n.Status
	}

	if len(statuses) > 0 && allIn(statuses, StepCompleted, StepSkipped) {
		st.finish(RunCompleted, ReasonAllStepsCompleted)
		return nil
	}

	if !st.dag.HasRunnable() {
		hasRunning := anyIn(statuses, StepRunning)
		hasPending := anyIn(statuses, StepPending)
		if hasPending && !hasRunning {
			st.finish(RunFailed, ReasonDependencyDeadlock)
			st.reflectionNeeded = true
			st.reflectionReason = "No runnable steps due to unmet dependencies"
			if st.failureMode == "" {
				st.failureMode = FailureOther
			}
			return nil
		}
	}

	if !anyIn(statuses, StepPending, StepRunning) && anyIn(statuses, StepFailed) {
		st.finish(RunFailed, ReasonStepsFailed)
		st.reflectionNeeded = true
		st.reflectionReason = "One or more steps failed"
		if st.failureMode == "" {
			st.failureMode = FailureOther
		}
		return nil
	}

	if st.stepCounter >= st.constraints.MaxSteps {
		st.finish(RunFailed, ReasonMaxStepsExceeded)
		st.needReflection("Max steps exceeded", FailureOther)
		return nil
	}

	interval := st.constraints.ReflectionIntervalSteps
	if interval > 0 && st.stepCounter > 0 && st.stepCounter%interval == 0 && st.progressMade {
		st.reflectionNeeded = true
		st.reflectionReason = "Periodic reflection boundary reached"
		if st.failureMode == "" {
			st.failureMode = FailureLowConfidence
		}
		st.progressMade = false
	}
	return nil
}

func allIn(statuses []StepStatus, allowed ...StepStatus) bool {
	for _, s := range statuses {
		ok := false
		for _, a := range allowed {
			if s == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func anyIn(statuses []StepStatus, wanted ...StepStatus) bool {
	for _, s := range statuses {
		for _, w := range wanted {
			if s == w {
				return true
			}
		}
	}
	return false
}
