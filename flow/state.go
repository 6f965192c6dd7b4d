package flow

import "time"

// runState is the in-memory control-loop state for one run worker. Exactly
// one goroutine owns it at a time; the store remains the durable source of
// truth across restarts.
type runState struct {
	runID       string
	task        string
	templateID  string
	constraints ResolvedConstraints
	dag         DAG

	stepCounter  int
	progressMade bool

	reflectionNeeded bool
	reflectionReason string
	// reflectionModelPreference is a one-shot hint set by reflection and
	// consumed (read then cleared) by the next executor tick.
	reflectionModelPreference string
	failureMode               FailureMode

	shouldFinish bool
	finishStatus RunStatus
	finishReason string

	startedMonotonic time.Time
	requestID        string
}

// finish marks the run for termination with the given status and reason.
func (st *runState) finish(status RunStatus, reason string) {
	st.shouldFinish = true
	st.finishStatus = status
	st.finishReason = reason
}

// needReflection flags reflection with a reason and failure mode.
func (st *runState) needReflection(reason string, mode FailureMode) {
	st.reflectionNeeded = true
	st.reflectionReason = reason
	st.failureMode = mode
}
