// Package emit provides pluggable observability sinks for orchestrator
// events. The orchestrator mirrors every persisted run event into an Emitter
// so deployments can attach logging, tracing, or nothing at all.
package emit

// Event is one observability event mirrored from the run event stream.
type Event struct {
	// RunID identifies the run that produced this event.
	RunID string

	// StepID identifies the step the event refers to. Empty for run-level
	// events such as run_started or run_finished.
	StepID string

	// NodeID identifies the DAG node the event refers to, when any.
	NodeID string

	// Type is the run event type, e.g. "step_started" or "run_finished".
	Type string

	// Meta carries the event payload. Common keys:
	//   - "reason": finish or reflection reason
	//   - "usd": step cost in USD
	//   - "attempts": attempt count for retry events
	//   - "error": structured failure details
	Meta map[string]any
}
