package emit

// Emitter receives observability events from the orchestrator.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down the control loop
//   - Thread-safe: may be called concurrently from multiple runs
//   - Resilient: handle backend failures without crashing the run
//
// Emit must not panic; errors should be handled internally.
type Emitter interface {
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
type Multi []Emitter

// NewMulti combines emitters into one. Nil entries are skipped.
func NewMulti(emitters ...Emitter) Multi {
	out := make(Multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Emit forwards the event to every emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
