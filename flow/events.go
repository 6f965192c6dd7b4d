package flow

import (
	"context"

	"github.com/dshills/taskflow-go/flow/emit"
	"github.com/google/uuid"
)

// EventRecorder appends run events to the store, fans them out through the
// broker, and mirrors them to the configured emitter.
//
// Ordering follows the persistence rule: the event is durable before any
// subscriber sees it. A crash after the store write loses only the transient
// notification; replay from the store recovers the event.
type EventRecorder struct {
	store   Store
	broker  *EventBroker
	emitter emit.Emitter
}

// NewEventRecorder wires a recorder. A nil emitter defaults to the null
// emitter.
func NewEventRecorder(store Store, broker *EventBroker, emitter emit.Emitter) *EventRecorder {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &EventRecorder{store: store, broker: broker, emitter: emitter}
}

// Record creates, persists, and publishes one event. stepID may be empty for
// run-level events.
func (r *EventRecorder) Record(ctx context.Context, runID, stepID, eventType string, payload map[string]any) (Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: NowISO(),
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return Event{}, err
	}
	r.broker.Publish(ev)

	nodeID, _ := payload["node_id"].(string)
	r.emitter.Emit(emit.Event{
		RunID:  runID,
		StepID: stepID,
		NodeID: nodeID,
		Type:   eventType,
		Meta:   payload,
	})
	return ev, nil
}
