package flow

import "sync"

// subscriberBuffer is the channel depth for each subscriber. When a slow
// subscriber's buffer fills, the oldest event is dropped to make room so
// publishers never block.
const subscriberBuffer = 256

// EventBroker fans events out to per-run subscribers. Subscribers receive
// events in publish order; a run's channel is closed when the subscription
// is released.
type EventBroker struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subs: map[string][]chan Event{}}
}

// Subscribe registers a new subscriber for a run and returns its channel
// together with a cancel function. Cancel is idempotent and closes the
// channel.
func (b *EventBroker) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			chans := b.subs[runID]
			for i, c := range chans {
				if c == ch {
					b.subs[runID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of its run. Full buffers
// drop their oldest event rather than block the publisher.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.RunID] {
		for {
			select {
			case ch <- ev:
			default:
				// Buffer full: drop the head and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount reports the number of active subscribers for a run.
func (b *EventBroker) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}
