package flow

import (
	"fmt"
	"testing"
)

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewEventBroker()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Event{ID: fmt.Sprintf("ev-%d", i), RunID: "run-1"})
	}
	for i := 0; i < 5; i++ {
		ev := <-ch
		if want := fmt.Sprintf("ev-%d", i); ev.ID != want {
			t.Fatalf("event %d: got %s, want %s", i, ev.ID, want)
		}
	}
}

func TestBrokerIsolatesRuns(t *testing.T) {
	b := NewEventBroker()
	ch, cancel := b.Subscribe("run-a")
	defer cancel()

	b.Publish(Event{ID: "other", RunID: "run-b"})
	b.Publish(Event{ID: "mine", RunID: "run-a"})
	if ev := <-ch; ev.ID != "mine" {
		t.Fatalf("got %s, want mine", ev.ID)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.ID)
	default:
	}
}

func TestBrokerDropsOldestWhenFull(t *testing.T) {
	b := NewEventBroker()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		b.Publish(Event{ID: fmt.Sprintf("ev-%d", i), RunID: "run-1"})
	}

	// The oldest 10 events were dropped; delivery resumes at ev-10.
	first := <-ch
	if first.ID != "ev-10" {
		t.Fatalf("first surviving event = %s, want ev-10", first.ID)
	}
	count := 1
	for {
		select {
		case <-ch:
			count++
		default:
			if count != subscriberBuffer {
				t.Fatalf("delivered %d events, want %d", count, subscriberBuffer)
			}
			return
		}
	}
}

func TestBrokerCancelIdempotent(t *testing.T) {
	b := NewEventBroker()
	ch, cancel := b.Subscribe("run-1")
	if b.SubscriberCount("run-1") != 1 {
		t.Fatal("expected one subscriber")
	}
	cancel()
	cancel() // second call must not panic or double-close
	if b.SubscriberCount("run-1") != 0 {
		t.Fatal("subscriber not removed")
	}
	if _, open := <-ch; open {
		t.Fatal("channel not closed after cancel")
	}
	// Publishing to a run with no subscribers is a no-op.
	b.Publish(Event{ID: "late", RunID: "run-1"})
}
