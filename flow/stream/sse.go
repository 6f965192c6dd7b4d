// Package stream serves per-run event streams over Server-Sent Events.
//
// A connecting consumer first receives every stored event for the run in
// (created_at, id) order, then tails the live broker subscription. The
// subscription is taken before replay so no event falls in the gap; events
// seen during replay are deduplicated by id.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/taskflow-go/flow"
)

// defaultKeepalive is the idle interval after which a comment line keeps the
// connection open through proxies.
const defaultKeepalive = 15 * time.Second

// Streamer writes run event streams in SSE framing.
type Streamer struct {
	store  flow.Store
	broker *flow.EventBroker

	// Keepalive overrides the idle keepalive interval. Zero means the
	// default of 15 seconds.
	Keepalive time.Duration
}

// NewStreamer wires a streamer.
func NewStreamer(store flow.Store, broker *flow.EventBroker) *Streamer {
	return &Streamer{store: store, broker: broker}
}

// ServeRun streams the run's events until run_finished is delivered or the
// client disconnects. The response is committed before the first event, so
// errors after that point only terminate the stream.
func (s *Streamer) ServeRun(w http.ResponseWriter, r *http.Request, runID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	ctx := r.Context()
	live, cancel := s.broker.Subscribe(runID)
	defer cancel()

	stored, err := s.store.ListEvents(ctx, runID, "")
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seen := make(map[string]bool, len(stored))
	for _, ev := range stored {
		seen[ev.ID] = true
		if err := writeEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		if ev.EventType == flow.EventRunFinished {
			return nil
		}
	}

	keepalive := s.Keepalive
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-live:
			if !open {
				return nil
			}
			if seen[ev.ID] {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			if ev.EventType == flow.EventRunFinished {
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(keepalive)
		case <-timer.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			timer.Reset(keepalive)
		}
	}
}

func writeEvent(w http.ResponseWriter, ev flow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, data)
	return err
}
