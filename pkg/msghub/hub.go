// Package msghub keeps a short history of relay results and fans them out to monitor listeners.
package msghub

import (
	"container/ring"
	"context"

	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/extension/event"
)

// Length of msghub operation queue
const opChanLen = 100

// Listener receives the contents of the history buffer, followed by new relay results
type Listener interface {
	Receive(meta event.RelayMetadata) error
}

// Hub relays results on to its listeners
type Hub struct {
	// history buffer, points at the next entry to write.  Proceeding non-nil entry is oldest
	history   *ring.Ring
	listeners map[Listener]struct{} // listeners interested in new results
	opChan    chan func(h *Hub)     // operations queued for this actor
}

// New constructs a new Hub which will cache historyLen results in memory for playback to future
// listeners.  Start must be called to process the queue.
func New(historyLen int, extHost *extension.Host) *Hub {
	hub := &Hub{
		history:   ring.New(historyLen),
		listeners: make(map[Listener]struct{}),
		opChan:    make(chan func(h *Hub), opChanLen),
	}

	extHost.Events.AfterMessageRelayed.AddListener("msghub",
		func(meta event.RelayMetadata) {
			hub.Dispatch(meta)
		})

	return hub
}

// Start Hub processing loop, runs until ctx is done.
func (hub *Hub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Shutdown
			return
		case op := <-hub.opChan:
			op(hub)
		}
	}
}

// Dispatch queues a result for broadcast by the hub.  It is placed into the history buffer and
// then relayed to all registered listeners.
func (hub *Hub) Dispatch(meta event.RelayMetadata) {
	hub.opChan <- func(h *Hub) {
		if h.history != nil {
			h.history.Value = meta
			h.history = h.history.Next()
		}

		// Deliver to all listeners, removing listeners if they return an error
		for l := range h.listeners {
			if err := l.Receive(meta); err != nil {
				delete(h.listeners, l)
			}
		}
	}
}

// AddListener registers a listener to receive broadcasted results, after playback of the history.
func (hub *Hub) AddListener(l Listener) {
	hub.opChan <- func(h *Hub) {
		for _, meta := range h.lockedHistory() {
			if err := l.Receive(meta); err != nil {
				return
			}
		}
		h.listeners[l] = struct{}{}
	}
}

// RemoveListener deletes a listener registration, it will cease to receive results.
func (hub *Hub) RemoveListener(l Listener) {
	hub.opChan <- func(h *Hub) {
		delete(h.listeners, l)
	}
}

// History returns the buffered results, oldest first.
func (hub *Hub) History() []event.RelayMetadata {
	result := make(chan []event.RelayMetadata, 1)
	hub.opChan <- func(h *Hub) {
		result <- h.lockedHistory()
	}
	return <-result
}

// lockedHistory must only be called from the actor goroutine.
func (hub *Hub) lockedHistory() []event.RelayMetadata {
	var out []event.RelayMetadata
	hub.history.Do(func(v any) {
		if v != nil {
			out = append(out, v.(event.RelayMetadata))
		}
	})
	return out
}

// Sync blocks until the msghub has processed its queue up to this point, useful
// for unit tests.
func (hub *Hub) Sync() {
	done := make(chan struct{})
	hub.opChan <- func(h *Hub) {
		close(done)
	}
	<-done
}
