package extension

import (
	"errors"
	"time"
)

// AsyncEventBroker delivers an event to all listeners in parallel, no result is returned.  The
// zero value is ready to use.
type AsyncEventBroker[E any] struct {
	registry[func(E)]
}

// Emit sends the provided event to each registered listener on its own goroutine.  A listener
// that panics is logged and does not affect the others.
func (eb *AsyncEventBroker[E]) Emit(event *E) {
	for _, l := range eb.snapshot() {
		// Events are copied to minimize the risk of mutation.
		go func(l listener[func(E)], event E) {
			defer recoverListener(l.name)
			l.fn(event)
		}(l, *event)
	}
}

// AddListener registers the named listener, replacing one with a duplicate name if present.
func (eb *AsyncEventBroker[E]) AddListener(name string, fn func(E)) {
	eb.add(name, fn)
}

// RemoveListener unregisters the named listener.
func (eb *AsyncEventBroker[E]) RemoveListener(name string) {
	eb.remove(name)
}

// AsyncTestListener returns a func that will wait for an event and return it, or timeout
// with an error.  The listener is removed once capacity events have been received.
func (eb *AsyncEventBroker[E]) AsyncTestListener(name string, capacity int) func() (*E, error) {
	events := make(chan E, capacity)
	eb.AddListener(name, func(ev E) {
		events <- ev
	})

	count := 0
	return func() (*E, error) {
		count++
		defer func() {
			if count >= capacity {
				eb.RemoveListener(name)
			}
		}()

		select {
		case ev := <-events:
			return &ev, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("timeout waiting for event")
		}
	}
}
