package extension

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// listener pairs a registered function with the name it was added under.
type listener[F any] struct {
	name string
	fn   F
}

// registry is the ordered, named listener list shared by both broker kinds.  The zero value is
// ready to use.
type registry[F any] struct {
	mu        sync.RWMutex
	listeners []listener[F]
}

// add registers fn under name, replacing a listener with the same name in place so that its
// priority is kept.
func (r *registry[F]) add(name string, fn F) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.listeners {
		if r.listeners[i].name == name {
			r.listeners[i].fn = fn
			return
		}
	}
	r.listeners = append(r.listeners, listener[F]{name: name, fn: fn})
}

func (r *registry[F]) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = slices.DeleteFunc(r.listeners, func(l listener[F]) bool {
		return l.name == name
	})
}

// snapshot returns the current listeners, so that Emit can call them without holding the lock.
// A listener may then add or remove listeners without deadlocking.
func (r *registry[F]) snapshot() []listener[F] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.listeners)
}

// Names returns the registered listener names in priority order.
func (r *registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.listeners))
	for i, l := range r.listeners {
		names[i] = l.name
	}
	return names
}

// HasListeners reports whether any listener is registered, letting emitters skip building events
// nobody will receive.
func (r *registry[F]) HasListeners() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.listeners) > 0
}

// recoverListener logs a panic raised by the named listener instead of letting it take down the
// SMTP session or relay goroutine that emitted the event.
func recoverListener(name string) {
	if r := recover(); r != nil {
		log.Error().Str("module", "extension").Str("listener", name).
			Err(fmt.Errorf("panic: %v", r)).Msg("Event listener panicked")
	}
}
