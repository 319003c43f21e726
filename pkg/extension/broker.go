package extension

// EventBroker delivers an event synchronously to listeners in priority order.  The first listener
// to return a non-nil result decides the outcome.  The zero value is ready to use.
type EventBroker[E any, R any] struct {
	registry[func(E) *R]
}

// Emit sends the provided event to each registered listener in order, until one returns a
// non-nil result, which is returned to the caller.  A listener that panics is logged and treated
// as having returned nil.
func (eb *EventBroker[E, R]) Emit(event *E) *R {
	for _, l := range eb.snapshot() {
		// Events are copied to minimize the risk of mutation.
		if result := callListener[E, R](l, *event); result != nil {
			return result
		}
	}
	return nil
}

// AddListener registers the named listener, replacing one with a duplicate name if present.
// Listeners should be added in order of priority, most significant first.
func (eb *EventBroker[E, R]) AddListener(name string, fn func(E) *R) {
	eb.add(name, fn)
}

// RemoveListener unregisters the named listener.
func (eb *EventBroker[E, R]) RemoveListener(name string) {
	eb.remove(name)
}

func callListener[E any, R any](l listener[func(E) *R], event E) (result *R) {
	defer recoverListener(l.name)
	return l.fn(event)
}
