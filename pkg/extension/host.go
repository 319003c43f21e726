package extension

import (
	"github.com/inbucket/smtp2tg/pkg/extension/event"
)

// Host defines extension points for smtp2tg.
type Host struct {
	Events *Events
}

// Events defines all the event types supported by the extension host.
//
// Before-events provide an opportunity for extensions to alter how a message is relayed.  These
// events are processed synchronously on the SMTP session that received the message.  The first
// listener in the list to respond with a non-nil value will determine the response, and the
// remaining listeners will not be called.
//
// After-events allow extensions to take an action after an event has completed.  These events are
// processed asynchronously with respect to the rest of the relay.
type Events struct {
	AfterMessageRelayed  AsyncEventBroker[event.RelayMetadata]
	BeforeMessageRelayed EventBroker[event.InboundMessage, event.InboundMessage]
}

// NewHost creates a new extension host.
func NewHost() *Host {
	return &Host{Events: &Events{}}
}
