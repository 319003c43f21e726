package extension_test

import (
	"strings"
	"testing"

	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/extension/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inboundBroker = extension.EventBroker[event.InboundMessage, event.InboundMessage]

// rewriter returns a listener that records the text it saw and optionally replaces it.
func rewriter(seen *[]string, replacement string) func(event.InboundMessage) *event.InboundMessage {
	return func(msg event.InboundMessage) *event.InboundMessage {
		*seen = append(*seen, msg.Text)
		if replacement == "" {
			return nil
		}
		msg.Text = replacement
		return &msg
	}
}

func TestBrokerEmitWithoutListeners(t *testing.T) {
	broker := &inboundBroker{}
	assert.False(t, broker.HasListeners())
	assert.Nil(t, broker.Emit(&event.InboundMessage{Text: "unchanged"}))
}

func TestBrokerEmitCallsListenersInOrder(t *testing.T) {
	broker := &inboundBroker{}
	var seen []string
	broker.AddListener("audit", rewriter(&seen, ""))
	broker.AddListener("shout", func(msg event.InboundMessage) *event.InboundMessage {
		seen = append(seen, "shout:"+msg.Text)
		return nil
	})

	got := broker.Emit(&event.InboundMessage{Text: "hello"})
	assert.Nil(t, got)
	assert.Equal(t, []string{"hello", "shout:hello"}, seen)
	assert.Equal(t, []string{"audit", "shout"}, broker.Names())
}

func TestBrokerEmitStopsAtFirstResult(t *testing.T) {
	broker := &inboundBroker{}
	var seen []string
	broker.AddListener("pass", rewriter(&seen, ""))
	broker.AddListener("redact", rewriter(&seen, "[redacted]"))
	broker.AddListener("never", rewriter(&seen, "late"))

	got := broker.Emit(&event.InboundMessage{ID: "01J", Text: "secret"})
	require.NotNil(t, got)
	assert.Equal(t, "[redacted]", got.Text)
	assert.Equal(t, "01J", got.ID)
	assert.Equal(t, []string{"secret", "secret"}, seen)
}

func TestBrokerEmitCopiesEvent(t *testing.T) {
	broker := &inboundBroker{}
	broker.AddListener("mutate", func(msg event.InboundMessage) *event.InboundMessage {
		msg.Text = "changed"
		return nil
	})

	in := &event.InboundMessage{Text: "original"}
	broker.Emit(in)
	assert.Equal(t, "original", in.Text)
}

func TestBrokerDuplicateNameKeepsPriority(t *testing.T) {
	broker := &inboundBroker{}
	var first, second []string
	broker.AddListener("lua", rewriter(&first, "old"))
	broker.AddListener("msghub", rewriter(&second, ""))
	broker.AddListener("lua", rewriter(&first, "new"))

	got := broker.Emit(&event.InboundMessage{Text: "x"})
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Text)
	assert.Empty(t, second)
	assert.Equal(t, []string{"lua", "msghub"}, broker.Names())
}

func TestBrokerRemoveListener(t *testing.T) {
	broker := &inboundBroker{}
	var seen []string
	broker.AddListener("1", rewriter(&seen, "from 1"))
	broker.AddListener("2", rewriter(&seen, ""))
	broker.RemoveListener("1")
	broker.RemoveListener("missing")

	assert.Nil(t, broker.Emit(&event.InboundMessage{Text: "x"}))
	assert.Equal(t, []string{"x"}, seen)
	assert.Equal(t, []string{"2"}, broker.Names())
}

func TestBrokerListenerMayRemoveItself(t *testing.T) {
	broker := &inboundBroker{}
	calls := 0
	broker.AddListener("once", func(event.InboundMessage) *event.InboundMessage {
		calls++
		broker.RemoveListener("once")
		return nil
	})

	broker.Emit(&event.InboundMessage{})
	broker.Emit(&event.InboundMessage{})
	assert.Equal(t, 1, calls)
	assert.False(t, broker.HasListeners())
}

func TestBrokerRecoversListenerPanic(t *testing.T) {
	broker := &inboundBroker{}
	broker.AddListener("broken", func(event.InboundMessage) *event.InboundMessage {
		panic("script blew up")
	})
	broker.AddListener("upper", func(msg event.InboundMessage) *event.InboundMessage {
		msg.Text = strings.ToUpper(msg.Text)
		return &msg
	})

	var got *event.InboundMessage
	require.NotPanics(t, func() {
		got = broker.Emit(&event.InboundMessage{Text: "still relayed"})
	})
	require.NotNil(t, got)
	assert.Equal(t, "STILL RELAYED", got.Text)
}
