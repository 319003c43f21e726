package rest

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/inbucket/smtp2tg/pkg/extension/event"
	"github.com/inbucket/smtp2tg/pkg/msghub"
	"github.com/inbucket/smtp2tg/pkg/rest/model"
	"github.com/inbucket/smtp2tg/pkg/server/web"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Events buffered per client before it is dropped as too slow.
	listenerQueueLen = 100
)

var (
	errListenerClosed = errors.New("monitor listener closed")
	errListenerFull   = errors.New("monitor listener queue full")
)

// options for gorilla connection upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// relayListener handles relay results from the msghub
type relayListener struct {
	hub    *msghub.Hub                    // Global relay result hub.
	c      chan *model.JSONMonitorEventV1 // Queue of outgoing events.
	done   chan struct{}                  // Closed by Close.
	closer sync.Once
}

// newRelayListener creates a listener and registers it.
func newRelayListener(hub *msghub.Hub) *relayListener {
	rl := &relayListener{
		hub:  hub,
		c:    make(chan *model.JSONMonitorEventV1, listenerQueueLen),
		done: make(chan struct{}),
	}
	hub.AddListener(rl)
	return rl
}

// Receive handles a relay result.  It never blocks the hub: a client that falls behind is
// unregistered.
func (rl *relayListener) Receive(meta event.RelayMetadata) error {
	select {
	case <-rl.done:
		return errListenerClosed
	default:
	}

	ev := &model.JSONMonitorEventV1{
		Variant: relayVariant(&meta),
		Relay:   relayToJSON(&meta),
	}
	select {
	case rl.c <- ev:
		return nil
	default:
		log.Warn().Str("module", "rest").Str("proto", "WebSocket").
			Msg("Monitor client too slow, dropping")
		rl.Close()
		return errListenerFull
	}
}

// WSReader makes sure the websocket client is still connected, discards any messages from client
func (rl *relayListener) WSReader(conn *websocket.Conn) {
	slog := log.With().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()
	defer rl.Close()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Warn().Err(err).Msg("Failed to setup read deadline")
	}
	conn.SetPongHandler(func(string) error {
		slog.Debug().Msg("Got pong")
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Warn().Err(err).Msg("Failed to set read deadline in pong")
		}
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				// Unexpected close code
				slog.Warn().Err(err).Msg("Socket error")
			} else {
				slog.Debug().Msg("Closing socket")
			}
			break
		}
	}
}

// WSWriter forwards queued events to the client and keeps the connection alive with pings
func (rl *relayListener) WSWriter(conn *websocket.Conn) {
	slog := log.With().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		rl.Close()
	}()

	// Handle events from hub until relayListener is closed
	for {
		select {
		case ev := <-rl.c:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Warn().Err(err).Msg("Failed to set write deadline for event")
			}
			if conn.WriteJSON(ev) != nil {
				// Write failed
				return
			}
		case <-rl.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			// Send ping
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Warn().Err(err).Msg("Failed to set write deadline for ping")
			}
			if conn.WriteMessage(websocket.PingMessage, []byte{}) != nil {
				// Write error
				return
			}
			slog.Debug().Msg("Sent ping")
		}
	}
}

// Close removes the listener registration, safe to call more than once
func (rl *relayListener) Close() {
	rl.closer.Do(func() {
		close(rl.done)
		// Unregistering from within Receive would deadlock the hub, so do it asynchronously.
		go rl.hub.RemoveListener(rl)
	})
}

// MonitorRelaysV1 is a web handler which upgrades the connection to a websocket and notifies
// the client of every relay result, starting with the buffered history.
func MonitorRelaysV1(
	w http.ResponseWriter, req *http.Request, ctx *web.Context) (err error) {
	if ctx.MsgHub == nil {
		return errors.New("relay monitor unavailable")
	}
	// Upgrade to Websocket.
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug().Str("module", "rest").Err(err).Msg("WebSocket upgrade failed")
		return nil
	}
	web.ExpWebSocketConnectsCurrent.Add(1)
	defer func() {
		_ = conn.Close()
		web.ExpWebSocketConnectsCurrent.Add(-1)
	}()
	log.Debug().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Msg("Upgraded to WebSocket")
	// Create, register listener; then interact with conn.
	rl := newRelayListener(ctx.MsgHub)
	go rl.WSWriter(conn)
	rl.WSReader(conn)
	return nil
}
