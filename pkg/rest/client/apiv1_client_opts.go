package client

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ClientOptions is a struct that holds the options for the client
type ClientOptions struct {
	transport http.RoundTripper
	timeout   time.Duration
	dialer    *websocket.Dialer
}

// getDefaultClientOptions returns the default options for the client
func getDefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		timeout: 30 * time.Second,
		dialer:  websocket.DefaultDialer,
	}
}

// WithClientOptsTransport returns a function that sets the transport object
func WithClientOptsTransport(transport http.RoundTripper) func(*ClientOptions) {
	return func(options *ClientOptions) {
		options.transport = transport
	}
}

// WithClientOptsTimeout sets the timeout of non-streaming requests.
func WithClientOptsTimeout(timeout time.Duration) func(*ClientOptions) {
	return func(options *ClientOptions) {
		options.timeout = timeout
	}
}

// WithClientOptsDialer replaces the websocket dialer used by MonitorRelays.
func WithClientOptsDialer(dialer *websocket.Dialer) func(*ClientOptions) {
	return func(options *ClientOptions) {
		options.dialer = dialer
	}
}
