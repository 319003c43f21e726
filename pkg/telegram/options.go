package telegram

import (
	"net/http"
	"time"
)

// Options holds the optional settings of a Client.
type Options struct {
	client    httpClient
	transport http.RoundTripper
	timeout   time.Duration
}

// getDefaultOptions returns the default options for the client
func getDefaultOptions() *Options {
	return &Options{
		timeout: 30 * time.Second,
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) func(*Options) {
	return func(options *Options) {
		options.timeout = timeout
	}
}

// WithTransport sets the HTTP transport.
func WithTransport(transport http.RoundTripper) func(*Options) {
	return func(options *Options) {
		options.transport = transport
	}
}

// withHTTPClient replaces the HTTP client entirely, used by tests.
func withHTTPClient(client httpClient) func(*Options) {
	return func(options *Options) {
		options.client = client
	}
}
