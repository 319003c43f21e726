// Package client provides a basic client for the smtp2tg status and monitor API
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/inbucket/smtp2tg/pkg/rest/model"
)

// Client accesses the smtp2tg REST API v1
type Client struct {
	restClient
	dialer *websocket.Dialer
}

// New creates a new v1 REST API client given the base URL of an smtp2tg web listener, ex:
// "http://localhost:9025"
func New(baseURL string, opts ...func(*ClientOptions)) (*Client, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}

	options := getDefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		restClient: restClient{
			client: &http.Client{
				Timeout:   options.timeout,
				Transport: options.transport,
			},
			baseURL: parsedURL,
		},
		dialer: options.dialer,
	}
	return c, nil
}

// Status returns the relay configuration summary, counters and recent results.
func (c *Client) Status(ctx context.Context) (status *model.JSONStatusV1, err error) {
	status = &model.JSONStatusV1{}
	if err := c.getJSON(ctx, statusPath, status); err != nil {
		return nil, err
	}
	return status, nil
}

// MonitorRelays streams relay results to fn, beginning with the server's buffered history.  It
// returns when ctx is done, returning nil, or when the connection fails.
func (c *Client) MonitorRelays(ctx context.Context, fn func(*model.JSONMonitorEventV1)) error {
	wsURL := c.socketURL(monitorRelaysPath)

	conn, _, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("monitor %q: %w", wsURL, err)
	}
	// Unblock ReadJSON when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	for {
		ev := &model.JSONMonitorEventV1{}
		if err := conn.ReadJSON(ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure ||
				closeErr.Code == websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("monitor %q: %w", wsURL, err)
		}
		fn(ev)
	}
}
