package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	// apiPrefix is mounted by the web server in front of every v1 route.
	apiPrefix = "/api/v1"

	statusPath        = "status"
	monitorRelaysPath = "monitor/relays"

	// maxErrorBody bounds how much of an error response is kept in a ResponseError.
	maxErrorBody = 512
)

// httpClient allows http.Client to be mocked for tests
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResponseError is returned when the smtp2tg web listener answers with a status other than 200.
type ResponseError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string // Plain text error reported by the server, if any.
}

func (e *ResponseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s for %q, unexpected %v: %s", e.Method, e.URL, e.StatusCode, msg)
}

// restClient holds the HTTP transport and the web listener base URL shared by API calls.
type restClient struct {
	client  httpClient
	baseURL *url.URL
}

// apiURL resolves an API v1 path below the base URL, preserving any base path prefix.
func (c *restClient) apiURL(path string) *url.URL {
	return c.baseURL.JoinPath(apiPrefix, path)
}

// socketURL resolves an API v1 path for a websocket dial.
func (c *restClient) socketURL(path string) *url.URL {
	u := c.apiURL(path)
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u
}

// getJSON requests an API v1 path and decodes the JSON response into v.
func (c *restClient) getJSON(ctx context.Context, path string, v any) error {
	u := c.apiURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("GET for %q: %v", u, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return responseError(req, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET for %q, decoding response: %w", u, err)
	}
	return nil
}

// responseError captures the first line of the plain text body written by the server's
// error handler.
func responseError(req *http.Request, resp *http.Response) *ResponseError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg, _, _ := strings.Cut(strings.TrimSpace(string(body)), "\n")
	return &ResponseError{
		Method:     req.Method,
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}
