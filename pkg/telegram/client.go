// Package telegram sends text messages to a chat through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds how much of an unparseable error response is kept.
const maxErrorBody = 512

// httpClient allows http.Client to be mocked for tests
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client delivers text to one fixed chat.
type Client struct {
	client  httpClient
	baseURL *url.URL
	token   string
	chatID  string
}

// New creates a Bot API client given the API base URL, ex: "https://api.telegram.org", the bot
// token and the destination chat ID.
func New(apiURL, token, chatID string, opts ...func(*Options)) (*Client, error) {
	parsedURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("API URL %q must be absolute", apiURL)
	}
	options := getDefaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	client := options.client
	if client == nil {
		client = &http.Client{
			Timeout:   options.timeout,
			Transport: options.transport,
		}
	}
	return &Client{
		client:  client,
		baseURL: parsedURL,
		token:   token,
		chatID:  chatID,
	}, nil
}

// sendMessageRequest is the body of a sendMessage call.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// apiResponse is the envelope of every Bot API response.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send posts text to the configured chat.  A non-OK response is returned as *APIError; transport
// failures are returned wrapped.
func (c *Client) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(&sendMessageRequest{
		ChatID:                c.chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	endpoint := c.baseURL.JoinPath("bot"+c.token, "sendMessage")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(),
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sendMessage request: %v", c.mask(err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		// url.Error carries the full URL, token included.
		return fmt.Errorf("sendMessage: %w", &maskedError{err: err, msg: c.mask(err)})
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("sendMessage response: %w", err)
	}
	log.Debug().Str("module", "telegram").Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).Int("length", len(text)).Msg("sendMessage completed")

	apiResp := &apiResponse{}
	if err := json.Unmarshal(payload, apiResp); err != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return fmt.Errorf("sendMessage response: %w", err)
		}
		apiResp.Description = truncate(strings.TrimSpace(string(payload)), maxErrorBody)
	}
	if apiResp.OK && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{
		StatusCode:  resp.StatusCode,
		Description: apiResp.Description,
	}
	if apiResp.ErrorCode != 0 {
		apiErr.StatusCode = apiResp.ErrorCode
	}
	if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
	} else if s := resp.Header.Get("Retry-After"); s != "" {
		apiErr.RetryAfter = parseRetryAfter(s)
	}
	return apiErr
}

// String describes the client without revealing the token.
func (c *Client) String() string {
	return fmt.Sprintf("telegram(%s, chat %s)", c.baseURL.Host, c.chatID)
}

// mask replaces the bot token in an error message.
func (c *Client) mask(err error) string {
	if c.token == "" {
		return err.Error()
	}
	return strings.ReplaceAll(err.Error(), c.token, MaskToken(c.token))
}

// MaskToken hides all but the bot ID portion of a token, ex: "123456:****".
func MaskToken(token string) string {
	if id, _, found := strings.Cut(token, ":"); found {
		return id + ":****"
	}
	return "****"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
