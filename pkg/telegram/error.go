package telegram

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is a non-OK answer from the Bot API.
type APIError struct {
	StatusCode  int           // HTTP status, or the API error_code when present.
	Description string        // Human readable reason given by the API.
	RetryAfter  time.Duration // Requested wait before retrying, zero if none.
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram API error %d: %s (retry after %v)", e.StatusCode,
			e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram API error %d: %s", e.StatusCode, e.Description)
}

// RateLimited reports whether the API asked the caller to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.RateLimited() || e.StatusCode >= 500
}

// maskedError keeps the wrapped transport error for errors.Is/As while printing a message with
// the token hidden.
type maskedError struct {
	err error
	msg string
}

func (e *maskedError) Error() string { return e.msg }
func (e *maskedError) Unwrap() error { return e.err }

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(s string) time.Duration {
	seconds, err := strconv.Atoi(s)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
