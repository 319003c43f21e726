package relay

import (
	"context"
	"errors"
	"time"

	"github.com/inbucket/smtp2tg/pkg/telegram"
)

// Outcome classifies the result of one send attempt.
type Outcome int

const (
	// Success means the destination accepted the chunk.
	Success Outcome = iota
	// Retryable failures may succeed if attempted again: network errors, timeouts, 5xx and rate
	// limiting.
	Retryable
	// Fatal failures will not succeed on retry: rejected credentials or malformed requests.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	}
	return "fatal"
}

// Classify maps a send error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Temporary() {
			return Retryable
		}
		return Fatal
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	// Network errors, timeouts and unreadable responses.
	return Retryable
}

// retryAfter returns the wait requested by the destination, or zero.
func retryAfter(err error) time.Duration {
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Backoff bounds retries of a single chunk.
type Backoff struct {
	MaxAttempts int           // Total attempts, including the first.
	Initial     time.Duration // Wait after the first failure.
	Max         time.Duration // Ceiling for any wait, zero for none.
}

// Delay returns the wait after the n-th failed attempt (1-based): Initial doubled n-1 times,
// capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	delay := b.Initial
	for i := 1; i < n; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// wait picks the pause before the next attempt, honoring a destination requested wait up to Max.
func (b Backoff) wait(n int, err error) time.Duration {
	delay := b.Delay(n)
	if ra := retryAfter(err); ra > delay {
		delay = ra
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return delay
}

func (b Backoff) attempts() int {
	return max(b.MaxAttempts, 1)
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
