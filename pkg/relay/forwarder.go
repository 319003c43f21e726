package relay

import (
	"context"
	"iter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Destination receives chunk payloads.
type Destination interface {
	Send(ctx context.Context, text string) error
}

// Attempt records one send of a chunk.
type Attempt struct {
	Chunk   Chunk
	Number  int           // 1-based attempt number.
	Outcome Outcome       // Classification of Err.
	Err     error         // Error returned by the destination, nil on success.
	Wait    time.Duration // Pause before the next attempt, zero when this is the last.
}

// Forwarder sends chunks to a Destination with bounded retry.
type Forwarder struct {
	dest       Destination
	backoff    Backoff
	chunkDelay time.Duration
	sleep      func(context.Context, time.Duration) error
}

// NewForwarder creates a Forwarder.  chunkDelay is the pause between consecutive chunks of one
// message.
func NewForwarder(dest Destination, backoff Backoff, chunkDelay time.Duration) *Forwarder {
	return &Forwarder{
		dest:       dest,
		backoff:    backoff,
		chunkDelay: chunkDelay,
		sleep:      sleepWithContext,
	}
}

// Attempts yields each send attempt of chunk in order.  The sequence ends after a success, a fatal
// failure, the final permitted attempt, or when ctx is done while waiting to retry.
func (f *Forwarder) Attempts(ctx context.Context, chunk Chunk) iter.Seq[Attempt] {
	return func(yield func(Attempt) bool) {
		limit := f.backoff.attempts()
		for n := 1; n <= limit; n++ {
			err := f.dest.Send(ctx, chunk.Payload())
			a := Attempt{Chunk: chunk, Number: n, Outcome: Classify(err), Err: err}
			if a.Outcome == Retryable && ctx.Err() != nil {
				// The caller gave up, not the destination.
				a.Outcome = Fatal
			}
			if a.Outcome == Retryable && n < limit {
				a.Wait = f.backoff.wait(n, err)
			}
			if !yield(a) || a.Outcome != Retryable || n == limit {
				return
			}
			if err := f.sleep(ctx, a.Wait); err != nil {
				return
			}
		}
	}
}

// Forward sends chunk, retrying as permitted, and returns the final attempt.
func (f *Forwarder) Forward(ctx context.Context, chunk Chunk) Attempt {
	logger := loggerOrGlobal(ctx)
	var last Attempt
	for a := range f.Attempts(ctx, chunk) {
		last = a
		switch a.Outcome {
		case Success:
			logger.Debug().Int("chunk", chunk.Seq).Int("attempt", a.Number).Msg("Chunk delivered")
		case Retryable:
			logger.Warn().Err(a.Err).Int("chunk", chunk.Seq).Int("attempt", a.Number).
				Dur("wait", a.Wait).Msg("Chunk send failed")
		case Fatal:
			logger.Error().Err(a.Err).Int("chunk", chunk.Seq).Int("attempt", a.Number).
				Msg("Chunk rejected")
		}
	}
	return last
}

// ForwardAll sends chunks strictly in order.  A chunk that fails does not stop the chunks after
// it.
func (f *Forwarder) ForwardAll(ctx context.Context, chunks []Chunk) Report {
	r := Report{Chunks: len(chunks)}
	for i, c := range chunks {
		if i > 0 && f.chunkDelay > 0 {
			_ = f.sleep(ctx, f.chunkDelay)
		}
		a := f.Forward(ctx, c)
		r.Attempts += a.Number
		if a.Outcome == Success {
			r.Sent++
			continue
		}
		r.Failed = append(r.Failed, c.Seq)
		r.Err = a.Err
	}
	return r
}

// loggerOrGlobal returns the logger carried by ctx, or the global logger.
func loggerOrGlobal(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
