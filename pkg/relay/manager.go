// Package relay turns received messages into numbered chunks and forwards them to the
// destination chat.
package relay

import (
	"container/list"
	"context"
	"errors"
	"expvar"
	"time"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/extension/event"
	"github.com/inbucket/smtp2tg/pkg/message"
	"github.com/inbucket/smtp2tg/pkg/metric"
	"github.com/rs/zerolog/log"
)

// ErrNoChunks is reported when a message leaves nothing to send.
var ErrNoChunks = errors.New("no text to relay")

var (
	// Raw stat collectors
	expMessagesTotal = new(expvar.Int)
	expChunksSent    = new(expvar.Int)
	expChunksFailed  = new(expvar.Int)
	expRetries       = new(expvar.Int)

	// History of certain stats
	messagesHist = list.New()
	failedHist   = list.New()

	// History rendered as comma delim string
	expMessagesHist = new(expvar.String)
	expFailedHist   = new(expvar.String)
)

func init() {
	m := expvar.NewMap("relay")
	m.Set("MessagesTotal", expMessagesTotal)
	m.Set("MessagesHist", expMessagesHist)
	m.Set("ChunksSent", expChunksSent)
	m.Set("ChunksFailed", expChunksFailed)
	m.Set("ChunksFailedHist", expFailedHist)
	m.Set("Retries", expRetries)
	metric.AddTickerFunc(func() {
		expMessagesHist.Set(metric.Push(messagesHist, expMessagesTotal))
		expFailedHist.Set(metric.Push(failedHist, expChunksFailed))
	})
}

// Relayer is the interface the SMTP server uses to hand off completed messages.
type Relayer interface {
	Relay(ctx context.Context, msg *message.Message) Report
}

// Report is the outcome of relaying one message.
type Report struct {
	ID       string // Message ID.
	Chunks   int    // Number of chunks the text was split into.
	Sent     int    // Chunks accepted by the destination.
	Attempts int    // Send attempts across all chunks.
	Failed   []int  // Sequence numbers of chunks that were not delivered.
	Err      error  // Last failure, nil when every chunk was delivered.
}

// Delivered reports whether at least one chunk reached the destination.
func (r Report) Delivered() bool {
	return r.Sent > 0
}

// Retries is the number of attempts beyond the first for each chunk.
func (r Report) Retries() int {
	return max(r.Attempts-r.Chunks, 0)
}

// Pipeline is the Relayer that decodes, chunks and forwards messages.
type Pipeline struct {
	forwarder *Forwarder
	limit     int
	lookback  int
	envelope  bool
	host      *extension.Host
}

// NewPipeline creates a Pipeline sending to dest according to the Telegram configuration.  host
// may be nil.
func NewPipeline(conf config.Telegram, dest Destination, host *extension.Host) *Pipeline {
	backoff := Backoff{
		MaxAttempts: conf.MaxAttempts,
		Initial:     conf.Backoff,
		Max:         conf.MaxBackoff,
	}
	return &Pipeline{
		forwarder: NewForwarder(dest, backoff, conf.ChunkDelay),
		limit:     conf.ChunkSize,
		lookback:  conf.Lookback,
		envelope:  conf.Envelope,
		host:      host,
	}
}

// Relay forwards the text of msg.  Failures are logged and reported, never returned.
func (p *Pipeline) Relay(ctx context.Context, msg *message.Message) Report {
	logger := log.With().Str("module", "relay").Str("id", msg.ID).Logger()
	ctx = logger.WithContext(ctx)
	start := time.Now()

	text := msg.Text()
	if p.envelope {
		text = msg.Summary() + "\n\n" + text
	}
	if p.host != nil && p.host.Events.BeforeMessageRelayed.HasListeners() {
		inbound := &event.InboundMessage{
			ID:      msg.ID,
			Peer:    msg.Peer,
			From:    msg.From,
			To:      msg.Recipients,
			Subject: msg.Subject(),
			Text:    text,
			Size:    int64(msg.Size()),
		}
		if result := p.host.Events.BeforeMessageRelayed.Emit(inbound); result != nil {
			logger.Debug().Msg("Text replaced by extension")
			text = result.Text
		}
	}

	chunks := Chunks(text, p.limit, p.lookback)
	var report Report
	if len(chunks) == 0 {
		report.Err = ErrNoChunks
	} else {
		report = p.forwarder.ForwardAll(ctx, chunks)
	}
	report.ID = msg.ID

	expMessagesTotal.Add(1)
	expChunksSent.Add(int64(report.Sent))
	expChunksFailed.Add(int64(len(report.Failed)))
	expRetries.Add(int64(report.Retries()))

	if report.Err != nil {
		logger.Warn().Err(report.Err).Int("chunks", report.Chunks).Int("sent", report.Sent).
			Ints("failed", report.Failed).Dur("elapsed", time.Since(start)).
			Msg("Message relay incomplete")
	} else {
		logger.Info().Str("from", msg.From).Strs("to", msg.Recipients).
			Int("chunks", report.Chunks).Int("attempts", report.Attempts).
			Dur("elapsed", time.Since(start)).Msg("Message relayed")
	}

	if p.host != nil && p.host.Events.AfterMessageRelayed.HasListeners() {
		p.host.Events.AfterMessageRelayed.Emit(metadata(msg, report))
	}
	return report
}

// metadata builds the AfterMessageRelayed event.
func metadata(msg *message.Message, r Report) *event.RelayMetadata {
	meta := &event.RelayMetadata{
		ID:      msg.ID,
		From:    msg.From,
		To:      msg.Recipients,
		Subject: msg.Subject(),
		Date:    time.Now(),
		Size:    int64(msg.Size()),
		Chunks:  r.Chunks,
		Sent:    r.Sent,
		Failed:  r.Failed,
	}
	if r.Err != nil {
		meta.Error = r.Err.Error()
	}
	return meta
}
