// Package test contains stubs and helpers shared by tests across packages.
package test

import (
	"context"
	"errors"
	"sync"

	"github.com/inbucket/smtp2tg/pkg/message"
	"github.com/inbucket/smtp2tg/pkg/relay"
)

// RelayerStub is a test stub for relay.Relayer.  It records every message and answers with
// Report, or with a single delivered chunk when Report is nil.
type RelayerStub struct {
	Report func(msg *message.Message) relay.Report

	mu       sync.Mutex
	messages []*message.Message
}

// NewRelayer creates a RelayerStub that delivers everything.
func NewRelayer() *RelayerStub {
	return &RelayerStub{}
}

// NewFailingRelayer creates a RelayerStub that delivers nothing.
func NewFailingRelayer() *RelayerStub {
	return &RelayerStub{
		Report: func(msg *message.Message) relay.Report {
			return relay.Report{
				ID:       msg.ID,
				Chunks:   1,
				Attempts: 1,
				Failed:   []int{1},
				Err:      errors.New("destination unavailable"),
			}
		},
	}
}

// Relay records msg.
func (r *RelayerStub) Relay(ctx context.Context, msg *message.Message) relay.Report {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
	if r.Report != nil {
		return r.Report(msg)
	}
	return relay.Report{ID: msg.ID, Chunks: 1, Sent: 1, Attempts: 1}
}

// Messages returns the messages relayed so far.
func (r *RelayerStub) Messages() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Message(nil), r.messages...)
}

// DestinationStub is a test stub for relay.Destination.  Errors are returned in order, one per
// Send call, after which every send succeeds.
type DestinationStub struct {
	mu    sync.Mutex
	errs  []error
	texts []string
	calls int
}

// NewDestination creates a DestinationStub that fails with errs before succeeding.
func NewDestination(errs ...error) *DestinationStub {
	return &DestinationStub{errs: errs}
}

// Send records text unless a scripted error is pending.
func (d *DestinationStub) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return err
		}
	}
	d.texts = append(d.texts, text)
	return nil
}

// Texts returns the delivered texts in order.
func (d *DestinationStub) Texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

// Calls is the number of Send invocations, including failures.
func (d *DestinationStub) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
