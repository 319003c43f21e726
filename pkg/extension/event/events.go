package event

import (
	"time"
)

// InboundMessage is a received message about to be relayed.
type InboundMessage struct {
	ID      string
	Peer    string
	From    string
	To      []string
	Subject string
	Text    string // Text that will be chunked and sent.
	Size    int64
}

// RelayMetadata describes the result of relaying one message.
type RelayMetadata struct {
	ID      string
	From    string
	To      []string
	Subject string
	Date    time.Time
	Size    int64
	Chunks  int
	Sent    int
	Failed  []int  // Sequence numbers of chunks that were not delivered.
	Error   string // Last delivery error, empty on full success.
}

// Delivered reports whether at least one chunk reached the destination.
func (m RelayMetadata) Delivered() bool {
	return m.Sent > 0
}
