// Package model holds the JSON shapes of the status and monitor API.
package model

import (
	"time"
)

// JSONStatusV1 describes the running relay.
type JSONStatusV1 struct {
	Version      string           `json:"version"`
	BuildDate    string           `json:"build-date"`
	SMTPListener string           `json:"smtp-listener"`
	WebListener  string           `json:"web-listener"`
	ChatID       string           `json:"chat-id"`
	ChunkSize    int              `json:"chunk-size"`
	MaxAttempts  int              `json:"max-attempts"`
	SMTP         map[string]int64 `json:"smtp"`
	Relay        map[string]int64 `json:"relay"`
	Recent       []*JSONRelayV1   `json:"recent"`
}

// JSONRelayV1 is the outcome of relaying one message.
type JSONRelayV1 struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Date    time.Time `json:"date"`
	Size    int64     `json:"size"`
	Chunks  int       `json:"chunks"`
	Sent    int       `json:"sent"`
	Failed  []int     `json:"failed,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// JSONMonitorEventV1 is sent over the relay monitor websocket.
type JSONMonitorEventV1 struct {
	Variant string       `json:"variant"`
	Relay   *JSONRelayV1 `json:"relay"`
}

// Monitor event variants.
const (
	VariantRelayed = "message-relayed" // Every chunk delivered.
	VariantPartial = "message-partial" // Some chunks delivered.
	VariantFailed  = "message-failed"  // Nothing delivered.
)
