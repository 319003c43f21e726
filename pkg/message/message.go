// Package message contains message handling logic.
package message

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime/v2"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultContentType is assumed when a message declares none.
	DefaultContentType = "text/plain"

	// DefaultTransferEncoding is assumed when a message declares none.
	DefaultTransferEncoding = "7bit"
)

// Message is produced once per completed DATA phase, it is not persisted.
type Message struct {
	ID               string   // ULID assigned on receipt.
	Peer             string   // Identity from HELO/EHLO.
	From             string   // Envelope sender.
	Recipients       []string // Envelope recipients, in order.
	Raw              []byte   // DATA payload, dot-unstuffed, CRLF line endings.
	ContentType      string   // Declared Content-Type header value.
	TransferEncoding string   // Declared Content-Transfer-Encoding header value.

	text    string
	decoded bool
	subject string
	parsed  bool
}

// New builds a Message from the envelope and raw DATA payload.  The declared content type and
// transfer encoding are read from the payload headers, falling back to the defaults.
func New(peer, from string, recipients []string, raw []byte) *Message {
	header, _ := splitMessage(raw)
	msg := &Message{
		ID:               ulid.Make().String(),
		Peer:             peer,
		From:             from,
		Recipients:       append([]string(nil), recipients...),
		Raw:              raw,
		ContentType:      header.Get("Content-Type"),
		TransferEncoding: header.Get("Content-Transfer-Encoding"),
	}
	if msg.ContentType == "" {
		msg.ContentType = DefaultContentType
	}
	if msg.TransferEncoding == "" {
		msg.TransferEncoding = DefaultTransferEncoding
	}
	return msg
}

// Text returns the decoded, human readable text of the message; computed on first use.
func (m *Message) Text() string {
	if !m.decoded {
		m.text = Decode(m.Raw)
		m.decoded = true
	}
	return m.text
}

// Size of the raw payload in bytes.
func (m *Message) Size() int {
	return len(m.Raw)
}

// Subject returns the decoded Subject header, or an empty string if there is none; parsed on
// first use.
func (m *Message) Subject() string {
	if !m.parsed {
		if env, err := enmime.ReadEnvelope(bytes.NewReader(m.Raw)); err == nil {
			m.subject = env.GetHeader("Subject")
		}
		m.parsed = true
	}
	return m.subject
}

// Summary renders the envelope as a short block of From, To and Subject lines.
func (m *Message) Summary() string {
	from := m.From
	if from == "" {
		from = "<>"
	}
	b := &strings.Builder{}
	b.WriteString("From: " + from + "\n")
	b.WriteString("To: " + strings.Join(m.Recipients, ", "))
	if subject := m.Subject(); subject != "" {
		b.WriteString("\nSubject: " + subject)
	}
	return b.String()
}

// splitMessage separates the header block from the body at the first blank line.  Headers that
// fail to parse are returned empty so that decoding falls back to defaults.
func splitMessage(raw []byte) (textproto.MIMEHeader, []byte) {
	head, body, _ := cutHeader(raw)
	if len(head) == 0 {
		return textproto.MIMEHeader{}, body
	}
	if !looksLikeHeader(head) {
		// No header block at all, the whole payload is body text.
		return textproto.MIMEHeader{}, raw
	}
	buf := append(bytes.Clone(head), "\r\n\r\n"...)
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf)))
	header, err := r.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return textproto.MIMEHeader{}, body
	}
	return header, body
}

// cutHeader splits at the first empty line, accepting CRLF or bare LF endings.
func cutHeader(raw []byte) (head, body []byte, found bool) {
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:], true
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return nil, raw[1:], true
	}
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:], true
	case lf >= 0:
		return raw[:lf], raw[lf+2:], true
	}
	return raw, nil, false
}

// looksLikeHeader reports whether the first line has the form "Name: value".
func looksLikeHeader(raw []byte) bool {
	line, _, _ := bytes.Cut(raw, []byte("\n"))
	name, _, found := bytes.Cut(line, []byte(":"))
	if !found || len(name) == 0 {
		return false
	}
	return !strings.ContainsAny(string(name), " \t")
}
