package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime/v2/mediatype"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
)

// EmptyBodyNotice is relayed in place of a body that yielded no readable text.
const EmptyBodyNotice = "(no readable text in message body)"

// maxDepth bounds multipart nesting.
const maxDepth = 10

// Kind is the decoding strategy selected by a media type.
type Kind int

const (
	// PlainText is text/* other than text/html, or an absent content type.
	PlainText Kind = iota
	// HTML is text/html, reduced to readable text.
	HTML
	// Multipart is multipart/*, decoded part by part.
	Multipart
	// Other is any non-text type.
	Other
)

func (k Kind) String() string {
	switch k {
	case PlainText:
		return "PlainText"
	case HTML:
		return "HTML"
	case Multipart:
		return "Multipart"
	}
	return "Other"
}

// KindOf classifies a lowercase media type.
func KindOf(mediaType string) Kind {
	switch {
	case mediaType == "", mediaType == "text/plain":
		return PlainText
	case mediaType == "text/html":
		return HTML
	case strings.HasPrefix(mediaType, "multipart/"):
		return Multipart
	case strings.HasPrefix(mediaType, "text/"):
		return PlainText
	}
	return Other
}

// Encoding is a Content-Transfer-Encoding.
type Encoding int

const (
	// SevenBit covers 7bit, 8bit, binary and anything unrecognized: no transformation.
	SevenBit Encoding = iota
	// QuotedPrintable decodes =XX escapes and soft line breaks.
	QuotedPrintable
	// Base64 decodes standard base64, ignoring whitespace.
	Base64
)

func (e Encoding) String() string {
	switch e {
	case QuotedPrintable:
		return "quoted-printable"
	case Base64:
		return "base64"
	}
	return "7bit"
}

// ParseEncoding maps a Content-Transfer-Encoding header value to an Encoding.
func ParseEncoding(s string) Encoding {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quoted-printable":
		return QuotedPrintable
	case "base64":
		return Base64
	}
	return SevenBit
}

// Decode reconstructs the readable text of a raw message.  It never fails: parts that cannot be
// decoded are dropped, and a message with nothing readable yields EmptyBodyNotice.
func Decode(raw []byte) string {
	header, body := splitMessage(raw)
	text, err := DecodeEntity(header, body)
	if err != nil {
		log.Debug().Str("module", "message").Err(err).Msg("Failed to decode message body")
	}
	text = normalize(text)
	if text == "" {
		return EmptyBodyNotice
	}
	return text
}

// DecodeEntity decodes a single MIME entity given its header and raw body.
func DecodeEntity(header textproto.MIMEHeader, body []byte) (string, error) {
	return decodeEntity(header, body, 0)
}

func decodeEntity(header textproto.MIMEHeader, body []byte, depth int) (string, error) {
	mtype, params := parseContentType(header.Get("Content-Type"))
	enc := ParseEncoding(header.Get("Content-Transfer-Encoding"))
	kind := KindOf(mtype)
	if kind == Multipart {
		if depth >= maxDepth {
			return "", errors.New("multipart nesting too deep")
		}
		if params["boundary"] != "" {
			return decodeMultipart(mtype, params["boundary"], body, depth)
		}
		// Without a boundary the parts cannot be found, read it as text.
		kind = PlainText
	}
	content, err := TransferDecode(enc, body)
	if err != nil {
		return "", fmt.Errorf("%v body of %s: %w", enc, mtype, err)
	}
	text := toUTF8(content, params["charset"])
	if kind == HTML {
		return StripHTML(text), nil
	}
	return text, nil
}

// decodeMultipart decodes each text part in order.  Parts that fail are dropped.  For
// multipart/alternative only the preferred alternative is kept.
func decodeMultipart(mtype, boundary string, body []byte, depth int) (string, error) {
	alternative := mtype == "multipart/alternative"
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	var texts []string
	var best string
	bestKind := Other
	for {
		part, err := mr.NextRawPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(texts) == 0 && best == "" {
				return "", fmt.Errorf("reading %s: %w", mtype, err)
			}
			// Keep what was decoded before the structure broke.
			break
		}
		ptype, _ := parseContentType(part.Header.Get("Content-Type"))
		pkind := KindOf(ptype)
		if pkind == Other || isAttachment(part.Header) {
			continue
		}
		content, err := io.ReadAll(part)
		if err != nil {
			// A missing closing boundary still leaves the part content intact.
			if !errors.Is(err, io.ErrUnexpectedEOF) || len(bytes.TrimSpace(content)) == 0 {
				log.Debug().Str("module", "message").Err(err).Str("type", ptype).
					Msg("Dropping unreadable part")
				continue
			}
			log.Debug().Str("module", "message").Err(err).Str("type", ptype).
				Msg("Keeping part truncated before its closing boundary")
		}
		text, err := decodeEntity(part.Header, content, depth+1)
		if err != nil {
			log.Debug().Str("module", "message").Err(err).Str("type", ptype).
				Msg("Dropping undecodable part")
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if alternative {
			if best == "" || (pkind == PlainText && bestKind != PlainText) {
				best, bestKind = text, pkind
			}
			continue
		}
		texts = append(texts, text)
	}
	if alternative {
		return best, nil
	}
	return strings.Join(texts, "\n\n"), nil
}

// TransferDecode reverses the Content-Transfer-Encoding of a body.
func TransferDecode(enc Encoding, b []byte) ([]byte, error) {
	switch enc {
	case QuotedPrintable:
		return io.ReadAll(quotedprintable.NewReader(bytes.NewReader(b)))
	case Base64:
		return decodeBase64(b)
	}
	return b, nil
}

func decodeBase64(b []byte) ([]byte, error) {
	compact := bytes.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, b)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(compact)))
	n, err := base64.StdEncoding.Decode(out, compact)
	if err != nil {
		// Some mailers omit padding.
		trimmed := bytes.TrimRight(compact, "=")
		out = make([]byte, base64.RawStdEncoding.DecodedLen(len(trimmed)))
		if n, err = base64.RawStdEncoding.Decode(out, trimmed); err != nil {
			return nil, err
		}
	}
	return out[:n], nil
}

// parseContentType returns the lowercase media type and its parameters, defaulting to text/plain.
func parseContentType(ctype string) (string, map[string]string) {
	if strings.TrimSpace(ctype) == "" {
		return DefaultContentType, map[string]string{}
	}
	mtype, params, _, err := mediatype.Parse(ctype)
	if mtype == "" {
		if err != nil {
			log.Debug().Str("module", "message").Err(err).Str("content-type", ctype).
				Msg("Unparseable Content-Type, assuming text/plain")
		}
		return DefaultContentType, map[string]string{}
	}
	if params == nil {
		params = map[string]string{}
	}
	return strings.ToLower(mtype), params
}

func isAttachment(header textproto.MIMEHeader) bool {
	disp := strings.ToLower(strings.TrimSpace(header.Get("Content-Disposition")))
	return strings.HasPrefix(disp, "attachment")
}

// toUTF8 converts content in the named charset to valid UTF-8, best effort.
func toUTF8(b []byte, label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
	default:
		if r, err := charset.NewReaderLabel(label, bytes.NewReader(b)); err == nil {
			if converted, err := io.ReadAll(r); err == nil {
				b = converted
			}
		}
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// normalize converts line endings to LF, strips trailing blanks, collapses runs of empty lines
// and trims the result.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
