package relay

import (
	"fmt"
	"strconv"
	"unicode"
	"unicode/utf8"
)

// Chunk is one size-bounded, numbered segment of a message's text.
type Chunk struct {
	Seq   int    // 1-based position.
	Total int    // Number of chunks in the message.
	Text  string // Segment of the decoded text, without marker.
}

// Payload is the text sent to the destination: multi-chunk messages carry a "(k/n) " marker.
func (c Chunk) Payload() string {
	if c.Total <= 1 {
		return c.Text
	}
	return fmt.Sprintf("(%d/%d) %s", c.Seq, c.Total, c.Text)
}

// Chunks splits text into numbered chunks whose payloads fit within limit characters.  Room for
// the "(k/n) " marker is reserved when more than one chunk is needed.  If limit is too small to
// hold a marker the text is split without reserving room for it.
func Chunks(text string, limit, lookback int) []Chunk {
	if text == "" {
		return nil
	}
	var pieces []string
	if utf8.RuneCountInString(text) <= limit {
		pieces = []string{text}
	} else {
		pieces = splitReserved(text, limit, lookback)
	}
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Seq: i + 1, Total: len(pieces), Text: p}
	}
	return chunks
}

// splitReserved grows the reserved marker width until it covers the resulting chunk count.
func splitReserved(text string, limit, lookback int) []string {
	width := markerWidth(2)
	for {
		if limit-width < 1 {
			return Split(text, limit, lookback)
		}
		pieces := Split(text, limit-width, lookback)
		need := markerWidth(len(pieces))
		if need <= width {
			return pieces
		}
		width = need
	}
}

// markerWidth is the length of the widest "(k/n) " marker for n chunks.
func markerWidth(n int) int {
	return 2*len(strconv.Itoa(n)) + 4
}

// Split cuts text into pieces of at most limit characters.  A cut is placed after the last line
// break within the final lookback characters of a piece, failing that after the last whitespace
// there, and failing that exactly at the limit.  Concatenating the pieces reproduces text.
func Split(text string, limit, lookback int) []string {
	if text == "" {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	runes := []rune(text)
	var pieces []string
	start := 0
	for len(runes)-start > limit {
		end := start + limit
		cut := breakPoint(runes, start, end, lookback)
		pieces = append(pieces, string(runes[start:cut]))
		start = cut
	}
	return append(pieces, string(runes[start:]))
}

// breakPoint picks the cut position for the piece runes[start:end].
func breakPoint(runes []rune, start, end, lookback int) int {
	low := max(start, end-lookback)
	for i := end - 1; i >= low; i-- {
		if runes[i] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i >= low; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}
