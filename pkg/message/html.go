package message

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// blockElements begin a new line when rendered as text.
var blockElements = map[string]bool{
	"address": true, "article": true, "blockquote": true, "div": true, "dl": true, "dt": true,
	"dd": true, "footer": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "header": true, "hr": true, "li": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "tr": true, "ul": true,
}

// paragraphElements are separated from their neighbours by an empty line.
var paragraphElements = map[string]bool{
	"blockquote": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"p": true, "pre": true, "table": true,
}

// structurePolicy keeps only the elements that shape text layout.  Scripts, styles and similar
// elements are dropped along with their content by bluemonday.
var structurePolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("br", "td", "th")
	for name := range blockElements {
		p.AllowElements(name)
	}
	return p
}()

// StripHTML reduces an HTML document to readable plain text.  Malformed markup is handled on a
// best-effort basis, whatever text can be recovered is returned.
func StripHTML(input string) string {
	z := html.NewTokenizer(strings.NewReader(structurePolicy.Sanitize(dropHidden(input))))
	t := &textWriter{}
	pre := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return t.String()
		case html.TextToken:
			if pre > 0 {
				t.WriteRaw(string(z.Text()))
			} else {
				t.WriteText(string(z.Text()))
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "br":
				t.WriteRaw("\n")
			case tag == "td" || tag == "th":
				if tt == html.StartTagToken && !t.atLineStart() {
					t.WriteRaw("\t")
				}
			case blockElements[tag]:
				if tag == "pre" {
					if tt == html.StartTagToken {
						pre++
					} else if tt == html.EndTagToken && pre > 0 {
						pre--
					}
				}
				if paragraphElements[tag] {
					t.EndLines(2)
				} else {
					t.EndLines(1)
				}
				if tag == "li" && tt == html.StartTagToken {
					t.WriteRaw("- ")
				}
			}
		}
	}
}

// textWriter accumulates rendered text, collapsing whitespace between words.
type textWriter struct {
	buf []byte
}

// WriteText appends text with runs of whitespace reduced to a single space.
func (t *textWriter) WriteText(s string) {
	for _, r := range s {
		if isSpace(r) {
			if !t.atLineStart() && t.last() != ' ' {
				t.buf = append(t.buf, ' ')
			}
			continue
		}
		t.buf = append(t.buf, string(r)...)
	}
}

// WriteRaw appends s unchanged.
func (t *textWriter) WriteRaw(s string) {
	t.trimSpace()
	t.buf = append(t.buf, s...)
}

// EndLines makes sure the output ends with at least n line breaks, unless it is still empty.
func (t *textWriter) EndLines(n int) {
	if len(t.buf) == 0 {
		return
	}
	t.trimSpace()
	have := 0
	for i := len(t.buf) - 1; i >= 0 && t.buf[i] == '\n'; i-- {
		have++
	}
	for ; have < n; have++ {
		t.buf = append(t.buf, '\n')
	}
}

func (t *textWriter) String() string {
	return strings.TrimSpace(string(t.buf))
}

func (t *textWriter) atLineStart() bool {
	return len(t.buf) == 0 || t.last() == '\n'
}

func (t *textWriter) last() byte {
	return t.buf[len(t.buf)-1]
}

func (t *textWriter) trimSpace() {
	for len(t.buf) > 0 && t.last() == ' ' {
		t.buf = t.buf[:len(t.buf)-1]
	}
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\u00a0'
}
