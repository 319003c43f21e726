package message

import (
	"strings"

	"github.com/gorilla/css/scanner"
	"golang.org/x/net/html"
)

// voidElements never have an end tag.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true, "img": true,
	"input": true, "link": true, "meta": true, "source": true, "track": true, "wbr": true,
}

// dropHidden removes elements whose inline style hides them, such as the preheader text many
// mailers place at the top of HTML messages.
func dropHidden(input string) string {
	if !strings.Contains(input, "style") {
		return input
	}
	z := html.NewTokenizer(strings.NewReader(input))
	b := &strings.Builder{}
	skipTag := ""
	skipDepth := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return b.String()
		}
		if skipDepth > 0 {
			name, _ := z.TagName()
			if string(name) == skipTag {
				switch tt {
				case html.StartTagToken:
					skipDepth++
				case html.EndTagToken:
					skipDepth--
				}
			}
			continue
		}
		if tt == html.StartTagToken {
			name, hasAttr := z.TagName()
			tag := string(name)
			if hasAttr && !voidElements[tag] && hiddenAttr(z) {
				skipTag = tag
				skipDepth = 1
				continue
			}
		}
		b.Write(z.Raw())
	}
}

// hiddenAttr consumes the attributes of the current tag, reporting whether its style hides it.
func hiddenAttr(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "style" && isHiddenStyle(string(val)) {
			return true
		}
		if !more {
			return false
		}
	}
}

// isHiddenStyle reports whether an inline style declares display:none or visibility:hidden.
func isHiddenStyle(style string) bool {
	scan := scanner.New(style)
	property := ""
	inValue := false
	for {
		t := scan.Next()
		switch t.Type {
		case scanner.TokenEOF, scanner.TokenError:
			return false
		case scanner.TokenIdent:
			value := strings.ToLower(t.Value)
			if !inValue {
				property = value
				continue
			}
			if (property == "display" && value == "none") ||
				(property == "visibility" && value == "hidden") {
				return true
			}
		case scanner.TokenChar:
			switch t.Value {
			case ":":
				inValue = property != ""
			case ";":
				property = ""
				inValue = false
			}
		}
	}
}
