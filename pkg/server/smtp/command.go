package smtp

import (
	"strings"
)

// Verb identifies an SMTP command keyword.
type Verb int

const (
	// UNKNOWN is any unrecognized or oversized line.
	UNKNOWN Verb = iota
	HELO
	EHLO
	MAIL
	RCPT
	DATA
	RSET
	NOOP
	QUIT
	AUTH
	VRFY
	EXPN
	HELP
	STARTTLS
)

var verbs = map[string]Verb{
	"HELO":     HELO,
	"EHLO":     EHLO,
	"MAIL":     MAIL,
	"RCPT":     RCPT,
	"DATA":     DATA,
	"RSET":     RSET,
	"NOOP":     NOOP,
	"QUIT":     QUIT,
	"AUTH":     AUTH,
	"VRFY":     VRFY,
	"EXPN":     EXPN,
	"HELP":     HELP,
	"STARTTLS": STARTTLS,
}

func (v Verb) String() string {
	for name, verb := range verbs {
		if verb == v {
			return name
		}
	}
	return "UNKNOWN"
}

// Command is a lexed command line.
type Command struct {
	Verb    Verb
	Keyword string // Keyword as received, uppercased.
	Arg     string // Remainder of the line after the keyword and its separating whitespace.
}

// Lex splits a command line into keyword and argument.  The keyword is matched case-insensitively
// and leading whitespace is ignored.  Lines longer than maxLen, when maxLen is positive, lex as
// UNKNOWN.
func Lex(line string, maxLen int) Command {
	line = strings.TrimRight(line, "\r\n")
	if maxLen > 0 && len(line) > maxLen {
		return Command{Verb: UNKNOWN}
	}
	line = strings.TrimLeft(line, " \t")
	keyword, arg, _ := strings.Cut(line, " ")
	if i := strings.IndexByte(keyword, '\t'); i >= 0 {
		keyword, arg = line[:i], line[i+1:]
	}
	keyword = strings.ToUpper(keyword)
	arg = strings.TrimLeft(arg, " \t")
	return Command{Verb: verbs[keyword], Keyword: keyword, Arg: arg}
}
