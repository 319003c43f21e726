package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/inbucket/smtp2tg/pkg/message"
)

// State tracks the current mode of our SMTP state machine.
type State int

const (
	// Greeting State: Waiting for HELO
	Greeting State = iota
	// Idle State: Got HELO, waiting for MAIL
	Idle
	// MailFrom State: Got MAIL, waiting for RCPT
	MailFrom
	// RcptTo State: Got RCPT, accepting more RCPTs or DATA
	RcptTo
	// Data State: Got DATA, waiting for "."
	Data
	// Closed State: Client requested end of session
	Closed
)

func (s State) String() string {
	switch s {
	case Greeting:
		return "Greeting"
	case Idle:
		return "Idle"
	case MailFrom:
		return "MailFrom"
	case RcptTo:
		return "RcptTo"
	case Data:
		return "Data"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

const (
	// Messages sent to user during LOGIN auth procedure. Can vary, but values are taken directly
	// from https://tools.ietf.org/html/draft-murchison-sasl-login-00

	// usernameChallenge sent when inviting user to provide username. Is base64 encoded string
	// `User Name`
	usernameChallenge = "VXNlciBOYW1lAA=="

	// passwordChallenge sent when inviting user to provide password. Is base64 encoded string
	// `Password`
	passwordChallenge = "UGFzc3dvcmQA"
)

// authStep tracks an AUTH exchange that expects raw response lines.
type authStep int

const (
	authNone authStep = iota
	authPlain
	authLoginUser
	authLoginPass
)

// Reply is an SMTP response: a code and one or more text lines.
type Reply struct {
	Code  int
	Lines []string
}

// reply builds a single line Reply.
func reply(code int, format string, args ...any) Reply {
	return Reply{Code: code, Lines: []string{fmt.Sprintf(format, args...)}}
}

// Empty reports whether there is nothing to send.
func (r Reply) Empty() bool {
	return r.Code == 0
}

// Format renders the reply as wire lines, without line endings.  Every line but the last uses
// the "code-" continuation form.
func (r Reply) Format() []string {
	if r.Empty() {
		return nil
	}
	if len(r.Lines) == 0 {
		return []string{strconv.Itoa(r.Code)}
	}
	out := make([]string, len(r.Lines))
	for i, line := range r.Lines {
		sep := "-"
		if i == len(r.Lines)-1 {
			sep = " "
		}
		out[i] = strconv.Itoa(r.Code) + sep + line
	}
	return out
}

// Result is the outcome of one input line.
type Result struct {
	Reply   Reply
	Message *message.Message // Set when a DATA phase completed successfully.
}

// Limits bounds a single transaction.
type Limits struct {
	Domain          string // Domain announced in replies.
	MaxRecipients   int    // RCPT TO commands accepted per transaction.
	MaxMessageBytes int    // DATA payload size.
}

// Machine is the protocol state of one SMTP session.  Its methods do no I/O and return the next
// Machine; the DATA buffer is shared between a Machine and its successors while in the Data
// state, so only the latest value may be used.
type Machine struct {
	State      State
	Peer       string   // Identity given by HELO/EHLO.
	From       string   // Sender from MAIL, empty for the null sender.
	Recipients []string // Recipients from RCPT, in order.

	limits   Limits
	data     *bytes.Buffer
	overflow bool
	auth     authStep
}

// NewMachine returns a Machine in the Greeting state.
func NewMachine(limits Limits) Machine {
	return Machine{State: Greeting, limits: limits}
}

// Raw reports whether the next line must be passed to Feed instead of Apply: message content
// while in the Data state, or a response during an AUTH exchange.
func (m Machine) Raw() bool {
	return m.State == Data || m.auth != authNone
}

// transition handles one command in one state.
type transition func(m Machine, cmd Command) (Machine, Result)

// transitions is the dispatch table.  A verb missing from a state's row is out of sequence.
var transitions = map[State]map[Verb]transition{
	Greeting: {
		HELO: helo, EHLO: helo, RSET: rset, QUIT: quit, NOOP: noop,
	},
	Idle: {
		HELO: helo, EHLO: helo, MAIL: mail, RSET: rset, QUIT: quit, NOOP: noop, AUTH: auth,
	},
	MailFrom: {
		MAIL: mail, RCPT: rcpt, RSET: rset, QUIT: quit, NOOP: noop,
	},
	RcptTo: {
		RCPT: rcpt, DATA: data, RSET: rset, QUIT: quit, NOOP: noop,
	},
}

// anyState handles verbs that behave the same outside of Data.
var anyState = map[Verb]transition{
	VRFY: func(m Machine, _ Command) (Machine, Result) {
		return m, Result{Reply: reply(252, "Cannot VRFY user, but will accept message")}
	},
	EXPN: func(m Machine, cmd Command) (Machine, Result) {
		return m, Result{Reply: reply(502, "%v command not implemented", cmd.Keyword)}
	},
	HELP: func(m Machine, _ Command) (Machine, Result) {
		return m, Result{Reply: Reply{Code: 214, Lines: []string{
			"Commands: HELO EHLO MAIL RCPT DATA RSET NOOP QUIT AUTH VRFY",
			"Mail is relayed to a Telegram chat",
		}}}
	},
	STARTTLS: func(m Machine, _ Command) (Machine, Result) {
		return m, Result{Reply: reply(502, "TLS not supported")}
	},
}

// Apply runs a lexed command line through the dispatch table.  Rejected commands leave the state
// unchanged.
func (m Machine) Apply(cmd Command) (Machine, Result) {
	if m.State == Closed || m.Raw() {
		return m, Result{Reply: reply(503, "Bad sequence of commands")}
	}
	if cmd.Verb == UNKNOWN {
		if cmd.Keyword == "" {
			return m, Result{Reply: reply(500, "Syntax error, command garbled")}
		}
		return m, Result{Reply: reply(500, "Syntax error, %v command unrecognized", cmd.Keyword)}
	}
	if t, ok := transitions[m.State][cmd.Verb]; ok {
		return t(m, cmd)
	}
	if t, ok := anyState[cmd.Verb]; ok {
		return t(m, cmd)
	}
	return m, Result{Reply: reply(503, "Bad sequence of commands: %v not expected in %v",
		cmd.Verb, m.State)}
}

// Feed handles a raw line: message content in Data, or an AUTH response.
func (m Machine) Feed(line string) (Machine, Result) {
	switch {
	case m.State == Data:
		return m.feedData(line)
	case m.auth != authNone:
		return m.feedAuth(line)
	}
	return m, Result{Reply: reply(503, "Bad sequence of commands")}
}

func (m Machine) feedData(line string) (Machine, Result) {
	if line == "." {
		if m.overflow {
			m = m.reset(Idle)
			return m, Result{Reply: reply(552, "Max message size %v exceeded",
				m.limits.MaxMessageBytes)}
		}
		msg := message.New(m.Peer, m.From, m.Recipients, m.data.Bytes())
		m = m.reset(Idle)
		return m, Result{
			Reply:   reply(250, "Mail accepted for delivery, id %v", msg.ID),
			Message: msg,
		}
	}
	if m.overflow {
		return m, Result{}
	}
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	if m.data.Len()+len(line)+2 > m.limits.MaxMessageBytes {
		// Discard the rest of the message, the terminator still has to be read.
		m.overflow = true
		m.data = nil
		return m, Result{}
	}
	m.data.WriteString(line)
	m.data.WriteString("\r\n")
	return m, Result{}
}

func (m Machine) feedAuth(line string) (Machine, Result) {
	step := m.auth
	m.auth = authNone
	line = strings.TrimSpace(line)
	if line == "*" {
		return m, Result{Reply: reply(501, "Authentication cancelled")}
	}
	if !validBase64(line) {
		return m, Result{Reply: reply(501, "Invalid base64 in authentication response")}
	}
	if step == authLoginUser {
		m.auth = authLoginPass
		return m, Result{Reply: reply(334, "%v", passwordChallenge)}
	}
	return m, Result{Reply: reply(235, "2.7.0 Authentication successful")}
}

// reset clears the transaction and moves to state.
func (m Machine) reset(state State) Machine {
	m.State = state
	m.From = ""
	m.Recipients = nil
	m.data = nil
	m.overflow = false
	m.auth = authNone
	return m
}

func helo(m Machine, cmd Command) (Machine, Result) {
	peer := strings.TrimSpace(cmd.Arg)
	if peer == "" {
		return m, Result{Reply: reply(501, "Domain/address argument required for %v", cmd.Verb)}
	}
	m = m.reset(Idle)
	m.Peer = peer
	banner := fmt.Sprintf("%v Hello %v, mail is relayed to Telegram", m.limits.Domain, peer)
	if cmd.Verb == HELO {
		return m, Result{Reply: reply(250, "%v", banner)}
	}
	return m, Result{Reply: Reply{Code: 250, Lines: []string{
		banner,
		"8BITMIME",
		"AUTH PLAIN LOGIN",
		fmt.Sprintf("SIZE %v", m.limits.MaxMessageBytes),
	}}}
}

func rset(m Machine, _ Command) (Machine, Result) {
	peer := m.Peer
	m = m.reset(Idle)
	m.Peer = peer
	return m, Result{Reply: reply(250, "Session reset")}
}

func quit(m Machine, _ Command) (Machine, Result) {
	m = m.reset(Closed)
	return m, Result{Reply: reply(221, "Goodnight and good luck")}
}

func noop(m Machine, _ Command) (Machine, Result) {
	return m, Result{Reply: reply(250, "I have successfully done nothing")}
}

func mail(m Machine, cmd Command) (Machine, Result) {
	from, params, ok := parsePath(cmd.Arg, "FROM:")
	if !ok {
		return m, Result{Reply: reply(501, "Was expecting MAIL arg syntax of FROM:<address>")}
	}
	if strings.ContainsAny(from, " \t") {
		return m, Result{Reply: reply(501, "Bad sender address syntax")}
	}
	args, ok := parseArgs(params)
	if !ok {
		return m, Result{Reply: reply(501, "Unable to parse MAIL ESMTP parameters")}
	}
	if sizeVal, ok := args["SIZE"]; ok {
		size, err := strconv.Atoi(sizeVal)
		if err != nil {
			return m, Result{Reply: reply(501, "Unable to parse SIZE as an integer")}
		}
		if size > m.limits.MaxMessageBytes {
			return m, Result{Reply: reply(552, "Max message size exceeded")}
		}
	}
	m.State = MailFrom
	m.From = from
	m.Recipients = nil
	return m, Result{Reply: reply(250, "Roger, accepting mail from <%v>", from)}
}

func rcpt(m Machine, cmd Command) (Machine, Result) {
	to, _, ok := parsePath(cmd.Arg, "TO:")
	if !ok {
		return m, Result{Reply: reply(501, "Was expecting RCPT arg syntax of TO:<address>")}
	}
	if to == "" || strings.ContainsAny(to, " \t") {
		return m, Result{Reply: reply(501, "Bad recipient address syntax")}
	}
	if len(m.Recipients) >= m.limits.MaxRecipients {
		return m, Result{Reply: reply(552, "Limit of %v recipients exceeded",
			m.limits.MaxRecipients)}
	}
	// Copy so that earlier Machine values keep their own recipient list.
	recipients := make([]string, len(m.Recipients), len(m.Recipients)+1)
	copy(recipients, m.Recipients)
	m.Recipients = append(recipients, to)
	m.State = RcptTo
	return m, Result{Reply: reply(250, "I'll make sure <%v> gets this", to)}
}

func data(m Machine, cmd Command) (Machine, Result) {
	if cmd.Arg != "" {
		return m, Result{Reply: reply(501, "DATA command should not have any arguments")}
	}
	m.State = Data
	m.data = &bytes.Buffer{}
	m.overflow = false
	return m, Result{Reply: reply(354, "Start mail input; end with <CRLF>.<CRLF>")}
}

func auth(m Machine, cmd Command) (Machine, Result) {
	mechanism, initial, _ := strings.Cut(strings.TrimSpace(cmd.Arg), " ")
	initial = strings.TrimSpace(initial)
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			m.auth = authPlain
			return m, Result{Reply: reply(334, "")}
		}
		if !validBase64(initial) {
			return m, Result{Reply: reply(501, "Invalid base64 in authentication response")}
		}
		return m, Result{Reply: reply(235, "2.7.0 Authentication successful")}
	case "LOGIN":
		if initial == "" {
			m.auth = authLoginUser
			return m, Result{Reply: reply(334, "%v", usernameChallenge)}
		}
		if !validBase64(initial) {
			return m, Result{Reply: reply(501, "Invalid base64 in authentication response")}
		}
		m.auth = authLoginPass
		return m, Result{Reply: reply(334, "%v", passwordChallenge)}
	case "":
		return m, Result{Reply: reply(501, "AUTH requires a mechanism")}
	}
	return m, Result{Reply: reply(504, "Unsupported AUTH method: %v", mechanism)}
}

// parsePath extracts the <address> following keyword, and any ESMTP parameters after it.
func parsePath(arg, keyword string) (addr, params string, ok bool) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", "", false
	}
	rest := strings.TrimLeft(arg[len(keyword):], " ")
	if !strings.HasPrefix(rest, "<") {
		return "", "", false
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", "", false
	}
	return rest[1:end], strings.TrimSpace(rest[end+1:]), true
}

// parseArgs takes the ESMTP parameters following a path and files them into a map after
// uppercasing each key.  Sample arg string:
//
//	"BODY=8BITMIME SIZE=1024"
func parseArgs(params string) (map[string]string, bool) {
	args := make(map[string]string)
	for _, field := range strings.Fields(params) {
		key, value, _ := strings.Cut(field, "=")
		if key == "" {
			return nil, false
		}
		args[strings.ToUpper(key)] = value
	}
	return args, true
}

func validBase64(s string) bool {
	if s == "=" {
		// Zero length response.
		return true
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}
