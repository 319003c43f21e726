package smtp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/extension"
	"github.com/inbucket/smtp2tg/pkg/relay"
	"github.com/inbucket/smtp2tg/pkg/test"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptStep struct {
	send   string
	expect int
}

// Test valid commands in GREET state.
func TestGreetStateValidCommands(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	tests := []scriptStep{
		{"HELO mydomain", 250},
		{"HELO mydom.com", 250},
		{"HelO mydom.com", 250},
		{"helo 127.0.0.1", 250},
		{"HELO ABC", 250},
		{"EHLO mydomain", 250},
		{"EHLO mydom.com", 250},
		{"EhlO mydom.com", 250},
		{"ehlo 127.0.0.1", 250},
		{"EHLO a", 250},
		{"NOOP", 250},
		{"RSET", 250},
		{"VRFY someone", 252},
		{"HELP", 214},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// Test invalid commands in GREET state.
func TestGreetState(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	tests := []scriptStep{
		{"HELO", 501},
		{"EHLO", 501},
		{"HELLO", 500},
		{"HELL", 500},
		{"hello", 500},
		{"Outlook", 500},
		{"MAIL FROM:<john@gmail.com>", 503},
		{"RCPT TO:<u1@gmail.com>", 503},
		{"DATA", 503},
		{"EXPN list", 502},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

func TestNullSender(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	// Bounce messages carry an empty reverse path.
	script := []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
	}
	playSession(t, server, script)

	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM: <>", 250},
	}
	playSession(t, server, script)
}

// Test AUTH commands.
func TestAuth(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	// PLAIN AUTH
	script := []scriptStep{
		{"EHLO localhost", 250},
		{"AUTH PLAIN aW5idWNrZXQ6cGFzc3dvcmQK", 235},
		{"RSET", 250},
		{"AUTH GSSAPI aW5idWNrZXQ6cGFzc3dvcmQK", 504},
		{"RSET", 250},
		{"AUTH PLAIN", 334},
		{"aW5idWNrZXQ6cGFzc3dvcmQK", 235},
		{"RSET", 250},
		{"AUTH PLAIN aW5idWNrZXQ6cG Fzc3dvcmQK", 501},
	}
	playSession(t, server, script)

	// LOGIN AUTH
	script = []scriptStep{
		{"EHLO localhost", 250},
		{"AUTH LOGIN", 334}, // Test with user/pass present.
		{"username", 334},
		{"password", 235},
		{"RSET", 250},
		{"AUTH LOGIN", 334}, // Test with empty user/pass.
		{"", 334},
		{"", 235},
		{"AUTH LOGIN", 334}, // Test cancellation.
		{"*", 501},
		{"MAIL FROM:<john@gmail.com>", 250},
	}
	playSession(t, server, script)
}

// Test TLS commands.
func TestTLS(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	// Test Start TLS parsing.
	script := []scriptStep{
		{"HELO localhost", 250},
		{"STARTTLS", 502}, // TLS unsupported.
		{"MAIL FROM:<john@gmail.com>", 250},
	}

	playSession(t, server, script)
}

// Test valid commands in READY state.
func TestReadyStateValidCommands(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	// Test out some valid MAIL commands
	tests := []scriptStep{
		{"MAIL FROM:<john@gmail.com>", 250},
		{"MAIL FROM: <john@gmail.com>", 250},
		{"MAIL FROM: <john@gmail.com> BODY=8BITMIME", 250},
		{"MAIL FROM:<john@gmail.com> SIZE=1024", 250},
		{"MAIL FROM:<john@gmail.com> SIZE=1024 BODY=8BITMIME", 250},
		{"MAIL FROM:<bounces@onmicrosoft.com> SIZE=4096 AUTH=<>", 250},
		{"MAIL FROM:<b@o.com> SIZE=4096 AUTH=<> BODY=7BIT", 250},
		{"MAIL FROM:<host!host!user/data@foo.com>", 250},
		{"mail from:<john@gmail.com>", 250},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				{"HELO localhost", 250},
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// Test invalid commands in READY state.
func TestReadyStateInvalidCommands(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	tests := []scriptStep{
		{"FOOB", 500},
		{"HELO", 501},
		{"DATA", 503},
		{"RCPT TO:<u1@gmail.com>", 503},
		{"MAIL", 501},
		{"MAIL FROM john@gmail.com", 501},
		{"MAIL FROM:john@gmail.com", 501},
		{"MAIL FROM:<john@gmail.com> SIZE=147KB", 501},
		{"MAIL FROM:<john@gmail.com> SIZE=20001", 552},
		{"MAIL FROM:<first last@gmail.com>", 501},
	}

	for _, tc := range tests {
		t.Run(tc.send, func(t *testing.T) {
			script := []scriptStep{
				{"HELO localhost", 250},
				tc,
				{"QUIT", 221}}
			playSession(t, server, script)
		})
	}
}

// Test commands in MAIL state
func TestMailState(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	// Test out some mangled READY commands
	script := []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"FOOB", 500},
		{"HELO", 503},
		{"DATA", 503},
		{"MAIL", 501},
		{"RCPT", 501},
		{"RCPT TO", 501},
		{"RCPT TO james@gmail.com", 501},
		{"RCPT TO:<first last@host.com>", 501},
		{"RCPT TO:<fred@fish@host.com", 501},
	}
	playSession(t, server, script)

	// Test out some good RCPT commands
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RCPT TO: <u2@gmail.com>", 250},
		{"RSET", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@[127.0.0.1]>", 250},
		{"RCPT TO:<u1@[IPv6:2001:db8:aaaa:1::100]>", 250},
	}
	playSession(t, server, script)

	// Test out recipient limit
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RCPT TO:<u2@gmail.com>", 250},
		{"RCPT TO:<u3@gmail.com>", 250},
		{"RCPT TO:<u4@gmail.com>", 250},
		{"RCPT TO:<u5@gmail.com>", 250},
		{"RCPT TO:<u6@gmail.com>", 552},
	}
	playSession(t, server, script)

	// Test DATA
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"DATA", 354},
		{".", 250},
	}
	playSession(t, server, script)

	// Test late EHLO, only permitted between transactions
	script = []scriptStep{
		{"EHLO localhost", 250},
		{"EHLO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"EHLO localhost", 503},
		{"RSET", 250},
		{"EHLO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
	}
	playSession(t, server, script)

	// Test RSET
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RSET", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
	}
	playSession(t, server, script)

	// Test QUIT
	script = []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"QUIT", 221},
	}
	playSession(t, server, script)
}

// Test commands in DATA state
func TestDataState(t *testing.T) {
	relayer := test.NewRelayer()
	server := setupSMTPServer(relayer)

	c := startSMTPSession(t, server)
	script := []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"RCPT TO:<u2@gmail.com>", 250},
		{"DATA", 354},
	}
	playScriptAgainst(t, c, script)

	// Send a message
	body := `To: u1@gmail.com
From: john@gmail.com
Subject: test

Hi!
.dotted line
`
	sendData(t, c, body, 250)

	// Test with no useful headers.
	playScriptAgainst(t, c, []scriptStep{
		{"MAIL FROM:<jane@gmail.com>", 250},
		{"RCPT TO:<u3@gmail.com>", 250},
		{"DATA", 354},
	})
	body = `X-Useless-Header: true

Hi! Can you still deliver this?
`
	sendData(t, c, body, 250)
	_, _ = c.Cmd("QUIT")
	_, _, _ = c.ReadCodeLine(221)

	msgs := relayer.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "localhost", msgs[0].Peer)
	assert.Equal(t, "john@gmail.com", msgs[0].From)
	assert.Equal(t, []string{"u1@gmail.com", "u2@gmail.com"}, msgs[0].Recipients)
	assert.Equal(t, "test", msgs[0].Subject())
	assert.Equal(t, "Hi!\n.dotted line", msgs[0].Text())
	assert.Equal(t, "jane@gmail.com", msgs[1].From)
	assert.Equal(t, []string{"u3@gmail.com"}, msgs[1].Recipients)
	assert.Equal(t, "Hi! Can you still deliver this?", msgs[1].Text())
}

func TestDataTooLarge(t *testing.T) {
	relayer := test.NewRelayer()
	server := setupSMTPServer(relayer)

	c := startSMTPSession(t, server)
	playScriptAgainst(t, c, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"DATA", 354},
	})
	sendData(t, c, strings.Repeat("0123456789\n", 2000), 552)

	// The session survives and accepts another transaction.
	playScriptAgainst(t, c, []scriptStep{
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"DATA", 354},
	})
	sendData(t, c, "small\n", 250)

	msgs := relayer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "small", msgs[0].Text())
}

func TestCommandTooLong(t *testing.T) {
	server := setupSMTPServer(test.NewRelayer())

	script := []scriptStep{
		{"HELO " + strings.Repeat("a", 996), 500},
		{"HELO " + strings.Repeat("a", 995), 250},
	}
	playSession(t, server, script)
}

func TestRelayFailureDefersMessage(t *testing.T) {
	relayer := test.NewFailingRelayer()
	server := setupSMTPServer(relayer)

	c := startSMTPSession(t, server)
	playScriptAgainst(t, c, []scriptStep{
		{"HELO localhost", 250},
		{"MAIL FROM:<john@gmail.com>", 250},
		{"RCPT TO:<u1@gmail.com>", 250},
		{"DATA", 354},
	})
	sendData(t, c, "Hello world\n", 451)

	// The transaction is over regardless.
	playScriptAgainst(t, c, []scriptStep{
		{"DATA", 503},
		{"MAIL FROM:<john@gmail.com>", 250},
	})
	assert.Len(t, relayer.Messages(), 1)
}

func TestRelayedEndToEnd(t *testing.T) {
	tcs := map[string]struct {
		body  string
		check func(t *testing.T, texts []string)
	}{
		"single chunk": {
			body: "Subject: hi\r\n\r\nHello world",
			check: func(t *testing.T, texts []string) {
				// Headers are not relayed and a single chunk carries no marker.
				require.Len(t, texts, 1)
				assert.Equal(t, "Hello world", texts[0])
			},
		},
		"headerless body": {
			body: "Hello world\n",
			check: func(t *testing.T, texts []string) {
				assert.Equal(t, []string{"Hello world"}, texts)
			},
		},
		"three chunks": {
			body: strings.Repeat("x", 10000) + "\n",
			check: func(t *testing.T, texts []string) {
				require.Len(t, texts, 3)
				var joined strings.Builder
				for i, text := range texts {
					marker := fmt.Sprintf("(%d/3) ", i+1)
					assert.True(t, strings.HasPrefix(text, marker), "chunk %d: %.20q", i+1, text)
					assert.LessOrEqual(t, utf8.RuneCountInString(text), 4096)
					joined.WriteString(strings.TrimPrefix(text, marker))
				}
				assert.Equal(t, strings.Repeat("x", 10000), joined.String())
			},
		},
	}
	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			dest := test.NewDestination()
			pipeline := relay.NewPipeline(config.Telegram{
				ChunkSize:   4096,
				Lookback:    500,
				MaxAttempts: 1,
			}, dest, extension.NewHost())
			server := setupSMTPServer(pipeline)

			c := startSMTPSession(t, server)
			playScriptAgainst(t, c, []scriptStep{
				{"EHLO localhost", 250},
				{"MAIL FROM:<john@gmail.com>", 250},
				{"RCPT TO:<u1@gmail.com>", 250},
				{"DATA", 354},
			})
			sendData(t, c, tc.body, 250)
			tc.check(t, dest.Texts())
		})
	}
}

func playSession(t *testing.T, server *Server, script []scriptStep) {
	t.Helper()
	c := startSMTPSession(t, server)

	playScriptAgainst(t, c, script)

	// Not all tests leave the session in a clean state, so the following two calls can fail
	_, _ = c.Cmd("QUIT")
	_, _, _ = c.ReadCodeLine(221)
}

// playScriptAgainst an existing connection, does not handle server greeting
func playScriptAgainst(t *testing.T, c *textproto.Conn, script []scriptStep) {
	t.Helper()

	for i, step := range script {
		id, err := c.Cmd("%s", step.send)
		if err != nil {
			t.Fatalf("Step %d, failed to send %q: %v", i, step.send, err)
		}

		c.StartResponse(id)
		code, msg, err := c.ReadResponse(step.expect)
		if err != nil {
			err = fmt.Errorf("Step %d, sent %q, expected %v, got %v: %q",
				i, step.send, step.expect, code, msg)
		}
		c.EndResponse(id)

		if err != nil {
			// Fail after c.EndResponse so we don't hang the connection
			t.Fatal(err)
		}
	}
}

// sendData writes body as DATA content and checks the final reply code.
func sendData(t *testing.T, c *textproto.Conn, body string, expect int) {
	t.Helper()
	dw := c.DotWriter()
	_, _ = io.WriteString(dw, body)
	_ = dw.Close()
	if code, msg, err := c.ReadResponse(expect); err != nil {
		t.Fatalf("Expected %v after DATA, got %v: %q", expect, code, msg)
	}
}

// net.Pipe does not implement deadlines
type mockConn struct {
	net.Conn
}

func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// Creates an unstarted smtp.Server.
func setupSMTPServer(relayer relay.Relayer) *Server {
	cfg := config.SMTP{
		Bind:            "127.0.0.1",
		Port:            2525,
		Domain:          "smtp2tg.local",
		MaxRecipients:   5,
		MaxMessageBytes: 20000,
		MaxLineLength:   1000,
		Timeout:         5 * time.Second,
		MaxSession:      time.Minute,
	}

	// Create a server, but don't start it.
	return NewServer(cfg, relayer)
}

var sessionNum int

// setupSMTPSession starts a session on one end of a pipe and returns the other.
func setupSMTPSession(t *testing.T, server *Server) net.Conn {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	serverConn, clientConn := net.Pipe()
	conn := &mockConn{serverConn}
	require.True(t, server.track(conn), "server is draining")

	done := make(chan struct{})
	t.Cleanup(func() {
		_ = clientConn.Close()

		// Waiting is required to prevent a test-logging data race. If a (failing) test run is
		// hanging, this may be the culprit.
		<-done
	})

	// Start the session.
	sessionNum++
	id := sessionNum
	go func() {
		defer close(done)
		server.startSession(id, conn, logger)
	}()

	return clientConn
}

// startSMTPSession connects and consumes the greeting.
func startSMTPSession(t *testing.T, server *Server) *textproto.Conn {
	t.Helper()
	c := textproto.NewConn(setupSMTPSession(t, server))
	if code, _, err := c.ReadCodeLine(220); err != nil {
		t.Fatalf("Expected a 220 greeting, got %v", code)
	}
	return c
}
