package smtp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/inbucket/smtp2tg/pkg/message"
	"github.com/rs/zerolog"
)

// errShutdown is returned by readLine once the server has stopped accepting connections.
var errShutdown = errors.New("server shutting down")

// Session holds the state of an SMTP session
type Session struct {
	*Server                    // Server this session belongs to.
	id         int             // Session ID.
	conn       net.Conn        // TCP connection.
	remoteHost string          // Remote host.
	sendError  error           // Last network send error.
	machine    Machine         // Protocol state.
	started    time.Time       // Session start, bounds total session duration.
	logger     zerolog.Logger  // Session specific logger.
	debug      bool            // Print network traffic to stdout.
	text       *textproto.Conn // Line oriented reader and writer on conn.
}

// NewSession creates a new Session for the given connection
func NewSession(server *Server, id int, conn net.Conn, logger zerolog.Logger) *Session {
	remoteHost := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remoteHost); err == nil {
		remoteHost = host
	}

	return &Session{
		Server:     server,
		id:         id,
		conn:       conn,
		remoteHost: remoteHost,
		machine:    NewMachine(server.limits),
		started:    time.Now(),
		logger:     logger,
		debug:      server.config.Debug,
		text:       textproto.NewConn(conn),
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("Session{id: %v, state: %v}", s.id, s.machine.State)
}

// Session flow:
//  1. Send initial greeting
//  2. Read a line, lex it unless the machine expects raw input
//  3. Apply it to the state machine and send the reply
//  4. Relay any completed message before replying
//  5. Goto 2
func (s *Server) startSession(id int, conn net.Conn, logger zerolog.Logger) {
	logger = logger.Hook(logHook{}).With().
		Str("module", "smtp").
		Str("remote", conn.RemoteAddr().String()).
		Int("session", id).Logger()
	logger.Info().Msg("Starting SMTP session")

	// Update counters.
	expConnectsCurrent.Add(1)
	expConnectsTotal.Add(1)
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn().Err(err).Msg("Closing connection")
		}
		s.untrack(conn)
		expConnectsCurrent.Add(-1)
	}()

	ssn := NewSession(s, id, conn, logger)
	ssn.greet()

	// This is our command reading loop
	for ssn.machine.State != Closed && ssn.sendError == nil {
		line, err := ssn.readLine()
		if err != nil {
			ssn.readError(err)
			break
		}

		prev := ssn.machine.State
		var result Result
		if ssn.machine.Raw() {
			ssn.machine, result = ssn.machine.Feed(line)
		} else {
			cmd := Lex(line, s.config.MaxLineLength)
			ssn.logger.Debug().Msgf("Command received: %v", cmd.Keyword)
			ssn.machine, result = ssn.machine.Apply(cmd)
			if result.Reply.Code >= 500 {
				ssn.logger.Warn().Int("code", result.Reply.Code).Str("state", prev.String()).
					Msgf("Rejected %v command", cmd.Keyword)
			}
		}
		if ssn.machine.State != prev {
			ssn.logger.Debug().Msgf("Entering state %v", ssn.machine.State)
		}
		if result.Message != nil {
			result.Reply = ssn.relay(result.Message, result.Reply)
		}
		ssn.reply(result.Reply)
	}
	if ssn.sendError != nil {
		logger.Warn().Err(ssn.sendError).Msg("Network send error")
	}
	logger.Info().Msg("Closing connection")
}

// relay hands a completed message to the relayer and picks the final DATA reply.
func (s *Session) relay(msg *message.Message, accepted Reply) Reply {
	expReceivedTotal.Add(1)
	s.logger.Info().Str("id", msg.ID).Int("size", msg.Size()).
		Int("recipients", len(msg.Recipients)).Msg("Message received")

	report := s.relayer.Relay(s.relayCtx, msg)
	if report.Delivered() {
		return accepted
	}
	return reply(451, "Failed to relay message, try again later")
}

// readError reports why the read loop is ending to the client where appropriate.
func (s *Session) readError(err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, errShutdown) || s.shuttingDown():
		s.send(fmt.Sprintf("421 %v Service shutting down, closing connection", s.config.Domain))
	case errors.As(err, &netErr) && netErr.Timeout():
		if s.config.MaxSession > 0 && !time.Now().Before(s.started.Add(s.config.MaxSession)) {
			s.send(fmt.Sprintf("421 %v Session time limit exceeded, bye bye", s.config.Domain))
			s.logger.Warn().Msg("Session time limit exceeded")
		} else {
			s.send(fmt.Sprintf("421 %v Idle timeout, bye bye", s.config.Domain))
			s.logger.Info().Msg("Idle timeout")
		}
	case errors.Is(err, io.EOF):
		// Client closed the connection.
		s.logger.Debug().Msg("Client disconnected")
	case errors.Is(err, net.ErrClosed):
		s.logger.Debug().Msg("Connection closed during shutdown")
	default:
		s.logger.Warn().Err(err).Msg("Connection error")
		s.send("421 Connection error, sorry")
	}
}

func (s *Session) greet() {
	s.send(fmt.Sprintf("220 %v smtp2tg ready", s.config.Domain))
}

// nextDeadline calculates the next read or write deadline based on configured timeout, bounded by
// the total session duration.
func (s *Session) nextDeadline() time.Time {
	deadline := time.Now().Add(s.config.Timeout)
	if s.config.MaxSession > 0 {
		if limit := s.started.Add(s.config.MaxSession); limit.Before(deadline) {
			return limit
		}
	}
	return deadline
}

// reply sends every line of r.
func (s *Session) reply(r Reply) {
	for _, line := range r.Format() {
		s.send(line)
	}
}

// Send requested message, store errors in Session.sendError
func (s *Session) send(msg string) {
	if s.sendError != nil {
		return
	}
	if err := s.conn.SetWriteDeadline(s.nextDeadline()); err != nil {
		s.sendError = err
		return
	}
	if err := s.text.PrintfLine("%s", msg); err != nil {
		s.sendError = err
		s.logger.Warn().Msgf("Failed to send: %q", msg)
		return
	}
	if s.debug {
		fmt.Printf("%04d > %v\n", s.id, msg)
	}
}

// readLine reads a line of input respecting deadlines.
func (s *Session) readLine() (line string, err error) {
	if err = s.conn.SetReadDeadline(s.nextDeadline()); err != nil {
		return "", err
	}
	// Checked after setting the deadline, so that a shutdown interrupt cannot be overwritten.
	if s.shuttingDown() {
		return "", errShutdown
	}
	line, err = s.text.ReadLine()
	if err != nil {
		return "", err
	}
	if s.debug {
		fmt.Printf("%04d   %v\n", s.id, strings.TrimRight(line, "\r\n"))
	}
	return line, nil
}
