package smtp

import (
	"container/list"
	"context"
	"expvar"
	"net"
	"sync"
	"time"

	"github.com/inbucket/smtp2tg/pkg/config"
	"github.com/inbucket/smtp2tg/pkg/metric"
	"github.com/inbucket/smtp2tg/pkg/relay"
	"github.com/rs/zerolog/log"
)

var (
	// Raw stat collectors
	expConnectsTotal   = new(expvar.Int)
	expConnectsCurrent = new(expvar.Int)
	expReceivedTotal   = new(expvar.Int)
	expErrorsTotal     = new(expvar.Int)
	expWarnsTotal      = new(expvar.Int)

	// History of certain stats
	receivedHist = list.New()
	connectsHist = list.New()
	errorsHist   = list.New()
	warnsHist    = list.New()

	// History rendered as comma delim string
	expReceivedHist = new(expvar.String)
	expConnectsHist = new(expvar.String)
	expErrorsHist   = new(expvar.String)
	expWarnsHist    = new(expvar.String)
)

func init() {
	m := expvar.NewMap("smtp")
	m.Set("ConnectsTotal", expConnectsTotal)
	m.Set("ConnectsHist", expConnectsHist)
	m.Set("ConnectsCurrent", expConnectsCurrent)
	m.Set("ReceivedTotal", expReceivedTotal)
	m.Set("ReceivedHist", expReceivedHist)
	m.Set("ErrorsTotal", expErrorsTotal)
	m.Set("ErrorsHist", expErrorsHist)
	m.Set("WarnsTotal", expWarnsTotal)
	m.Set("WarnsHist", expWarnsHist)
	metric.AddTickerFunc(func() {
		expReceivedHist.Set(metric.Push(receivedHist, expReceivedTotal))
		expConnectsHist.Set(metric.Push(connectsHist, expConnectsTotal))
		expErrorsHist.Set(metric.Push(errorsHist, expErrorsTotal))
		expWarnsHist.Set(metric.Push(warnsHist, expWarnsTotal))
	})
}

// Server holds the configuration and state of our SMTP server.
type Server struct {
	config      config.SMTP        // SMTP configuration.
	limits      Limits             // Per transaction limits.
	relayer     relay.Relayer      // Forwards completed messages.
	listener    net.Listener       // Incoming network connections.
	wg          *sync.WaitGroup    // Waitgroup tracks individual sessions.
	notify      chan error         // Notify on fatal error.
	shutdown    chan struct{}      // Closed once no new connections are accepted.
	relayCtx    context.Context    // Parent of in-flight relays.
	relayCancel context.CancelFunc // Aborts in-flight relays when the grace period ends.

	mu       sync.Mutex            // Guards conns and draining.
	conns    map[net.Conn]struct{} // Open session connections.
	draining bool                  // Set once Drain has begun.
}

// NewServer creates a new, unstarted, SMTP server instance with the specificed config.
func NewServer(smtpConfig config.SMTP, relayer relay.Relayer) *Server {
	relayCtx, relayCancel := context.WithCancel(context.Background())
	return &Server{
		config: smtpConfig,
		limits: Limits{
			Domain:          smtpConfig.Domain,
			MaxRecipients:   smtpConfig.MaxRecipients,
			MaxMessageBytes: smtpConfig.MaxMessageBytes,
		},
		relayer:     relayer,
		wg:          new(sync.WaitGroup),
		notify:      make(chan error, 1),
		shutdown:    make(chan struct{}),
		relayCtx:    relayCtx,
		relayCancel: relayCancel,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.  Failure here is fatal to startup.
func (s *Server) Listen() error {
	slog := log.With().Str("module", "smtp").Str("phase", "startup").Logger()
	addr, err := net.ResolveTCPAddr("tcp", s.config.Addr())
	if err != nil {
		slog.Error().Err(err).Msg("Failed to build tcp address")
		return err
	}
	s.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp listener")
		return err
	}
	slog.Info().Str("addr", s.listener.Addr().String()).Msg("SMTP listening on tcp")
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done.  Open sessions are then told to finish; use Drain
// to wait for them.
func (s *Server) Serve(ctx context.Context) {
	if s.listener == nil {
		log.Error().Str("module", "smtp").Msg("Serve called before Listen")
		return
	}
	done := make(chan struct{})
	// Listener go routine.
	go func() {
		defer close(done)
		s.serve(ctx)
	}()
	// Wait for shutdown.
	<-ctx.Done()
	slog := log.With().Str("module", "smtp").Str("phase", "shutdown").Logger()
	slog.Debug().Msg("SMTP shutdown requested, connections will be drained")
	// Closing the listener will cause the serve() go routine to exit.
	if err := s.listener.Close(); err != nil {
		slog.Error().Err(err).Msg("Failed to close SMTP listener")
	}
	<-done
	close(s.shutdown)
	s.interruptReads()
}

// serve is the listen/accept loop.
func (s *Server) serve(ctx context.Context) {
	// Handle incoming connections.
	var tempDelay time.Duration
	for sessionID := 1; ; sessionID++ {
		if conn, err := s.listener.Accept(); err != nil {
			// There was an error accepting the connection.
			if nerr, ok := err.(net.Error); ok && nerr.Temporary() { //nolint:staticcheck
				// Temporary error, sleep for a bit and try again.
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Error().Str("module", "smtp").Err(err).
					Msgf("SMTP accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			} else {
				// Permanent error.
				select {
				case <-ctx.Done():
					// SMTP is shutting down.
					return
				default:
					// Something went wrong.
					s.notify <- err
					close(s.notify)
					return
				}
			}
		} else {
			tempDelay = 0
			if !s.track(conn) {
				_ = conn.Close()
				return
			}
			go s.startSession(sessionID, conn, log.Logger)
		}
	}
}

// track registers a new session connection, refusing it once draining has begun.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

// untrack is called when a session ends.
func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// interruptReads wakes sessions blocked reading so they notice the shutdown.
func (s *Server) interruptReads() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
}

// closeAll forcibly closes every open session connection.
func (s *Server) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	return len(s.conns)
}

// shuttingDown reports whether the server has stopped accepting connections.
func (s *Server) shuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Drain causes the caller to block until all active SMTP sessions have finished.  Sessions still
// open after grace have their relays cancelled and their connections closed.  Returns false if
// that was necessary.
func (s *Server) Drain(grace time.Duration) bool {
	slog := log.With().Str("module", "smtp").Str("phase", "shutdown").Logger()
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	defer s.relayCancel()

	done := make(chan struct{})
	go func() {
		// Wait for sessions to close.
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		slog.Debug().Msg("SMTP connections have drained")
		return true
	case <-timer.C:
	}

	s.relayCancel()
	n := s.closeAll()
	slog.Warn().Int("sessions", n).Dur("grace", grace).
		Msg("Grace period expired, closed remaining SMTP connections")
	<-done
	return false
}

// Notify allows the running SMTP server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}
