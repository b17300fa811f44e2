package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/migadu/kumo/pkg/metrics"
	"github.com/migadu/kumo/server"
)

const (
	// maxErrorsAllowed bounds client errors before the connection is
	// terminated.
	maxErrorsAllowed = 5
	// errorDelayUnit is multiplied by the running error count to slow down
	// misbehaving clients.
	errorDelayUnit = 250 * time.Millisecond

	readChunkSize = 4096
)

type sessionState int

const (
	stateNotAuthenticated sessionState = iota
	stateAuthenticated
)

// POP3Session is the per-connection state machine. It is owned by exactly
// one goroutine; the only shared state it touches is the server's
// SecurityManager and connection counters.
type POP3Session struct {
	server.Session
	srv *POP3Server

	// connMu orders the STLS transport swap against the server goroutine's
	// shutdown notice; everything else on conn stays session-local.
	connMu sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	parser *Parser
	rate   *commandLimiter

	state sessionState

	// AUTHORIZATION state. The APOP timestamp is generated once at greeting
	// time and never changes.
	authFailures  int
	pendingUser   string
	apopTimestamp string
	saslServer    sasl.Server
	saslMechanism string
	pendingSASL   *pendingAuth
	saslFailure   *Error

	// TRANSACTION state, populated on the NotAuthenticated to Authenticated
	// transition.
	mailbox *MailboxSnapshot
	permit  *server.Permit
	token   *server.AccessToken

	tlsActive         bool
	stlsDone          bool
	plaintextAuthSent bool

	errorsCount int
	startTime   time.Time
	ctx         context.Context
	cancel      context.CancelFunc
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.close()

	if err := writeOK(s.writer, "%s POP3 server ready %s", s.srv.name, s.apopTimestamp); err != nil {
		return
	}
	s.Log("connected")

	readBuf := make([]byte, readChunkSize)

	for {
		// Drain any pipelined commands already buffered before reading.
		if s.parser.Buffered() == 0 {
			if !s.readMore(readBuf) {
				return
			}
		}

		for {
			cmd, perr := s.parser.Next()
			if perr != nil {
				if s.reportError(perr) {
					return
				}
				continue
			}
			if cmd == nil {
				break
			}
			if quit := s.processCommand(cmd); quit {
				return
			}
		}
	}
}

// readMore blocks on the socket under the state-appropriate idle deadline
// and feeds whatever arrives into the parser. Returns false when the
// connection is done.
func (s *POP3Session) readMore(buf []byte) bool {
	timeout := s.srv.idleTimeout
	if s.state == stateNotAuthenticated {
		timeout = s.srv.authIdleTimeout
	}
	s.conn.SetReadDeadline(time.Now().Add(timeout))

	n, err := s.conn.Read(buf)
	if n > 0 {
		s.parser.Feed(buf[:n])
	}
	if err == nil {
		return true
	}

	if s.ctx.Err() != nil {
		// Server shutdown raced the read; the shutdown notice was already
		// sent by the server before closing the socket.
		s.Log("closing for server shutdown")
		return n > 0
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		_ = writeErr(s.writer, newError(KindTimeout, "Connection timed out due to inactivity"))
		s.Log("timed out after %s of inactivity", timeout)
		return false
	}
	if server.IsConnectionError(err) {
		s.Log("client dropped connection")
		return n > 0
	}
	s.ErrorLog("read error: %v", err)
	return false
}

// processCommand runs one parsed command through rate limiting, dispatch
// and response writing. Returns true when the session must end.
func (s *POP3Session) processCommand(cmd *Command) bool {
	if s.ctx.Err() != nil {
		return true
	}

	if rerr := s.rate.Allow(); rerr != nil {
		return s.reportError(rerr)
	}

	verb := cmd.Verb
	if cmd.Continuation {
		verb = "AUTH"
	}

	start := time.Now()
	quit, perr := s.dispatch(cmd)
	status := "ok"
	if perr != nil {
		status = "err"
	}
	metrics.CommandsTotal.WithLabelValues("pop3", verb, status).Inc()
	metrics.CommandDuration.WithLabelValues("pop3", verb).Observe(time.Since(start).Seconds())

	if perr != nil {
		if s.reportError(perr) {
			return true
		}
	}
	return quit
}

func (s *POP3Session) dispatch(cmd *Command) (bool, *Error) {
	if cmd.Continuation {
		return false, s.handleSASLContinuation(cmd.Blob)
	}

	// Commands valid in any state.
	switch cmd.Verb {
	case "CAPA":
		return false, s.handleCapa()
	case "NOOP":
		return false, writeOKSimple(s.writer)
	case "QUIT":
		return true, s.handleQuit()
	case "STLS":
		return false, s.handleStartTLS()
	}

	switch s.state {
	case stateNotAuthenticated:
		switch cmd.Verb {
		case "USER":
			return false, s.handleUser(cmd.Args)
		case "PASS":
			return false, s.handlePass(cmd.Args)
		case "APOP":
			return false, s.handleApop(cmd.Args)
		case "AUTH":
			return false, s.handleAuth(cmd.Args)
		case "STAT", "LIST", "UIDL", "RETR", "TOP", "DELE", "RSET":
			return false, errNotAuthenticated()
		}

	case stateAuthenticated:
		switch cmd.Verb {
		case "STAT":
			return false, s.handleStat()
		case "LIST":
			return false, s.handleList(cmd.Args)
		case "UIDL":
			return false, s.handleUidl(cmd.Args)
		case "RETR":
			return false, s.handleRetr(cmd.Args)
		case "TOP":
			return false, s.handleTop(cmd.Args)
		case "DELE":
			return false, s.handleDele(cmd.Args)
		case "RSET":
			return false, s.handleRset()
		case "USER", "PASS", "APOP", "AUTH":
			return false, newError(KindInvalidState, "Already authenticated")
		}
	}

	s.Log("unknown command: %s", cmd.Verb)
	return false, newError(KindInvalidCommand, "Unknown command: "+cmd.Verb)
}

// reportError writes the error to the client and applies the error budget.
// Returns true when the connection must close.
func (s *POP3Session) reportError(e *Error) bool {
	if e.Kind == KindInternalError {
		s.ErrorLog("%s", e.Error())
	} else {
		s.DebugLog("client error: %s", e.Error())
	}

	if e.countsAsFailure() {
		s.errorsCount++
		if s.errorsCount > maxErrorsAllowed {
			_ = writeRawLine(s.writer, "-ERR Too many errors, closing connection")
			s.Log("too many errors, terminating session")
			return true
		}
		// Slow misbehaving clients down before answering.
		time.Sleep(time.Duration(s.errorsCount) * errorDelayUnit)
	}

	if werr := writeErr(s.writer, e); werr != nil {
		return true
	}
	return e.fatal || e.Kind == KindTimeout
}

// handleQuit commits staged deletions and ends the session. This is the only
// place deletions reach the backend; any other exit leaves it untouched.
func (s *POP3Session) handleQuit() *Error {
	if s.state == stateAuthenticated {
		uids, hashes := s.mailbox.DeletedMessages()
		if len(uids) > 0 {
			expunged, err := s.srv.backend.CommitDeletions(s.ctx, s.mailbox.MailboxID, uids, hashes)
			if err != nil {
				s.ErrorLog("failed to commit deletions: %v", err)
				_ = writeErr(s.writer, newError(KindInternalError, "Failed to expunge messages"))
				return nil
			}
			metrics.MessagesDeletedTotal.Add(float64(expunged))
			s.Log("committed %d deletions", expunged)
		}
	}
	_ = writeOK(s.writer, "%s signing off", s.srv.name)
	return nil
}

func (s *POP3Session) handleCapa() *Error {
	caps := []string{
		"TOP",
		"UIDL",
		"RESP-CODES",
		"PIPELINING",
		"EXPIRE NEVER",
		"UTF8",
		"USER",
		"SASL " + s.srv.saslMechanismList(),
		"IMPLEMENTATION kumo",
	}
	if s.srv.tlsConfig != nil && !s.tlsActive {
		caps = append(caps, "STLS")
	}
	if err := writeListing(s.writer, "Capability list follows", caps); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}

// handleStartTLS upgrades the transport in place, preserving session state.
// Valid once per connection, and refused after plaintext credentials unless
// policy explicitly allows it.
func (s *POP3Session) handleStartTLS() *Error {
	if s.srv.tlsConfig == nil {
		return newError(KindInvalidCommand, "STLS not supported")
	}
	if s.tlsActive || s.stlsDone {
		return newError(KindProtocolViolation, "TLS already active")
	}
	if s.plaintextAuthSent && !s.srv.stlsAfterPlaintext {
		return newError(KindProtocolViolation, "STLS refused after plaintext credentials")
	}
	if s.parser.Buffered() > 0 {
		// Pipelining across a TLS boundary is an injection vector.
		return newError(KindProtocolViolation, "Data after STLS command")
	}

	if err := writeOK(s.writer, "Begin TLS negotiation"); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}

	tlsConn := tls.Server(s.conn, s.srv.tlsConfig)
	s.conn.SetReadDeadline(time.Now().Add(s.srv.authIdleTimeout))
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		s.Log("TLS handshake failed: %v", err)
		return wrapError(KindProtocolViolation, "TLS handshake failed", err)
	}

	s.connMu.Lock()
	s.conn = tlsConn
	s.writer = bufio.NewWriter(tlsConn)
	s.connMu.Unlock()
	s.tlsActive = true
	s.stlsDone = true
	s.Log("connection upgraded to TLS")
	return nil
}

// notifyShutdown delivers the server shutdown notice and closes the
// transport. Called from the server goroutine during Close.
func (s *POP3Session) notifyShutdown(notice string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	s.conn.Write([]byte(notice))
	s.conn.Close()
}

func (s *POP3Session) close() {
	s.connMu.Lock()
	s.conn.Close()
	s.connMu.Unlock()
	if s.permit != nil {
		s.permit.Release()
		s.permit = nil
	}
	s.srv.security.RecordConnectionClose(s.RemoteIP)
	s.srv.removeSession(s)

	totalCount := s.srv.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Dec()
	metrics.ConnectionDuration.WithLabelValues("pop3").Observe(time.Since(s.startTime).Seconds())

	var authCount int64
	if s.state == stateAuthenticated {
		authCount = s.srv.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Dec()
	} else {
		authCount = s.srv.authenticatedConnections.Load()
	}
	s.Log("closed (connections: total=%d, authenticated=%d)", totalCount, authCount)

	s.mailbox = nil
	s.token = nil
}

func writeOKSimple(w *bufio.Writer) *Error {
	if err := writeOK(w, "Done"); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}
