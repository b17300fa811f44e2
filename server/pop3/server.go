package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/kumo/config"
	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/pkg/metrics"
	"github.com/migadu/kumo/server"
	"github.com/migadu/kumo/server/idgen"
)

const shutdownDrainTimeout = 30 * time.Second

// POP3Server owns a listener and the sessions spawned from it. Session
// goroutines are tracked so shutdown can notify and drain them.
type POP3Server struct {
	name     string
	hostname string
	addr     string

	backend  Backend
	security *SecurityManager
	accounts *server.AccountLimiter

	tlsConfig          *tls.Config
	implicitTLS        bool
	stlsAfterPlaintext bool

	authIdleTimeout time.Duration
	idleTimeout     time.Duration

	maxConnections       int
	maxAuthFailures      int
	maxLineLength        int
	maxTopLines          int
	maxCommandsPerMinute int
	minCommandDelay      time.Duration

	// disabledPerms is the permission set withdrawn from every access token,
	// resolved once from the disabled_commands list.
	disabledPerms []server.Permission

	listener net.Listener

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	sessionsMu     sync.Mutex
	activeSessions map[*POP3Session]struct{}
	sessionsWg     sync.WaitGroup

	appCtx context.Context
	cancel context.CancelFunc
}

func New(appCtx context.Context, hostname string, cfg *config.POP3Config, backend Backend) (*POP3Server, error) {
	authIdleTimeout, err := cfg.GetAuthIdleTimeout()
	if err != nil {
		return nil, err
	}
	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, err
	}
	minDelay, err := cfg.Security.GetMinCommandDelay()
	if err != nil {
		return nil, err
	}
	security, err := NewSecurityManager(&cfg.Security)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = hostname
	}
	maxLineLength := cfg.MaxLineLength
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}

	disabledPerms := make([]server.Permission, 0, len(cfg.DisabledCommands))
	for _, verb := range cfg.DisabledCommands {
		p, ok := server.PermissionForCommand(strings.ToUpper(verb))
		if !ok {
			return nil, fmt.Errorf("pop3 listener %q: cannot disable command %q", name, verb)
		}
		disabledPerms = append(disabledPerms, p)
	}

	ctx, cancel := context.WithCancel(appCtx)
	s := &POP3Server{
		name:                 name,
		hostname:             hostname,
		addr:                 cfg.Addr,
		backend:              backend,
		security:             security,
		accounts:             server.NewAccountLimiter(cfg.MaxSessionsPerUser),
		implicitTLS:          cfg.TLS,
		stlsAfterPlaintext:   cfg.STLSAfterPlaintext,
		authIdleTimeout:      authIdleTimeout,
		idleTimeout:          idleTimeout,
		maxConnections:       cfg.MaxConnections,
		maxAuthFailures:      cfg.MaxAuthFailures,
		maxLineLength:        maxLineLength,
		maxTopLines:          cfg.MaxTopLines,
		maxCommandsPerMinute: cfg.Security.MaxCommandsPerMinute,
		minCommandDelay:      minDelay,
		disabledPerms:        disabledPerms,
		activeSessions:       make(map[*POP3Session]struct{}),
		appCtx:               ctx,
		cancel:               cancel,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else if cfg.TLS {
		cancel()
		return nil, fmt.Errorf("pop3 listener %q has tls enabled but no certificate configured", name)
	}

	security.StartCleanup(ctx)
	return s, nil
}

func (s *POP3Server) saslMechanismList() string {
	return "PLAIN OAUTHBEARER XOAUTH2"
}

// Start binds the listener and runs the accept loop until Close. A fatal
// listener error is delivered on errChan.
func (s *POP3Server) Start(errChan chan<- error) {
	var err error
	if s.implicitTLS {
		s.listener, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		s.listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		errChan <- fmt.Errorf("pop3 listen on %s: %w", s.addr, err)
		return
	}
	logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "tls", s.implicitTLS)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.appCtx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "name", s.name, "error", err)
			continue
		}
		s.acceptConnection(conn)
	}
}

func (s *POP3Server) acceptConnection(conn net.Conn) {
	remoteIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		remoteIP = conn.RemoteAddr().String()
	}

	if s.maxConnections > 0 && s.totalConnections.Load() >= int64(s.maxConnections) {
		metrics.SecurityRejectionsTotal.WithLabelValues("server_full").Inc()
		conn.Write([]byte("-ERR [IN-USE] Server busy, try again later\r\n"))
		conn.Close()
		return
	}
	if perr := s.security.CheckConnectionAllowed(remoteIP); perr != nil {
		conn.Write([]byte(perr.Wire() + "\r\n"))
		conn.Close()
		return
	}

	id := idgen.New()
	session := &POP3Session{
		Session: server.Session{
			Id:         id,
			RemoteIP:   remoteIP,
			HostName:   s.hostname,
			ServerName: s.name,
			Protocol:   "POP3",
		},
		srv:           s,
		conn:          conn,
		writer:        bufio.NewWriter(conn),
		parser:        NewParser(s.maxLineLength),
		rate:          newCommandLimiter(s.maxCommandsPerMinute, s.minCommandDelay),
		apopTimestamp: fmt.Sprintf("<%d.%s@%s>", time.Now().Unix(), id, s.hostname),
		tlsActive:     s.implicitTLS,
		startTime:     time.Now(),
	}
	session.Stats = s
	session.ctx, session.cancel = context.WithCancel(s.appCtx)

	s.addSession(session)
	s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
	metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

	s.sessionsWg.Add(1)
	go func() {
		defer s.sessionsWg.Done()
		session.handleConnection()
	}()
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.sessionsMu.Lock()
	s.activeSessions[session] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.sessionsMu.Lock()
	delete(s.activeSessions, session)
	s.sessionsMu.Unlock()
}

func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

// SecurityStats exposes the security manager snapshot for the HTTP API.
func (s *POP3Server) SecurityStats() SecurityStats {
	return s.security.Stats()
}

// Close stops accepting, notifies active sessions and waits for them to
// drain, bounded by shutdownDrainTimeout. Staged deletions in sessions that
// have not reached QUIT are discarded, which is what an abrupt disconnect
// means in this protocol.
func (s *POP3Server) Close() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessionsMu.Lock()
	for session := range s.activeSessions {
		session.notifyShutdown("-ERR [IN-USE] Server shutting down\r\n")
	}
	count := len(s.activeSessions)
	s.sessionsMu.Unlock()
	if count > 0 {
		logger.Info("waiting for POP3 sessions to drain", "name", s.name, "sessions", count)
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		logger.Warn("POP3 session drain timed out", "name", s.name)
	}
	logger.Info("POP3 server stopped", "name", s.name)
}
