package pop3

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/migadu/kumo/consts"
	"github.com/migadu/kumo/pkg/metrics"
	"github.com/migadu/kumo/server"
)

// pendingAuth carries the verified identity out of a SASL callback so the
// state transition happens after the mechanism reports completion.
type pendingAuth struct {
	address   server.Address
	accountID int64
	mechanism string
}

func (s *POP3Session) handleUser(args []string) *Error {
	if len(args) != 1 {
		return newError(KindInvalidArgument, "Username required")
	}
	addr, err := server.NewAddress(args[0])
	if err != nil {
		return newError(KindInvalidArgument, "Invalid username: must be an email address")
	}
	s.pendingUser = addr.FullAddress()
	if !s.tlsActive {
		s.plaintextAuthSent = true
	}
	if werr := writeOK(s.writer, "User accepted"); werr != nil {
		return wrapError(KindInternalError, "write failed", werr)
	}
	return nil
}

func (s *POP3Session) handlePass(args []string) *Error {
	if s.pendingUser == "" {
		return newError(KindProtocolViolation, "Must provide USER first")
	}
	if len(args) == 0 {
		return newError(KindInvalidArgument, "Password required")
	}
	// Passwords may contain spaces; everything after the verb counts.
	password := strings.Join(args, " ")
	username := s.pendingUser
	s.pendingUser = ""
	if !s.tlsActive {
		s.plaintextAuthSent = true
	}
	return s.authenticateWithPassword(username, password, "plain")
}

// handleApop performs single-step digest authentication against the greeting
// timestamp. The digest format is validated before any credential lookup.
func (s *POP3Session) handleApop(args []string) *Error {
	if len(args) != 2 {
		return newError(KindInvalidArgument, "Usage: APOP name digest")
	}
	if !isValidAPOPDigest(args[1]) {
		return newError(KindInvalidArgument, "Malformed APOP digest")
	}

	if perr := s.preAuthChecks(args[0], "apop"); perr != nil {
		return perr
	}

	addr, err := server.NewAddress(args[0])
	if err != nil {
		return s.failAuth(args[0], "apop")
	}

	accountID, secret, err := s.srv.backend.APOPSecret(s.ctx, addr.BaseAddress())
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) || errors.Is(err, consts.ErrAuthenticationFailed) {
			return s.failAuth(addr.FullAddress(), "apop")
		}
		return wrapError(KindInternalError, "Authentication unavailable", err)
	}

	expected := computeAPOPDigest(s.apopTimestamp, secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(args[1])) != 1 {
		return s.failAuth(addr.FullAddress(), "apop")
	}

	return s.completeAuthentication(addr, accountID, "apop")
}

// handleAuth starts a SASL exchange. Without arguments it lists the
// supported mechanisms; with an initial response it may complete in one
// round trip.
func (s *POP3Session) handleAuth(args []string) *Error {
	if len(args) == 0 {
		mechs := strings.Split(s.srv.saslMechanismList(), " ")
		if err := writeListing(s.writer, "Supported mechanisms", mechs); err != nil {
			return wrapError(KindInternalError, "write failed", err)
		}
		return nil
	}

	mechanism := strings.ToUpper(args[0])
	saslServer, perr := s.newSASLServer(mechanism)
	if perr != nil {
		return perr
	}
	s.saslServer = saslServer
	s.saslMechanism = mechanism

	if mechanism == sasl.Plain && !s.tlsActive {
		s.plaintextAuthSent = true
	}

	if len(args) > 1 {
		// RFC 5034: "=" transmits a zero-length initial response.
		var initial []byte
		if args[1] != "=" {
			decoded, err := base64.StdEncoding.DecodeString(args[1])
			if err != nil {
				s.clearSASL()
				return newError(KindInvalidArgument, "Invalid base64 data")
			}
			initial = decoded
		} else {
			initial = []byte{}
		}
		return s.advanceSASL(initial)
	}

	challenge, _, err := s.saslServer.Next(nil)
	if err != nil {
		s.clearSASL()
		return wrapError(KindInternalError, "SASL initialization failed", err)
	}
	return s.sendChallenge(challenge)
}

// handleSASLContinuation consumes one continuation line from the parser's
// continuation sub-state.
func (s *POP3Session) handleSASLContinuation(blob string) *Error {
	s.parser.EndContinuation()

	if s.saslServer == nil {
		return newError(KindInvalidState, "No authentication exchange in progress")
	}
	if blob == "*" {
		s.clearSASL()
		return newError(KindProtocolViolation, "Authentication aborted")
	}

	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		s.clearSASL()
		return newError(KindProtocolViolation, "Invalid base64 continuation data")
	}
	return s.advanceSASL(decoded)
}

func (s *POP3Session) advanceSASL(response []byte) *Error {
	challenge, done, err := s.saslServer.Next(response)
	if err != nil {
		mechanism := strings.ToLower(s.saslMechanism)
		failure := s.saslFailure
		s.clearSASL()
		if failure != nil {
			return failure
		}
		var perr *Error
		if errors.As(err, &perr) {
			return perr
		}
		s.DebugLog("SASL exchange failed: %v", err)
		return s.failAuth(s.pendingUser, mechanism)
	}

	if !done {
		return s.sendChallenge(challenge)
	}

	auth := s.pendingSASL
	s.clearSASL()
	if auth == nil {
		return newError(KindInternalError, "SASL completed without identity")
	}
	return s.completeAuthentication(auth.address, auth.accountID, auth.mechanism)
}

func (s *POP3Session) sendChallenge(challenge []byte) *Error {
	line := "+ "
	if len(challenge) > 0 {
		line += base64.StdEncoding.EncodeToString(challenge)
	}
	if err := writeRawLine(s.writer, line); err != nil {
		s.clearSASL()
		return wrapError(KindInternalError, "write failed", err)
	}
	s.parser.BeginContinuation()
	return nil
}

func (s *POP3Session) clearSASL() {
	s.saslServer = nil
	s.saslMechanism = ""
	s.pendingSASL = nil
	s.saslFailure = nil
	s.parser.EndContinuation()
}

func (s *POP3Session) newSASLServer(mechanism string) (sasl.Server, *Error) {
	switch mechanism {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return newError(KindAuthenticationFailed, "Proxy authorization not permitted")
			}
			if perr := s.verifyPlainCredentials(username, password, "plain"); perr != nil {
				return perr
			}
			return nil
		}), nil

	case sasl.OAuthBearer:
		return sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
			if perr := s.verifyBearerToken(opts.Username, opts.Token, "oauthbearer"); perr != nil {
				s.saslFailure = perr
				return &sasl.OAuthBearerError{Status: "invalid_token", Schemes: "bearer"}
			}
			return nil
		}), nil

	case "XOAUTH2":
		return &xoauth2Server{session: s}, nil

	default:
		return nil, newError(KindInvalidArgument, "Unsupported authentication mechanism")
	}
}

// verifyPlainCredentials runs the shared password path inside a SASL
// callback and stashes the identity for the state transition.
func (s *POP3Session) verifyPlainCredentials(username, password, mechanism string) *Error {
	if perr := s.preAuthChecks(username, mechanism); perr != nil {
		return perr
	}
	addr, err := server.NewAddress(username)
	if err != nil {
		return s.failAuth(username, mechanism)
	}
	accountID, err := s.srv.backend.Authenticate(s.ctx, addr.BaseAddress(), password)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) || errors.Is(err, consts.ErrAuthenticationFailed) {
			return s.failAuth(addr.FullAddress(), mechanism)
		}
		return wrapError(KindInternalError, "Authentication unavailable", err)
	}
	s.pendingSASL = &pendingAuth{address: addr, accountID: accountID, mechanism: mechanism}
	return nil
}

// verifyBearerToken checks an OAuth bearer token. Tokens are verified as
// stored credentials; there is no external identity provider round trip.
func (s *POP3Session) verifyBearerToken(username, token, mechanism string) *Error {
	if perr := s.preAuthChecks(username, mechanism); perr != nil {
		return perr
	}
	addr, err := server.NewAddress(username)
	if err != nil {
		return s.failAuth(username, mechanism)
	}
	accountID, err := s.srv.backend.Authenticate(s.ctx, addr.BaseAddress(), token)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) || errors.Is(err, consts.ErrAuthenticationFailed) {
			return s.failAuth(addr.FullAddress(), mechanism)
		}
		return wrapError(KindInternalError, "Authentication unavailable", err)
	}
	s.pendingSASL = &pendingAuth{address: addr, accountID: accountID, mechanism: mechanism}
	return nil
}

func (s *POP3Session) authenticateWithPassword(username, password, mechanism string) *Error {
	if perr := s.verifyPlainCredentials(username, password, mechanism); perr != nil {
		return perr
	}
	auth := s.pendingSASL
	s.pendingSASL = nil
	return s.completeAuthentication(auth.address, auth.accountID, auth.mechanism)
}

// preAuthChecks runs the security gates shared by every mechanism: the
// per-IP failure window and the pattern heuristics. A suspicious pattern
// fails the attempt before any credential is examined.
func (s *POP3Session) preAuthChecks(username, mechanism string) *Error {
	if perr := s.srv.security.CheckAuthAllowed(s.RemoteIP); perr != nil {
		metrics.AuthenticationAttempts.WithLabelValues("pop3", mechanism, "rate_limited").Inc()
		return perr
	}
	if s.srv.security.DetectSuspiciousActivity(s.RemoteIP, s.Id) {
		return s.failAuth(username, mechanism)
	}
	return nil
}

// failAuth applies the bookkeeping for one failed attempt, exactly once per
// attempt regardless of which layer detected the failure. The budget allows
// maxAuthFailures retryable failures; the failure after that is fatal.
func (s *POP3Session) failAuth(username, mechanism string) *Error {
	s.srv.security.RecordAuthAttempt(s.RemoteIP, username, false)
	s.srv.backend.RecordAuthAttempt(s.ctx, s.RemoteIP, username, false)
	metrics.AuthenticationAttempts.WithLabelValues("pop3", mechanism, "failure").Inc()

	s.authFailures++
	s.Log("authentication failed (attempt %d/%d)", s.authFailures, s.srv.maxAuthFailures)
	if s.srv.maxAuthFailures > 0 && s.authFailures > s.srv.maxAuthFailures {
		return &Error{
			Kind:    KindAuthenticationFailed,
			Message: "Too many failed authentication attempts",
			fatal:   true,
		}
	}
	return errAuthenticationFailed()
}

// completeAuthentication is the NotAuthenticated to Authenticated
// transition: permission assertion, permit, mailbox snapshot, counters.
func (s *POP3Session) completeAuthentication(addr server.Address, accountID int64, mechanism string) *Error {
	token := server.NewAccessToken(accountID, s.srv.disabledPerms...)
	if err := token.AssertHasPermission(server.PermPop3Access); err != nil {
		return newError(KindAuthenticationFailed, "POP3 access not permitted")
	}

	permit, err := s.srv.accounts.TryAcquire(accountID)
	if err != nil {
		// Correct credentials; the failure window is cleared but no session
		// is established.
		s.srv.security.RecordAuthAttempt(s.RemoteIP, addr.FullAddress(), true)
		return newError(KindMailboxLocked, "Mailbox is busy, try again later")
	}

	mailbox, err := s.srv.backend.FetchMailbox(s.ctx, accountID)
	if err != nil {
		permit.Release()
		if errors.Is(err, consts.ErrMailboxNotFound) {
			s.ErrorLog("authenticated account %d has no INBOX", accountID)
			return newError(KindInternalError, "Mailbox not found")
		}
		return wrapError(KindInternalError, "Failed to open mailbox", err)
	}

	s.User = server.NewUser(addr, accountID)
	s.state = stateAuthenticated
	s.mailbox = mailbox
	s.permit = permit
	s.token = token
	s.pendingUser = ""

	s.srv.security.RecordAuthAttempt(s.RemoteIP, addr.FullAddress(), true)
	s.srv.backend.RecordAuthAttempt(s.ctx, s.RemoteIP, addr.FullAddress(), true)
	metrics.AuthenticationAttempts.WithLabelValues("pop3", mechanism, "success").Inc()
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues("pop3").Inc()

	authCount := s.srv.authenticatedConnections.Add(1)
	totalCount := s.srv.totalConnections.Load()
	s.Log("authenticated via %s (connections: total=%d, authenticated=%d)",
		mechanism, totalCount, authCount)

	if werr := writeOK(s.writer, "Mailbox locked and ready, %d messages (%d octets)",
		mailbox.Total, mailbox.Size); werr != nil {
		return wrapError(KindInternalError, "write failed", werr)
	}
	return nil
}

// xoauth2Server implements the XOAUTH2 mechanism, which go-sasl does not
// ship a server for. The single client response carries
// "user=<addr>\x01auth=Bearer <token>\x01\x01".
type xoauth2Server struct {
	session *POP3Session
	done    bool
}

func (x *xoauth2Server) Next(response []byte) ([]byte, bool, error) {
	if response == nil {
		return []byte{}, false, nil
	}
	if x.done {
		return nil, false, newError(KindProtocolViolation, "Unexpected SASL response")
	}
	x.done = true

	var username, token string
	for _, part := range strings.Split(string(response), "\x01") {
		switch {
		case strings.HasPrefix(part, "user="):
			username = strings.TrimPrefix(part, "user=")
		case strings.HasPrefix(part, "auth="):
			auth := strings.TrimPrefix(part, "auth=")
			if !strings.HasPrefix(auth, "Bearer ") {
				return nil, false, newError(KindProtocolViolation, "Malformed XOAUTH2 response")
			}
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if username == "" || token == "" {
		return nil, false, newError(KindProtocolViolation, "Malformed XOAUTH2 response")
	}

	if perr := x.session.verifyBearerToken(username, token, "xoauth2"); perr != nil {
		return nil, false, perr
	}
	return nil, true, nil
}
