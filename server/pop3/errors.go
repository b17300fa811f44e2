package pop3

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
)

// ErrorKind classifies a session error and determines both the wire response
// and whether the error counts toward the session's failure budget.
type ErrorKind int

const (
	KindAuthenticationFailed ErrorKind = iota
	KindInvalidCommand
	KindInvalidArgument
	KindProtocolViolation
	KindInvalidState
	KindMessageNotFound
	KindMailboxLocked
	KindRateLimitExceeded
	KindTimeout
	KindInternalError
)

// Error is a session-level POP3 error. The message is what the client sees;
// internal detail goes to the log, never onto the wire.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error

	// fatal forces the connection to close after the response is written,
	// independent of the session error budget.
	fatal bool
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wire renders the client-facing response line, without CRLF. Internal
// detail never leaks: InternalError always renders a generic message
// regardless of what was recorded for the log. InvalidState is a client
// sequencing mistake and carries its message.
func (e *Error) Wire() string {
	switch e.Kind {
	case KindInternalError:
		return "-ERR Internal server error"
	case KindRateLimitExceeded:
		return "-ERR [IN-USE] " + e.Message
	case KindMailboxLocked:
		return "-ERR [IN-USE] " + e.Message
	default:
		return "-ERR " + e.Message
	}
}

// countsAsFailure reports whether the error increments the session error
// budget; fatal kinds close the connection regardless.
func (e *Error) countsAsFailure() bool {
	switch e.Kind {
	case KindInternalError, KindTimeout:
		return false
	default:
		return true
	}
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func errAuthenticationFailed() *Error {
	return newError(KindAuthenticationFailed, "Authentication failed")
}

func errNotAuthenticated() *Error {
	return newError(KindInvalidState, "Not authenticated")
}

func errNoSuchMessage() *Error {
	return newError(KindMessageNotFound, "No such message")
}

// validateMessageNumber parses a 1-based message number argument against the
// current snapshot length. Zero and non-numeric input are argument errors;
// numbers past the end of the snapshot are MessageNotFound.
func validateMessageNumber(raw string, total int) (int, *Error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, newError(KindInvalidArgument, "Invalid message number")
	}
	if n > total {
		return 0, errNoSuchMessage()
	}
	return n, nil
}

// validateLineCount parses the TOP line-count argument, bounded by the
// configured maximum to keep a single command from dominating the session.
func validateLineCount(raw string, maxLines int) (int, *Error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, newError(KindInvalidArgument, "Invalid line count")
	}
	if maxLines > 0 && n > maxLines {
		return 0, newError(KindInvalidArgument,
			fmt.Sprintf("Line count exceeds maximum of %d", maxLines))
	}
	return n, nil
}

// computeAPOPDigest implements the RFC 1939 APOP digest: the lowercase hex
// MD5 of the greeting timestamp concatenated with the shared secret, no
// separator.
func computeAPOPDigest(timestamp, secret string) string {
	sum := md5.Sum([]byte(timestamp + secret))
	return hex.EncodeToString(sum[:])
}

// isValidAPOPDigest reports whether the client-supplied digest is exactly 32
// lowercase hex characters. Checked before any credential lookup.
func isValidAPOPDigest(digest string) bool {
	if len(digest) != 32 {
		return false
	}
	for i := 0; i < len(digest); i++ {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
