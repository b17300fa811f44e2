package pop3

import (
	"fmt"

	"github.com/migadu/kumo/server"
)

// assertPermission maps a missing per-verb grant onto a client-visible
// refusal without leaking the policy machinery.
func (s *POP3Session) assertPermission(p server.Permission) *Error {
	if err := s.token.AssertHasPermission(p); err != nil {
		s.WarnLog("permission denied: %v", err)
		return newError(KindInvalidCommand, "Command not permitted")
	}
	return nil
}

func (s *POP3Session) handleStat() *Error {
	if perr := s.assertPermission(server.PermPop3Stat); perr != nil {
		return perr
	}
	count, size := s.mailbox.LiveStat()
	if err := writeOK(s.writer, "%d %d", count, size); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}

// handleList answers the scan listing. Without an argument it enumerates
// every non-deleted message under its original number; deleted messages
// leave gaps rather than renumbering.
func (s *POP3Session) handleList(args []string) *Error {
	if perr := s.assertPermission(server.PermPop3List); perr != nil {
		return perr
	}
	if len(args) > 1 {
		return newError(KindInvalidArgument, "Too many arguments")
	}

	if len(args) == 1 {
		n, perr := validateMessageNumber(args[0], s.mailbox.Total)
		if perr != nil {
			return perr
		}
		msg, perr := s.mailbox.Message(n)
		if perr != nil {
			return perr
		}
		if err := writeOK(s.writer, "%d %d", n, msg.Size); err != nil {
			return wrapError(KindInternalError, "write failed", err)
		}
		return nil
	}

	count, size := s.mailbox.LiveStat()
	lines := make([]string, 0, count)
	for i := range s.mailbox.Messages {
		msg := &s.mailbox.Messages[i]
		if msg.Deleted {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
	}
	status := fmt.Sprintf("%d messages (%d octets)", count, size)
	if err := writeListing(s.writer, status, lines); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}

// handleUidl mirrors LIST but reports the stable unique-id, which survives
// across sessions even when message numbers do not.
func (s *POP3Session) handleUidl(args []string) *Error {
	if perr := s.assertPermission(server.PermPop3Uidl); perr != nil {
		return perr
	}
	if len(args) > 1 {
		return newError(KindInvalidArgument, "Too many arguments")
	}

	if len(args) == 1 {
		n, perr := validateMessageNumber(args[0], s.mailbox.Total)
		if perr != nil {
			return perr
		}
		msg, perr := s.mailbox.Message(n)
		if perr != nil {
			return perr
		}
		if err := writeOK(s.writer, "%d %s", n, s.mailbox.UIDLToken(msg)); err != nil {
			return wrapError(KindInternalError, "write failed", err)
		}
		return nil
	}

	var lines []string
	for i := range s.mailbox.Messages {
		msg := &s.mailbox.Messages[i]
		if msg.Deleted {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %s", i+1, s.mailbox.UIDLToken(msg)))
	}
	if err := writeListing(s.writer, "Unique-id listing follows", lines); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}

// handleDele stages a deletion; nothing is removed until QUIT commits.
func (s *POP3Session) handleDele(args []string) *Error {
	if perr := s.assertPermission(server.PermPop3Dele); perr != nil {
		return perr
	}
	if len(args) != 1 {
		return newError(KindInvalidArgument, "Message number required")
	}
	n, perr := validateMessageNumber(args[0], s.mailbox.Total)
	if perr != nil {
		return perr
	}
	if perr := s.mailbox.MarkDeleted(n); perr != nil {
		return perr
	}
	if err := writeOK(s.writer, "Message %d deleted", n); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}

func (s *POP3Session) handleRset() *Error {
	s.mailbox.ResetDeleted()
	count, size := s.mailbox.LiveStat()
	if err := writeOK(s.writer, "Maildrop has %d messages (%d octets)", count, size); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}
