package pop3

import (
	"fmt"

	"github.com/migadu/kumo/pkg/metrics"
	"github.com/migadu/kumo/server"
)

// handleRetr streams a full message body.
func (s *POP3Session) handleRetr(args []string) *Error {
	if perr := s.assertPermission(server.PermPop3Retr); perr != nil {
		return perr
	}
	if len(args) != 1 {
		return newError(KindInvalidArgument, "Message number required")
	}
	n, perr := validateMessageNumber(args[0], s.mailbox.Total)
	if perr != nil {
		return perr
	}
	msg, perr := s.mailbox.Message(n)
	if perr != nil {
		return perr
	}

	data, perr := s.fetchBody(msg)
	if perr != nil {
		return perr
	}

	status := fmt.Sprintf("%d octets", msg.Size)
	if err := writeMessageData(s.writer, status, data, -1); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	metrics.MessagesRetrievedTotal.Inc()
	metrics.BytesRetrievedTotal.Add(float64(msg.Size))
	s.DebugLog("RETR %d: %d octets", n, msg.Size)
	return nil
}

// handleTop streams the headers plus the first n body lines.
func (s *POP3Session) handleTop(args []string) *Error {
	if perr := s.assertPermission(server.PermPop3Top); perr != nil {
		return perr
	}
	if len(args) != 2 {
		return newError(KindInvalidArgument, "Usage: TOP msg n")
	}
	n, perr := validateMessageNumber(args[0], s.mailbox.Total)
	if perr != nil {
		return perr
	}
	lines, perr := validateLineCount(args[1], s.srv.maxTopLines)
	if perr != nil {
		return perr
	}
	msg, perr := s.mailbox.Message(n)
	if perr != nil {
		return perr
	}

	data, perr := s.fetchBody(msg)
	if perr != nil {
		return perr
	}

	if err := writeMessageData(s.writer, "Top of message follows", data, lines); err != nil {
		return wrapError(KindInternalError, "write failed", err)
	}
	return nil
}

// fetchBody resolves a snapshot entry to its bytes. A fetch failure is
// disambiguated by re-checking the metadata row: a message expunged by
// another agent since the snapshot was taken is reported as missing, while
// a live row whose blob cannot be fetched is an internal fault.
func (s *POP3Session) fetchBody(msg *SnapshotMessage) ([]byte, *Error) {
	data, err := s.srv.backend.GetMessageBody(s.ctx, msg.ContentHash)
	if err == nil {
		return data, nil
	}

	live, checkErr := s.srv.backend.MessageExists(s.ctx, s.mailbox.MailboxID, msg.UID)
	if checkErr == nil && !live {
		s.Log("message uid %d vanished since snapshot", msg.UID)
		return nil, errNoSuchMessage()
	}
	return nil, wrapError(KindInternalError, "Failed to fetch message body", err)
}
