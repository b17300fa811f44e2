package pop3

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/kumo/db"
)

// SnapshotMessage is one message in the session's working view. Deleted is
// session-local until QUIT commits it.
type SnapshotMessage struct {
	db.MessageMetadata
	Deleted bool
}

// MailboxSnapshot is a point-in-time listing of the account's INBOX, loaded
// once at authentication and owned exclusively by its session. Message
// numbers are the 1-based positions in Messages and never shift, even as
// messages are marked deleted.
//
// Total and Size are the aggregates at load time. They are not maintained
// under mutation; STAT and LIST compute live values over the non-deleted
// messages instead.
type MailboxSnapshot struct {
	AccountID   int64
	MailboxID   int64
	UIDValidity uint32
	Messages    []SnapshotMessage
	Total       int
	Size        int64
}

func newMailboxSnapshot(accountID, mailboxID int64, uidValidity uint32, metas []db.MessageMetadata) *MailboxSnapshot {
	snapshot := &MailboxSnapshot{
		AccountID:   accountID,
		MailboxID:   mailboxID,
		UIDValidity: uidValidity,
		Messages:    make([]SnapshotMessage, 0, len(metas)),
	}
	for _, m := range metas {
		snapshot.Messages = append(snapshot.Messages, SnapshotMessage{MessageMetadata: m})
		snapshot.Size += m.Size
	}
	snapshot.Total = len(snapshot.Messages)
	return snapshot
}

// LiveStat returns the count and byte size of non-deleted messages, computed
// by walking the snapshot.
func (m *MailboxSnapshot) LiveStat() (int, int64) {
	var count int
	var size int64
	for i := range m.Messages {
		if !m.Messages[i].Deleted {
			count++
			size += m.Messages[i].Size
		}
	}
	return count, size
}

// Message returns the message at a validated 1-based number. A message
// already marked deleted is invisible and reported as MessageNotFound.
func (m *MailboxSnapshot) Message(number int) (*SnapshotMessage, *Error) {
	if number < 1 || number > len(m.Messages) {
		return nil, errNoSuchMessage()
	}
	msg := &m.Messages[number-1]
	if msg.Deleted {
		return nil, errNoSuchMessage()
	}
	return msg, nil
}

// MarkDeleted flags a message for deletion at QUIT. Re-deleting an already
// deleted message is MessageNotFound, matching its invisibility.
func (m *MailboxSnapshot) MarkDeleted(number int) *Error {
	msg, perr := m.Message(number)
	if perr != nil {
		return perr
	}
	msg.Deleted = true
	return nil
}

// ResetDeleted clears every deletion flag, restoring full visibility.
func (m *MailboxSnapshot) ResetDeleted() {
	for i := range m.Messages {
		m.Messages[i].Deleted = false
	}
}

// DeletedMessages returns the UIDs and content hashes staged for deletion,
// in snapshot order.
func (m *MailboxSnapshot) DeletedMessages() ([]imap.UID, []string) {
	var uids []imap.UID
	var hashes []string
	for i := range m.Messages {
		if m.Messages[i].Deleted {
			uids = append(uids, m.Messages[i].UID)
			hashes = append(hashes, m.Messages[i].ContentHash)
		}
	}
	return uids, hashes
}

// UIDLToken renders the stable unique-id for a message: the mailbox
// uid-validity and the message uid, fixed-width hex so the concatenation
// stays injective.
func (m *MailboxSnapshot) UIDLToken(msg *SnapshotMessage) string {
	return fmt.Sprintf("%08x%08x", m.UIDValidity, uint32(msg.UID))
}
