package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/kumo/consts"
)

// Mailbox is the metadata row for a single mailbox.
type Mailbox struct {
	ID          int64
	AccountID   int64
	Name        string
	UIDValidity uint32
}

// MessageMetadata describes one live message in a mailbox. The content hash
// doubles as the S3 object key and the POP3 unique-id.
type MessageMetadata struct {
	ID          int64
	UID         imap.UID
	ContentHash string
	Size        int64
}

// GetMailboxByName fetches a mailbox owned by the account.
func (db *Database) GetMailboxByName(ctx context.Context, accountID int64, name string) (*Mailbox, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var m Mailbox
	err := db.timedQueryRow(ctx, "mailbox_lookup", `
		SELECT id, account_id, name, uid_validity
		FROM mailboxes
		WHERE account_id = $1 AND name = $2
	`, accountID, name).Scan(&m.ID, &m.AccountID, &m.Name, &m.UIDValidity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("mailbox lookup failed: %w", err)
	}
	return &m, nil
}

// ListMessages returns the live messages of a mailbox ordered by UID
// ascending, which fixes the 1-based message numbering for the whole POP3
// session.
func (db *Database) ListMessages(ctx context.Context, mailboxID int64) ([]MessageMetadata, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.timedQuery(ctx, "message_list", `
		SELECT id, uid, content_hash, size
		FROM messages
		WHERE mailbox_id = $1 AND expunged_at IS NULL
		ORDER BY uid
	`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("message list failed: %w", err)
	}
	defer rows.Close()

	var messages []MessageMetadata
	for rows.Next() {
		var m MessageMetadata
		if err := rows.Scan(&m.ID, &m.UID, &m.ContentHash, &m.Size); err != nil {
			return nil, fmt.Errorf("message scan failed: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// GetMessageMetadata re-reads a single message row, deleted or not. Used to
// distinguish a vanished row from an expunged one when a body fetch fails.
func (db *Database) GetMessageMetadata(ctx context.Context, mailboxID int64, uid imap.UID) (*MessageMetadata, bool, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var m MessageMetadata
	var expunged bool
	err := db.timedQueryRow(ctx, "message_lookup", `
		SELECT id, uid, content_hash, size, expunged_at IS NOT NULL
		FROM messages
		WHERE mailbox_id = $1 AND uid = $2
	`, mailboxID, uid).Scan(&m.ID, &m.UID, &m.ContentHash, &m.Size, &expunged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, consts.ErrDBNotFound
		}
		return nil, false, fmt.Errorf("message lookup failed: %w", err)
	}
	return &m, expunged, nil
}
