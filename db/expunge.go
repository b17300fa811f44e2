package db

import (
	"context"

	"github.com/emersion/go-imap/v2"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/kumo/logger"
)

// ExpungeMessageUIDs soft-deletes messages by UID inside the caller's
// transaction and returns the number of rows affected. Already-expunged rows
// are skipped, so committing a session that raced another deletion is safe.
func (db *Database) ExpungeMessageUIDs(ctx context.Context, tx pgx.Tx, mailboxID int64, uids ...imap.UID) (int64, error) {
	if len(uids) == 0 {
		return 0, nil
	}

	var rowsAffected int64
	err := tx.QueryRow(ctx, `
		WITH updated AS (
			UPDATE messages
			SET expunged_at = NOW(), expunged_modseq = nextval('messages_modseq')
			WHERE mailbox_id = $1 AND uid = ANY($2) AND expunged_at IS NULL
			RETURNING 1
		)
		SELECT COUNT(*) FROM updated
	`, mailboxID, uids).Scan(&rowsAffected)
	if err != nil {
		logger.Error("expunge update failed", "mailbox_id", mailboxID, "error", err)
		return 0, err
	}

	logger.Info("expunged messages",
		"mailbox_id", mailboxID, "requested", len(uids), "expunged", rowsAffected)
	return rowsAffected, nil
}
