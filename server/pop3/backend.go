package pop3

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/kumo/cache"
	"github.com/migadu/kumo/consts"
	"github.com/migadu/kumo/db"
	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/storage"
)

// Backend is the session's view of the durable world: credentials, mailbox
// metadata and message bodies. Sessions never touch the database or object
// store directly, which keeps the state machine testable against a fake.
type Backend interface {
	// Authenticate verifies plaintext credentials and returns the account id.
	Authenticate(ctx context.Context, address, password string) (int64, error)

	// APOPSecret returns the account id and shared secret for an address,
	// or an error when the account cannot use APOP.
	APOPSecret(ctx context.Context, address string) (int64, string, error)

	// FetchMailbox loads the point-in-time INBOX snapshot for an account.
	FetchMailbox(ctx context.Context, accountID int64) (*MailboxSnapshot, error)

	// MessageExists re-checks a message row; the bool reports whether the
	// row is expunged.
	MessageExists(ctx context.Context, mailboxID int64, uid imap.UID) (bool, error)

	// GetMessageBody fetches a message body by content hash.
	GetMessageBody(ctx context.Context, contentHash string) ([]byte, error)

	// CommitDeletions applies staged deletions at QUIT and returns how many
	// rows were expunged. Content hashes of the deleted messages are evicted
	// from the local cache; shared hashes simply re-fetch from S3 later.
	CommitDeletions(ctx context.Context, mailboxID int64, uids []imap.UID, contentHashes []string) (int64, error)

	// RecordAuthAttempt appends to the audit trail; failures are logged,
	// never surfaced to the session.
	RecordAuthAttempt(ctx context.Context, remoteIP, username string, success bool)
}

// storeBackend is the production Backend: PostgreSQL for metadata and
// credentials, S3 for bodies with the local cache in front.
type storeBackend struct {
	db    *db.Database
	s3    *storage.S3Storage
	cache *cache.Cache
}

func NewBackend(database *db.Database, s3 *storage.S3Storage, localCache *cache.Cache) Backend {
	return &storeBackend{db: database, s3: s3, cache: localCache}
}

func (b *storeBackend) Authenticate(ctx context.Context, address, password string) (int64, error) {
	return b.db.Authenticate(ctx, address, password)
}

func (b *storeBackend) APOPSecret(ctx context.Context, address string) (int64, string, error) {
	return b.db.GetAPOPSecret(ctx, address)
}

func (b *storeBackend) FetchMailbox(ctx context.Context, accountID int64) (*MailboxSnapshot, error) {
	mailbox, err := b.db.GetMailboxByName(ctx, accountID, consts.MailboxInbox)
	if err != nil {
		return nil, err
	}
	metas, err := b.db.ListMessages(ctx, mailbox.ID)
	if err != nil {
		return nil, err
	}
	return newMailboxSnapshot(accountID, mailbox.ID, mailbox.UIDValidity, metas), nil
}

func (b *storeBackend) MessageExists(ctx context.Context, mailboxID int64, uid imap.UID) (bool, error) {
	_, expunged, err := b.db.GetMessageMetadata(ctx, mailboxID, uid)
	if err != nil {
		if errors.Is(err, consts.ErrDBNotFound) {
			return false, nil
		}
		return false, err
	}
	return !expunged, nil
}

func (b *storeBackend) GetMessageBody(ctx context.Context, contentHash string) ([]byte, error) {
	if b.cache != nil {
		if data, err := b.cache.Get(contentHash); err == nil {
			return data, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			logger.Warn("cache read failed, falling back to S3", "hash", contentHash, "error", err)
		}
	}

	data, err := b.s3.Get(ctx, contentHash)
	if err != nil {
		return nil, err
	}

	if b.cache != nil {
		if err := b.cache.Put(contentHash, data); err != nil {
			logger.Warn("failed to cache message body", "hash", contentHash, "error", err)
		}
	}
	return data, nil
}

func (b *storeBackend) CommitDeletions(ctx context.Context, mailboxID int64, uids []imap.UID, contentHashes []string) (int64, error) {
	if len(uids) == 0 {
		return 0, nil
	}

	tx, err := b.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	expunged, err := b.db.ExpungeMessageUIDs(ctx, tx, mailboxID, uids...)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	if b.cache != nil {
		for _, hash := range contentHashes {
			if err := b.cache.Delete(hash); err != nil {
				logger.Warn("failed to evict deleted message from cache", "hash", hash, "error", err)
			}
		}
	}
	return expunged, nil
}

func (b *storeBackend) RecordAuthAttempt(ctx context.Context, remoteIP, username string, success bool) {
	if err := b.db.RecordAuthAttempt(ctx, remoteIP, username, "POP3", success); err != nil {
		logger.Warn("failed to record auth attempt", "ip", remoteIP, "error", err)
	}
}
