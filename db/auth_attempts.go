package db

import (
	"context"
	"time"
)

// RecordAuthAttempt appends one row to the authentication audit trail. The
// security manager calls this asynchronously; a failed insert is not fatal to
// the session.
func (db *Database) RecordAuthAttempt(ctx context.Context, remoteIP, username, protocol string, success bool) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	return db.timedExec(ctx, "auth_attempt_insert", `
		INSERT INTO auth_attempts (remote_ip, username, protocol, success)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, remoteIP, username, protocol, success)
}

// PruneAuthAttempts removes audit rows older than the retention period.
func (db *Database) PruneAuthAttempts(ctx context.Context, retention time.Duration) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	return db.timedExec(ctx, "auth_attempt_prune", `
		DELETE FROM auth_attempts WHERE occurred_at < NOW() - make_interval(secs => $1)
	`, retention.Seconds())
}
