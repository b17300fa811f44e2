package consts

import "errors"

var (
	ErrMailboxNotFound      = errors.New("mailbox not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotPermitted         = errors.New("operation not permitted")
	ErrMailboxLocked        = errors.New("mailbox is locked by another session")
	ErrAuthenticationFailed = errors.New("authentication failed")

	ErrDBNotFound                = errors.New("not found")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")

	ErrS3ObjectNotFound = errors.New("s3 object not found")
)
