package server

import (
	"fmt"

	"github.com/migadu/kumo/consts"
)

// Permission names a single protocol capability an authenticated session may
// exercise.
type Permission string

const (
	// PermPop3Access gates the protocol as a whole and is asserted at
	// authentication time; the per-verb permissions below let policy
	// disable individual commands.
	PermPop3Access Permission = "pop3:access"

	PermPop3Stat Permission = "pop3:stat"
	PermPop3List Permission = "pop3:list"
	PermPop3Uidl Permission = "pop3:uidl"
	PermPop3Retr Permission = "pop3:retr"
	PermPop3Top  Permission = "pop3:top"
	PermPop3Dele Permission = "pop3:dele"
)

// commandPermissions maps the POP3 verbs an operator may disable to the
// permission gating each. "ALL" withdraws protocol access entirely while the
// listener stays up.
var commandPermissions = map[string]Permission{
	"ALL":  PermPop3Access,
	"STAT": PermPop3Stat,
	"LIST": PermPop3List,
	"UIDL": PermPop3Uidl,
	"RETR": PermPop3Retr,
	"TOP":  PermPop3Top,
	"DELE": PermPop3Dele,
}

// PermissionForCommand resolves a disabled_commands entry to the permission
// it withdraws. The second return is false for verbs that cannot be disabled.
func PermissionForCommand(verb string) (Permission, bool) {
	p, ok := commandPermissions[verb]
	return p, ok
}

// AccessToken is handed out on successful authentication and consulted before
// each mailbox operation. A zero-value token grants nothing.
type AccessToken struct {
	accountID int64
	granted   map[Permission]bool
}

// NewAccessToken grants the full POP3 permission set to an account, minus the
// permissions policy has withdrawn.
func NewAccessToken(accountID int64, disabled ...Permission) *AccessToken {
	granted := map[Permission]bool{
		PermPop3Access: true,

		PermPop3Stat: true,
		PermPop3List: true,
		PermPop3Uidl: true,
		PermPop3Retr: true,
		PermPop3Top:  true,
		PermPop3Dele: true,
	}
	for _, p := range disabled {
		delete(granted, p)
	}
	return &AccessToken{accountID: accountID, granted: granted}
}

func (t *AccessToken) AccountID() int64 {
	if t == nil {
		return 0
	}
	return t.accountID
}

func (t *AccessToken) Has(p Permission) bool {
	return t != nil && t.granted[p]
}

// AssertHasPermission returns ErrNotPermitted when the token does not grant p.
func (t *AccessToken) AssertHasPermission(p Permission) error {
	if !t.Has(p) {
		return fmt.Errorf("%w: %s", consts.ErrNotPermitted, p)
	}
	return nil
}
