package server

import (
	"fmt"
	"sync"

	"github.com/migadu/kumo/consts"
)

// AccountLimiter caps the number of concurrent authenticated sessions per
// account. Acquisition never blocks: when the account is at its ceiling the
// attempt is rejected outright and the client must retry later.
type AccountLimiter struct {
	mu      sync.Mutex
	max     int // 0 means unlimited
	current map[int64]int
}

func NewAccountLimiter(maxPerAccount int) *AccountLimiter {
	return &AccountLimiter{
		max:     maxPerAccount,
		current: make(map[int64]int),
	}
}

// Permit represents one held session slot. Release is idempotent.
type Permit struct {
	limiter   *AccountLimiter
	accountID int64
	once      sync.Once
}

func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.limiter.release(p.accountID)
	})
}

// TryAcquire reserves a session slot for the account, or returns
// ErrMailboxLocked when the ceiling is reached.
func (l *AccountLimiter) TryAcquire(accountID int64) (*Permit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.current[accountID] >= l.max {
		return nil, fmt.Errorf("%w: account %d at session limit (%d)",
			consts.ErrMailboxLocked, accountID, l.max)
	}
	l.current[accountID]++
	return &Permit{limiter: l, accountID: accountID}, nil
}

func (l *AccountLimiter) release(accountID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := l.current[accountID]; n <= 1 {
		delete(l.current, accountID)
	} else {
		l.current[accountID] = n - 1
	}
}

// Count reports the live sessions held by an account.
func (l *AccountLimiter) Count(accountID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current[accountID]
}
