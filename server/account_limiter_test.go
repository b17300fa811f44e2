package server

import (
	"errors"
	"testing"

	"github.com/migadu/kumo/consts"
)

func TestAccountLimiterCeiling(t *testing.T) {
	l := NewAccountLimiter(2)

	p1, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p2, err := l.TryAcquire(1)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	if _, err := l.TryAcquire(1); !errors.Is(err, consts.ErrMailboxLocked) {
		t.Fatalf("third acquire = %v, want ErrMailboxLocked", err)
	}

	// A different account has its own budget.
	p3, err := l.TryAcquire(2)
	if err != nil {
		t.Fatalf("acquire for other account: %v", err)
	}
	p3.Release()

	p1.Release()
	if _, err := l.TryAcquire(1); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
	p2.Release()
}

func TestAccountLimiterReleaseIdempotent(t *testing.T) {
	l := NewAccountLimiter(1)

	p, err := l.TryAcquire(5)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release()
	p.Release()

	if got := l.Count(5); got != 0 {
		t.Errorf("Count(5) = %d, want 0 after double release", got)
	}
	if _, err := l.TryAcquire(5); err != nil {
		t.Errorf("acquire after double release: %v", err)
	}
}

func TestAccountLimiterUnlimited(t *testing.T) {
	l := NewAccountLimiter(0)
	for i := 0; i < 50; i++ {
		if _, err := l.TryAcquire(9); err != nil {
			t.Fatalf("acquire %d on unlimited limiter: %v", i, err)
		}
	}
	if got := l.Count(9); got != 50 {
		t.Errorf("Count(9) = %d, want 50", got)
	}
}

func TestNilPermitRelease(t *testing.T) {
	var p *Permit
	p.Release()
}
