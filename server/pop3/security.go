package pop3

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/kumo/config"
	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/pkg/metrics"
)

// SecurityManager tracks per-IP connection counts, authentication failures
// within a rolling window, and heuristics over recent attempt patterns. One
// instance is shared by every session of a server; all operations are
// in-memory and lock-scoped to the update, never held across I/O.
type SecurityManager struct {
	mu          sync.Mutex
	connections map[string]int
	attempts    map[string][]authAttempt
	blocked     map[string]time.Time

	maxConnectionsPerIP int
	maxAuthAttempts     int
	authWindow          time.Duration
	autoBlockDuration   time.Duration
	suspiciousThreshold int
	cleanupInterval     time.Duration
	suspicionWindow     time.Duration
	rapidSpacing        time.Duration

	// Stats counters, updated without the map lock.
	totalConnections  atomic.Int64
	rejectedConns     atomic.Int64
	failedAuths       atomic.Int64
	successfulAuths   atomic.Int64
	blockedAttempts   atomic.Int64
	suspiciousFlagged atomic.Int64
}

type authAttempt struct {
	at       time.Time
	username string
	success  bool
}

const (
	// defaultSuspicionWindow bounds how far back the pattern heuristics look.
	defaultSuspicionWindow = time.Minute
	// defaultRapidSpacing is the spacing below which an attempt looks
	// scripted rather than typed.
	defaultRapidSpacing = 500 * time.Millisecond
	rapidAttemptCount   = 5
)

func NewSecurityManager(cfg *config.POP3SecurityConfig) (*SecurityManager, error) {
	authWindow, err := cfg.GetAuthWindow()
	if err != nil {
		return nil, err
	}
	blockDuration, err := cfg.GetAutoBlockDuration()
	if err != nil {
		return nil, err
	}
	cleanupInterval, err := cfg.GetCleanupInterval()
	if err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAuthAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	suspicious := cfg.SuspiciousThreshold
	if suspicious <= 0 {
		suspicious = 3
	}

	return &SecurityManager{
		connections:         make(map[string]int),
		attempts:            make(map[string][]authAttempt),
		blocked:             make(map[string]time.Time),
		maxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		maxAuthAttempts:     maxAttempts,
		authWindow:          authWindow,
		autoBlockDuration:   blockDuration,
		suspiciousThreshold: suspicious,
		cleanupInterval:     cleanupInterval,
		suspicionWindow:     defaultSuspicionWindow,
		rapidSpacing:        defaultRapidSpacing,
	}, nil
}

// CheckConnectionAllowed enforces the per-IP concurrent connection ceiling
// and, when allowed, registers the connection.
func (sm *SecurityManager) CheckConnectionAllowed(ip string) *Error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.maxConnectionsPerIP > 0 && sm.connections[ip] >= sm.maxConnectionsPerIP {
		sm.rejectedConns.Add(1)
		metrics.SecurityRejectionsTotal.WithLabelValues("connection_limit").Inc()
		return newError(KindRateLimitExceeded, "Too many connections from your address")
	}
	sm.connections[ip]++
	sm.totalConnections.Add(1)
	return nil
}

// RecordConnectionClose decrements the live-connection counter for an IP.
func (sm *SecurityManager) RecordConnectionClose(ip string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if n := sm.connections[ip]; n <= 1 {
		delete(sm.connections, ip)
	} else {
		sm.connections[ip] = n - 1
	}
}

// CheckAuthAllowed rejects authentication attempts from IPs that are
// auto-blocked or that have exhausted the failure window. Independent of the
// per-session failure counter.
func (sm *SecurityManager) CheckAuthAllowed(ip string) *Error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	if until, ok := sm.blocked[ip]; ok {
		if now.Before(until) {
			sm.blockedAttempts.Add(1)
			metrics.SecurityRejectionsTotal.WithLabelValues("auth_blocked").Inc()
			return newError(KindRateLimitExceeded, "Too many authentication failures, try again later")
		}
		delete(sm.blocked, ip)
	}

	if sm.recentFailuresLocked(ip, now) >= sm.maxAuthAttempts {
		sm.blocked[ip] = now.Add(sm.autoBlockDuration)
		metrics.BlockedIPsCurrent.Set(float64(len(sm.blocked)))
		sm.blockedAttempts.Add(1)
		metrics.SecurityRejectionsTotal.WithLabelValues("auth_rate").Inc()
		logger.Warn("auto-blocking IP after repeated auth failures",
			"ip", ip, "window", sm.authWindow, "duration", sm.autoBlockDuration)
		return newError(KindRateLimitExceeded, "Too many authentication failures, try again later")
	}
	return nil
}

// RecordAuthAttempt appends to the IP's history. A success clears the
// failure history and any block immediately, rewarding correct credentials.
func (sm *SecurityManager) RecordAuthAttempt(ip, username string, success bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if success {
		delete(sm.attempts, ip)
		delete(sm.blocked, ip)
		metrics.BlockedIPsCurrent.Set(float64(len(sm.blocked)))
		sm.successfulAuths.Add(1)
		return
	}

	sm.failedAuths.Add(1)
	sm.attempts[ip] = append(sm.attempts[ip], authAttempt{
		at:       time.Now(),
		username: username,
	})
}

// DetectSuspiciousActivity flags scripted-looking patterns from an IP:
// many attempts packed into the last minute, machine-speed spacing between
// this attempt and the previous one, or credential spraying across distinct
// usernames. A true return fails the authentication regardless of credential
// correctness. The spacing check compares against the last attempt only, so
// the flag clears as soon as the client slows down.
func (sm *SecurityManager) DetectSuspiciousActivity(ip, sessionID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-sm.suspicionWindow)
	var recent []authAttempt
	for _, a := range sm.attempts[ip] {
		if a.at.After(cutoff) {
			recent = append(recent, a)
		}
	}
	if len(recent) == 0 {
		return false
	}

	suspicious := false
	if len(recent) >= rapidAttemptCount {
		suspicious = true
	}
	if !suspicious && now.Sub(recent[len(recent)-1].at) < sm.rapidSpacing {
		suspicious = true
	}
	if !suspicious {
		usernames := make(map[string]struct{})
		for _, a := range recent {
			if a.username != "" {
				usernames[a.username] = struct{}{}
			}
		}
		suspicious = len(usernames) >= sm.suspiciousThreshold
	}

	if suspicious {
		sm.suspiciousFlagged.Add(1)
		metrics.SuspiciousActivityTotal.Inc()
		logger.Warn("suspicious authentication pattern",
			"ip", ip, "session", sessionID, "recent_attempts", len(recent))
	}
	return suspicious
}

func (sm *SecurityManager) recentFailuresLocked(ip string, now time.Time) int {
	cutoff := now.Add(-sm.authWindow)
	var count int
	for _, a := range sm.attempts[ip] {
		if !a.success && a.at.After(cutoff) {
			count++
		}
	}
	return count
}

// StartCleanup launches the periodic sweep that drops expired blocks and
// attempt history outside the window.
func (sm *SecurityManager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sm.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.cleanup()
			}
		}
	}()
}

func (sm *SecurityManager) cleanup() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-sm.authWindow)
	for ip, attempts := range sm.attempts {
		kept := attempts[:0]
		for _, a := range attempts {
			if a.at.After(cutoff) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(sm.attempts, ip)
		} else {
			sm.attempts[ip] = kept
		}
	}
	for ip, until := range sm.blocked {
		if now.After(until) {
			delete(sm.blocked, ip)
		}
	}
	metrics.BlockedIPsCurrent.Set(float64(len(sm.blocked)))
}

// SecurityStats is a point-in-time snapshot of the manager's counters,
// exposed on the HTTP status endpoint.
type SecurityStats struct {
	ActiveIPs           int   `json:"active_ips"`
	BlockedIPs          int   `json:"blocked_ips"`
	TotalConnections    int64 `json:"total_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	FailedAuths         int64 `json:"failed_auths"`
	SuccessfulAuths     int64 `json:"successful_auths"`
	BlockedAuthAttempts int64 `json:"blocked_auth_attempts"`
	SuspiciousFlagged   int64 `json:"suspicious_flagged"`
}

func (sm *SecurityManager) Stats() SecurityStats {
	sm.mu.Lock()
	activeIPs := len(sm.connections)
	blockedIPs := len(sm.blocked)
	sm.mu.Unlock()

	return SecurityStats{
		ActiveIPs:           activeIPs,
		BlockedIPs:          blockedIPs,
		TotalConnections:    sm.totalConnections.Load(),
		RejectedConnections: sm.rejectedConns.Load(),
		FailedAuths:         sm.failedAuths.Load(),
		SuccessfulAuths:     sm.successfulAuths.Load(),
		BlockedAuthAttempts: sm.blockedAttempts.Load(),
		SuspiciousFlagged:   sm.suspiciousFlagged.Load(),
	}
}

// commandLimiter enforces the per-session command rate: a ceiling on
// commands per minute and a minimum spacing between commands. Sessions own
// their limiter, so no locking is needed.
type commandLimiter struct {
	maxPerMinute int
	minDelay     time.Duration

	windowStart time.Time
	count       int
	lastCommand time.Time
}

func newCommandLimiter(maxPerMinute int, minDelay time.Duration) *commandLimiter {
	return &commandLimiter{maxPerMinute: maxPerMinute, minDelay: minDelay}
}

// Allow records one command and reports whether it is within limits. The
// per-minute ceiling uses a fixed window; counts at the window boundary are
// approximate.
func (cl *commandLimiter) Allow() *Error {
	now := time.Now()

	if cl.minDelay > 0 && !cl.lastCommand.IsZero() && now.Sub(cl.lastCommand) < cl.minDelay {
		cl.lastCommand = now
		metrics.SecurityRejectionsTotal.WithLabelValues("command_spacing").Inc()
		return newError(KindRateLimitExceeded, "Commands arriving too fast")
	}
	cl.lastCommand = now

	if cl.maxPerMinute > 0 {
		if now.Sub(cl.windowStart) >= time.Minute {
			cl.windowStart = now
			cl.count = 0
		}
		cl.count++
		if cl.count > cl.maxPerMinute {
			metrics.SecurityRejectionsTotal.WithLabelValues("command_rate").Inc()
			return newError(KindRateLimitExceeded, "Command rate limit exceeded")
		}
	}
	return nil
}
