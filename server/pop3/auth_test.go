package pop3

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/migadu/kumo/config"
	"github.com/migadu/kumo/server"
)

// authTestSession returns an unauthenticated session wired to a full server
// scaffold, so the complete login paths can run.
func authTestSession(t *testing.T, backend Backend) (*POP3Session, *bytes.Buffer) {
	t.Helper()

	security, err := NewSecurityManager(&config.POP3SecurityConfig{
		MaxAuthAttempts: 100,
		AuthWindow:      "1m",
	})
	if err != nil {
		t.Fatalf("NewSecurityManager() = %v", err)
	}

	var out bytes.Buffer
	s := &POP3Session{
		Session: server.Session{
			Id:       "auth-test",
			RemoteIP: "127.0.0.1",
			Protocol: "POP3",
		},
		srv: &POP3Server{
			name:            "test",
			backend:         backend,
			security:        security,
			accounts:        server.NewAccountLimiter(0),
			maxAuthFailures: 3,
			maxTopLines:     100,
		},
		writer:        bufio.NewWriter(&out),
		parser:        NewParser(0),
		rate:          newCommandLimiter(0, 0),
		state:         stateNotAuthenticated,
		apopTimestamp: "<1896.697170952@dbc.mtview.ca.us>",
		ctx:           context.Background(),
	}
	return s, &out
}

func TestUserPassLogin(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "hunter2"
	s, out := authTestSession(t, backend)

	if _, resp := runCommand(t, s, out, "USER alice@example.com"); !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("USER = %q", resp)
	}
	_, resp := runCommand(t, s, out, "PASS hunter2")
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("PASS = %q", resp)
	}
	if !strings.Contains(resp, "3 messages (7168 octets)") {
		t.Errorf("login response = %q, want message totals", resp)
	}

	if s.state != stateAuthenticated {
		t.Error("session not in authenticated state")
	}
	if s.mailbox == nil || s.mailbox.Total != 3 {
		t.Errorf("mailbox snapshot not loaded: %+v", s.mailbox)
	}
	if s.User == nil || s.User.FullAddress() != "alice@example.com" {
		t.Errorf("session user = %+v", s.User)
	}
}

func TestPassRequiresUser(t *testing.T) {
	s, out := authTestSession(t, newFakeBackend())
	_, resp := runCommand(t, s, out, "PASS hunter2")
	if !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("PASS without USER = %q, want -ERR", resp)
	}
}

func TestUserPassWrongPassword(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "hunter2"
	s, out := authTestSession(t, backend)

	runCommand(t, s, out, "USER alice@example.com")
	_, resp := runCommand(t, s, out, "PASS wrong")
	if !strings.HasPrefix(resp, "-ERR") {
		t.Fatalf("PASS with wrong password = %q", resp)
	}
	if s.state != stateNotAuthenticated {
		t.Error("session authenticated on wrong password")
	}
	if s.authFailures != 1 {
		t.Errorf("authFailures = %d, want 1", s.authFailures)
	}
}

func TestAuthFailureBudgetIsFatal(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "hunter2"
	s, out := authTestSession(t, backend)

	// With a budget of 3, failures 1..3 are retryable.
	for i := 0; i < 3; i++ {
		runCommand(t, s, out, "USER alice@example.com")
		out.Reset()
		s.parser.Feed([]byte("PASS wrong\r\n"))
		cmd, _ := s.parser.Next()
		_, perr := s.dispatch(cmd)
		if perr == nil {
			t.Fatalf("failure %d returned no error", i+1)
		}
		if perr.fatal {
			t.Fatalf("failure %d marked fatal inside the budget", i+1)
		}
	}

	// Only the failure after the budget closes the connection.
	runCommand(t, s, out, "USER alice@example.com")
	out.Reset()
	s.parser.Feed([]byte("PASS wrong\r\n"))
	cmd, _ := s.parser.Next()
	_, perr := s.dispatch(cmd)
	if perr == nil {
		t.Fatal("fourth failure returned no error")
	}
	if !perr.fatal {
		t.Error("fourth failure not marked fatal")
	}
	if perr.Message != "Too many failed authentication attempts" {
		t.Errorf("fatal failure message = %q", perr.Message)
	}
}

func TestApopLogin(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	digest := computeAPOPDigest(s.apopTimestamp, "secret")
	_, resp := runCommand(t, s, out, "APOP alice@example.com "+digest)
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("APOP = %q", resp)
	}
	if s.state != stateAuthenticated {
		t.Error("session not authenticated after APOP")
	}
}

func TestApopWrongDigest(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	wrong := computeAPOPDigest(s.apopTimestamp, "not-the-secret")
	_, resp := runCommand(t, s, out, "APOP alice@example.com "+wrong)
	if !strings.HasPrefix(resp, "-ERR") {
		t.Fatalf("APOP with wrong digest = %q", resp)
	}
	if s.authFailures != 1 {
		t.Errorf("authFailures = %d, want 1", s.authFailures)
	}
}

func TestApopMalformedDigestRejectedEarly(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	tests := []string{
		"APOP alice@example.com tooshort",
		"APOP alice@example.com " + strings.ToUpper(computeAPOPDigest(s.apopTimestamp, "secret")),
		"APOP alice@example.com " + strings.Repeat("g", 32),
	}
	for _, line := range tests {
		_, resp := runCommand(t, s, out, line)
		if !strings.HasPrefix(resp, "-ERR") {
			t.Errorf("%q = %q, want -ERR", line, resp)
		}
	}
	// Format errors are argument errors, not authentication failures.
	if s.authFailures != 0 {
		t.Errorf("authFailures = %d, want 0 for malformed digests", s.authFailures)
	}
}

func TestAuthPlainInitialResponse(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "hunter2"
	s, out := authTestSession(t, backend)

	initial := base64.StdEncoding.EncodeToString([]byte("\x00alice@example.com\x00hunter2"))
	_, resp := runCommand(t, s, out, "AUTH PLAIN "+initial)
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("AUTH PLAIN = %q", resp)
	}
	if s.state != stateAuthenticated {
		t.Error("session not authenticated after AUTH PLAIN")
	}
}

func TestAuthPlainContinuation(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "hunter2"
	s, out := authTestSession(t, backend)

	_, resp := runCommand(t, s, out, "AUTH PLAIN")
	if !strings.HasPrefix(resp, "+ ") {
		t.Fatalf("AUTH PLAIN challenge = %q", resp)
	}
	if !s.parser.InContinuation() {
		t.Fatal("parser not in continuation mode")
	}

	blob := base64.StdEncoding.EncodeToString([]byte("\x00alice@example.com\x00hunter2"))
	_, resp = runCommand(t, s, out, blob)
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("continuation response = %q", resp)
	}
	if s.state != stateAuthenticated {
		t.Error("session not authenticated after continuation")
	}
}

func TestAuthAbort(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	runCommand(t, s, out, "AUTH PLAIN")
	_, resp := runCommand(t, s, out, "*")
	if !strings.HasPrefix(resp, "-ERR") {
		t.Fatalf("abort response = %q, want -ERR", resp)
	}
	if s.parser.InContinuation() {
		t.Error("parser stuck in continuation after abort")
	}
	if s.saslServer != nil {
		t.Error("SASL state not cleared after abort")
	}
}

func TestAuthXoauth2(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "token-123"
	s, out := authTestSession(t, backend)

	raw := "user=alice@example.com\x01auth=Bearer token-123\x01\x01"
	initial := base64.StdEncoding.EncodeToString([]byte(raw))
	_, resp := runCommand(t, s, out, "AUTH XOAUTH2 "+initial)
	if !strings.HasPrefix(resp, "+OK") {
		t.Fatalf("AUTH XOAUTH2 = %q", resp)
	}
	if s.state != stateAuthenticated {
		t.Error("session not authenticated after XOAUTH2")
	}
}

func TestAuthXoauth2Malformed(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	initial := base64.StdEncoding.EncodeToString([]byte("garbage"))
	_, resp := runCommand(t, s, out, "AUTH XOAUTH2 "+initial)
	if !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("malformed XOAUTH2 = %q, want -ERR", resp)
	}
}

func TestAuthUnsupportedMechanism(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	_, resp := runCommand(t, s, out, "AUTH CRAM-MD5")
	if !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("AUTH CRAM-MD5 = %q, want -ERR", resp)
	}
}

func TestAuthListsMechanisms(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	_, resp := runCommand(t, s, out, "AUTH")
	for _, mech := range []string{"PLAIN\r\n", "OAUTHBEARER\r\n", "XOAUTH2\r\n"} {
		if !strings.Contains(resp, mech) {
			t.Errorf("AUTH listing missing %q: %q", mech, resp)
		}
	}
	if !strings.HasSuffix(resp, ".\r\n") {
		t.Errorf("AUTH listing not terminated: %q", resp)
	}
}

func TestLoginRefusedWhenAccessDisabled(t *testing.T) {
	backend := newFakeBackend()
	backend.password = "hunter2"
	s, out := authTestSession(t, backend)
	s.srv.disabledPerms = []server.Permission{server.PermPop3Access}

	runCommand(t, s, out, "USER alice@example.com")
	_, resp := runCommand(t, s, out, "PASS hunter2")
	if resp != "-ERR POP3 access not permitted\r\n" {
		t.Fatalf("PASS with access disabled = %q", resp)
	}
	if s.state != stateNotAuthenticated {
		t.Error("session authenticated with protocol access withdrawn")
	}
}

func TestInvalidUsernameRejected(t *testing.T) {
	backend := newFakeBackend()
	s, out := authTestSession(t, backend)

	_, resp := runCommand(t, s, out, "USER not-an-address")
	if !strings.HasPrefix(resp, "-ERR") {
		t.Errorf("USER not-an-address = %q, want -ERR", resp)
	}
}
