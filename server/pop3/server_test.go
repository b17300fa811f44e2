package pop3

import (
	"context"
	"testing"

	"github.com/migadu/kumo/config"
	"github.com/migadu/kumo/server"
)

func TestNewResolvesDisabledCommands(t *testing.T) {
	srv, err := New(context.Background(), "mail.example.com", &config.POP3Config{
		Addr:             ":110",
		DisabledCommands: []string{"retr", "TOP"},
	}, newFakeBackend())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer srv.Close()

	want := []server.Permission{server.PermPop3Retr, server.PermPop3Top}
	if len(srv.disabledPerms) != len(want) {
		t.Fatalf("disabledPerms = %v, want %v", srv.disabledPerms, want)
	}
	for i, p := range want {
		if srv.disabledPerms[i] != p {
			t.Errorf("disabledPerms[%d] = %q, want %q", i, srv.disabledPerms[i], p)
		}
	}
}

func TestNewRejectsUnknownDisabledCommand(t *testing.T) {
	_, err := New(context.Background(), "mail.example.com", &config.POP3Config{
		Addr:             ":110",
		DisabledCommands: []string{"QUIT"},
	}, newFakeBackend())
	if err == nil {
		t.Fatal("New() accepted a command that cannot be disabled")
	}
}
