package server

import (
	"fmt"
	"log/slog"

	"github.com/migadu/kumo/logger"
)

// ConnectionStatsProvider reports live connection counts for a listener.
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session is the base embedded by protocol sessions. It carries identity for
// structured logging; protocol packages add their own state on top.
type Session struct {
	Id         string
	RemoteIP   string
	HostName   string
	ServerName string
	Protocol   string
	Stats      ConnectionStatsProvider
	*User
}

func (s *Session) logAttrs() []any {
	attrs := []any{
		slog.String("protocol", s.Protocol),
		slog.String("session", s.Id),
		slog.String("remote", s.RemoteIP),
	}
	if s.ServerName != "" {
		attrs = append(attrs, slog.String("server", s.ServerName))
	}
	if s.User != nil {
		attrs = append(attrs,
			slog.String("user", s.User.FullAddress()),
			slog.Int64("account_id", s.User.AccountID()))
	}
	if s.Stats != nil {
		attrs = append(attrs,
			slog.Int64("conns", s.Stats.GetTotalConnections()),
			slog.Int64("authd", s.Stats.GetAuthenticatedConnections()))
	}
	return attrs
}

// Log writes an info-level entry tagged with the session identity.
func (s *Session) Log(format string, args ...any) {
	logger.Info(fmt.Sprintf(format, args...), s.logAttrs()...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), s.logAttrs()...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), s.logAttrs()...)
}

func (s *Session) ErrorLog(format string, args ...any) {
	logger.Error(fmt.Sprintf(format, args...), s.logAttrs()...)
}
