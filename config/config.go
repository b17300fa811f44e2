// Package config defines the TOML configuration surface of the kumo server.
//
// Durations are configured as strings ("5m", "30s") and parsed on access so
// that a malformed value is reported with the offending key instead of a
// bare toml decode error.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig controls log output, format and verbosity.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
	QueryTimeout    string `toml:"query_timeout"`
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	return parseDuration("database.max_conn_lifetime", d.MaxConnLifetime, time.Hour)
}

func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	return parseDuration("database.max_conn_idle_time", d.MaxConnIdleTime, 30*time.Minute)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	return parseDuration("database.query_timeout", d.QueryTimeout, 30*time.Second)
}

// S3Config holds settings for the S3-compatible message body store.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"`
}

// LocalCacheConfig holds settings for the local message body cache.
type LocalCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	MaxSizeBytes  int64  `toml:"max_size_bytes"`
	MaxObjectSize int64  `toml:"max_object_size"`
	PurgeInterval string `toml:"purge_interval"`
}

func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	return parseDuration("local_cache.purge_interval", c.PurgeInterval, 12*time.Hour)
}

// HTTPAPIConfig configures the metrics/health endpoint.
type HTTPAPIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// POP3SecurityConfig configures the per-IP security manager of the POP3
// server: connection ceilings, the failed-authentication window and the
// command-rate limits.
type POP3SecurityConfig struct {
	MaxAuthAttempts      int    `toml:"max_auth_attempts"`       // failed attempts per IP inside the window
	AuthWindow           string `toml:"auth_window"`             // rolling window for failed attempts
	AutoBlockDuration    string `toml:"auto_block_duration"`     // block duration once the window limit is hit
	MaxConnectionsPerIP  int    `toml:"max_connections_per_ip"`  // concurrent connections per IP (0 = unlimited)
	MaxCommandsPerMinute int    `toml:"max_commands_per_minute"` // per-session command ceiling (0 = unlimited)
	MinCommandDelay      string `toml:"min_command_delay"`       // minimum spacing between commands
	SuspiciousThreshold  int    `toml:"suspicious_threshold"`    // violations before an IP is flagged
	CleanupInterval      string `toml:"cleanup_interval"`        // sweep interval for stale entries
}

func (s *POP3SecurityConfig) GetAuthWindow() (time.Duration, error) {
	return parseDuration("pop3.security.auth_window", s.AuthWindow, 5*time.Minute)
}

func (s *POP3SecurityConfig) GetAutoBlockDuration() (time.Duration, error) {
	return parseDuration("pop3.security.auto_block_duration", s.AutoBlockDuration, 30*time.Minute)
}

func (s *POP3SecurityConfig) GetMinCommandDelay() (time.Duration, error) {
	return parseDuration("pop3.security.min_command_delay", s.MinCommandDelay, 0)
}

func (s *POP3SecurityConfig) GetCleanupInterval() (time.Duration, error) {
	return parseDuration("pop3.security.cleanup_interval", s.CleanupInterval, 5*time.Minute)
}

// POP3Config configures a POP3 listener.
type POP3Config struct {
	Name               string `toml:"name"`
	Addr               string `toml:"addr"`
	MaxConnections     int    `toml:"max_connections"`
	MaxSessionsPerUser int    `toml:"max_sessions_per_user"` // concurrent authenticated sessions per account (0 = unlimited)
	MaxAuthFailures    int    `toml:"max_auth_failures"`     // per-session failures before the connection is dropped

	TLS                bool   `toml:"tls"`      // implicit TLS on the listener
	TLSCertFile        string `toml:"tls_cert"` // also used for STLS on plaintext listeners
	TLSKeyFile         string `toml:"tls_key"`
	STLSAfterPlaintext bool   `toml:"stls_after_plaintext"` // permit STLS after USER/PASS were sent in the clear

	AuthIdleTimeout string `toml:"auth_idle_timeout"` // idle timeout before authentication
	IdleTimeout     string `toml:"idle_timeout"`      // idle timeout after authentication

	MaxLineLength int `toml:"max_line_length"` // parser bound on a single command line
	MaxTopLines   int `toml:"max_top_lines"`   // upper bound on the TOP line-count argument

	// DisabledCommands withdraws individual verbs (STAT, LIST, UIDL, RETR,
	// TOP, DELE) from every session, or "ALL" to refuse POP3 logins outright.
	DisabledCommands []string `toml:"disabled_commands"`

	Security POP3SecurityConfig `toml:"security"`
}

func (p *POP3Config) GetAuthIdleTimeout() (time.Duration, error) {
	return parseDuration("pop3.auth_idle_timeout", p.AuthIdleTimeout, 1*time.Minute)
}

func (p *POP3Config) GetIdleTimeout() (time.Duration, error) {
	return parseDuration("pop3.idle_timeout", p.IdleTimeout, 10*time.Minute)
}

// ServersConfig groups the protocol listeners.
type ServersConfig struct {
	POP3 POP3Config `toml:"pop3"`
}

// Config is the root of the TOML configuration file.
type Config struct {
	Hostname   string           `toml:"hostname"`
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
	Servers    ServersConfig    `toml:"servers"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency and parses every duration once so
// startup fails fast on a bad value.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname must be set")
	}

	pop3 := &c.Servers.POP3
	if pop3.Addr == "" {
		return fmt.Errorf("servers.pop3.addr must be set")
	}
	if pop3.TLS && (pop3.TLSCertFile == "" || pop3.TLSKeyFile == "") {
		return fmt.Errorf("servers.pop3: tls enabled but tls_cert/tls_key not set")
	}
	if pop3.MaxAuthFailures < 0 {
		return fmt.Errorf("servers.pop3.max_auth_failures must not be negative")
	}

	for key, get := range map[string]func() (time.Duration, error){
		"pop3.auth_idle_timeout":            pop3.GetAuthIdleTimeout,
		"pop3.idle_timeout":                 pop3.GetIdleTimeout,
		"pop3.security.auth_window":         pop3.Security.GetAuthWindow,
		"pop3.security.auto_block_duration": pop3.Security.GetAutoBlockDuration,
		"pop3.security.min_command_delay":   pop3.Security.GetMinCommandDelay,
		"pop3.security.cleanup_interval":    pop3.Security.GetCleanupInterval,
		"database.max_conn_lifetime":        c.Database.GetMaxConnLifetime,
		"database.max_conn_idle_time":       c.Database.GetMaxConnIdleTime,
		"database.query_timeout":            c.Database.GetQueryTimeout,
		"local_cache.purge_interval":        c.LocalCache.GetPurgeInterval,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	return nil
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", key)
	}
	return d, nil
}
