package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/kumo/cache"
	"github.com/migadu/kumo/config"
	"github.com/migadu/kumo/db"
	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/server/httpapi"
	"github.com/migadu/kumo/server/pop3"
	"github.com/migadu/kumo/storage"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLogOutput := flag.String("logoutput", "", "Log output destination (overrides config)")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	fAddr := flag.String("addr", "", "POP3 listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}
	if *fAddr != "" {
		cfg.Servers.POP3.Addr = *fAddr
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(cfg); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	s3, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey,
		cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Debug)
	if err != nil {
		return fmt.Errorf("s3 storage: %w", err)
	}
	// Probe bucket access before accepting connections; a missing probe
	// object is fine, a credential or endpoint problem is not.
	if _, err := s3.Exists(ctx, "startup-probe"); err != nil {
		return fmt.Errorf("s3 bucket %q not accessible: %w", cfg.S3.Bucket, err)
	}

	var localCache *cache.Cache
	if cfg.LocalCache.Enabled {
		purgeInterval, err := cfg.LocalCache.GetPurgeInterval()
		if err != nil {
			return err
		}
		localCache, err = cache.New(cfg.LocalCache.Path, cfg.LocalCache.MaxSizeBytes,
			cfg.LocalCache.MaxObjectSize, purgeInterval)
		if err != nil {
			return fmt.Errorf("local cache: %w", err)
		}
		defer localCache.Close()
		localCache.StartPurgeLoop(ctx)
	}

	// The auth audit trail grows without bound otherwise.
	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := database.PruneAuthAttempts(ctx, 30*24*time.Hour); err != nil {
					logger.Warn("failed to prune auth attempts", "error", err)
				}
			}
		}
	}()

	backend := pop3.NewBackend(database, s3, localCache)
	pop3Server, err := pop3.New(ctx, cfg.Hostname, &cfg.Servers.POP3, backend)
	if err != nil {
		return fmt.Errorf("pop3 server: %w", err)
	}

	errChan := make(chan error, 2)
	go pop3Server.Start(errChan)

	var apiServer *httpapi.Server
	if cfg.HTTPAPI.Enabled {
		apiServer = httpapi.New(cfg.HTTPAPI.Addr, pop3Server)
		go apiServer.Start(errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		logger.Error("fatal server error", "error", err)
		stop()
		pop3Server.Close()
		return err
	}

	pop3Server.Close()
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Close(shutdownCtx)
	}
	logger.Info("shutdown complete")
	return nil
}
