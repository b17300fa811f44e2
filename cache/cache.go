// Package cache is a local, size-bounded cache of message bodies fetched
// from S3. Files are stored under their BLAKE3 content hash with a sqlite
// index used for existence checks and LRU purging. Entries are verified
// against their hash on read; a corrupt file is dropped and treated as a
// miss so the caller refetches from S3.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/migadu/kumo/logger"
	"github.com/migadu/kumo/pkg/metrics"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

const (
	DataDir = "data"
	IndexDB = "cache_index.db"

	purgeBatchSize = 500
)

var ErrNotFound = errors.New("not in cache")

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration

	mu sync.Mutex
	db *sql.DB
}

func New(basePath string, maxSizeBytes, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to enable WAL on cache index", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		content_hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache_index(accessed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      maxSizeBytes,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// PathFor returns the on-disk location for a content hash, fanned out over
// two directory levels to keep directories small.
func (c *Cache) PathFor(contentHash string) string {
	if len(contentHash) < 4 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash)
}

// Get returns the cached body for a content hash, or ErrNotFound. The data
// is re-hashed before being returned; on mismatch the entry is evicted.
func (c *Cache) Get(contentHash string) ([]byte, error) {
	data, err := os.ReadFile(c.PathFor(contentHash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
			return nil, ErrNotFound
		}
		metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, err
	}

	sum := blake3.Sum256(data)
	if hex.EncodeToString(sum[:]) != contentHash {
		logger.Warn("cache entry failed integrity check, evicting", "hash", contentHash)
		metrics.CacheOperationsTotal.WithLabelValues("get", "corrupt").Inc()
		_ = c.Delete(contentHash)
		return nil, ErrNotFound
	}

	c.touch(contentHash)
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()
	return data, nil
}

// Put stores a body under its content hash. Oversized objects are skipped
// silently; the cache is an optimization, not a store of record.
func (c *Cache) Put(contentHash string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "skipped").Inc()
		return nil
	}

	path := c.PathFor(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temp file and rename so readers never see a partial body.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to move file into cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO cache_index (content_hash, size, accessed_at) VALUES (?, ?, ?)`,
		contentHash, len(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to track cache entry: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

func (c *Cache) Delete(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.PathFor(contentHash)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE content_hash = ?`, contentHash); err != nil {
		return fmt.Errorf("failed to remove cache index entry: %w", err)
	}
	return nil
}

func (c *Cache) touch(contentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(
		`UPDATE cache_index SET accessed_at = ? WHERE content_hash = ?`,
		time.Now().Unix(), contentHash); err != nil {
		logger.Debug("failed to update cache access time", "hash", contentHash, "error", err)
	}
}

// StartPurgeLoop evicts least-recently-used entries whenever the cache grows
// past capacity, until the context is cancelled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(); err != nil {
					logger.Error("cache purge failed", "error", err)
				}
			}
		}
	}()
}

func (c *Cache) PurgeIfNeeded() error {
	size, count, err := c.usage()
	if err != nil {
		return err
	}
	metrics.CacheSizeBytes.Set(float64(size))
	metrics.CacheObjectsTotal.Set(float64(count))

	if c.capacity <= 0 || size <= c.capacity {
		return nil
	}

	c.mu.Lock()
	rows, err := c.db.Query(
		`SELECT content_hash, size FROM cache_index ORDER BY accessed_at LIMIT ?`, purgeBatchSize)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to select purge candidates: %w", err)
	}

	type victim struct {
		hash string
		size int64
	}
	var victims []victim
	excess := size - c.capacity
	var reclaimed int64
	for rows.Next() && reclaimed < excess {
		var v victim
		if err := rows.Scan(&v.hash, &v.size); err != nil {
			rows.Close()
			c.mu.Unlock()
			return err
		}
		victims = append(victims, v)
		reclaimed += v.size
	}
	rows.Close()
	c.mu.Unlock()

	for _, v := range victims {
		if err := c.Delete(v.hash); err != nil {
			logger.Warn("failed to evict cache entry", "hash", v.hash, "error", err)
		}
	}
	if len(victims) > 0 {
		logger.Info("cache purge complete", "evicted", len(victims), "reclaimed_bytes", reclaimed)
	}
	return nil
}

func (c *Cache) usage() (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size, count sql.NullInt64
	err := c.db.QueryRow(`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM cache_index`).Scan(&size, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read cache usage: %w", err)
	}
	return size.Int64, count.Int64, nil
}
