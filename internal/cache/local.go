package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalCache implements Cache using a single local JSON file holding every
// key's decision. Suitable for a single-instance deployment.
type LocalCache struct {
	mu       sync.RWMutex
	filePath string
}

// NewLocalCache creates a file-backed cache rooted at filePath.
func NewLocalCache(filePath string) *LocalCache {
	return &LocalCache{filePath: filePath}
}

func (c *LocalCache) load() (map[string]Decision, error) {
	if c.filePath == "" {
		return map[string]Decision{}, nil
	}

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Decision{}, nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	entries := map[string]Decision{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	return entries, nil
}

// Get returns the decision stored under key, if present and unexpired.
func (c *LocalCache) Get(ctx context.Context, key string) (Decision, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.load()
	if err != nil {
		return Decision{}, false, err
	}

	d, ok := entries[key]
	if !ok || time.Now().After(d.ExpiresAt) {
		return Decision{}, false, nil
	}
	return d, true, nil
}

// Set stores decision under key with the given TTL, atomically rewriting
// the backing file via a temp file + rename.
func (c *LocalCache) Set(ctx context.Context, key string, decision Decision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return nil
	}

	entries, err := c.load()
	if err != nil {
		return err
	}
	decision.ExpiresAt = time.Now().Add(ttl)
	entries[key] = decision

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmpFile := c.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, c.filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// Close is a no-op for the local cache.
func (c *LocalCache) Close() error {
	return nil
}
