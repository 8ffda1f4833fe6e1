package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalCache(t *testing.T) {
	t.Run("GetSetRoundTrip", func(t *testing.T) {
		tmpDir := t.TempDir()
		cacheFile := filepath.Join(tmpDir, "decisions.json")

		c := NewLocalCache(cacheFile)
		ctx := context.Background()

		_, hit, err := c.Get(ctx, "abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if hit {
			t.Fatal("expected miss on empty cache")
		}

		if err := c.Set(ctx, "abc", Decision{Route: "fast"}, time.Hour); err != nil {
			t.Fatalf("unexpected error on set: %v", err)
		}

		d, hit, err := c.Get(ctx, "abc")
		if err != nil {
			t.Fatalf("unexpected error on get: %v", err)
		}
		if !hit {
			t.Fatal("expected hit after set")
		}
		if d.Route != "fast" {
			t.Errorf("expected route %q, got %q", "fast", d.Route)
		}
	})

	t.Run("ExpiredEntryIsMiss", func(t *testing.T) {
		tmpDir := t.TempDir()
		cacheFile := filepath.Join(tmpDir, "decisions.json")

		c := NewLocalCache(cacheFile)
		ctx := context.Background()

		if err := c.Set(ctx, "abc", Decision{Route: "fast"}, -time.Second); err != nil {
			t.Fatalf("unexpected error on set: %v", err)
		}

		_, hit, err := c.Get(ctx, "abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if hit {
			t.Fatal("expected expired entry to be a miss")
		}
	})

	t.Run("CreateDirectoryIfNeeded", func(t *testing.T) {
		tmpDir := t.TempDir()
		cacheFile := filepath.Join(tmpDir, "nested", "dir", "decisions.json")

		c := NewLocalCache(cacheFile)
		ctx := context.Background()

		if err := c.Set(ctx, "k", Decision{Route: "r"}, time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := os.Stat(cacheFile); os.IsNotExist(err) {
			t.Fatal("cache file was not created")
		}
	})

	t.Run("EmptyFilePath", func(t *testing.T) {
		c := NewLocalCache("")
		ctx := context.Background()

		_, hit, err := c.Get(ctx, "k")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if hit {
			t.Fatal("expected miss for empty path")
		}

		if err := c.Set(ctx, "k", Decision{Route: "r"}, time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("CloseIsNoOp", func(t *testing.T) {
		c := NewLocalCache("/tmp/test.json")
		if err := c.Close(); err != nil {
			t.Fatalf("unexpected error on close: %v", err)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		cacheFile := filepath.Join(tmpDir, "decisions.json")

		if err := os.WriteFile(cacheFile, []byte("not valid json"), 0o644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}

		c := NewLocalCache(cacheFile)
		ctx := context.Background()

		_, _, err := c.Get(ctx, "k")
		if err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})
}
