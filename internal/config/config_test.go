package config

import (
	"testing"
	"time"
)

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg := LoadClientConfig()

	if cfg.CommandPrefix != '/' {
		t.Fatalf("command prefix %q", cfg.CommandPrefix)
	}
	if cfg.Database.Path != "skiff.db" {
		t.Fatalf("database path %q", cfg.Database.Path)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis addr %q", cfg.Redis.Addr)
	}
	if cfg.Blob.Bucket != "skiff-files" {
		t.Fatalf("bucket %q", cfg.Blob.Bucket)
	}
	if cfg.Sync.MessagePageSize != 30 {
		t.Fatalf("page size %d", cfg.Sync.MessagePageSize)
	}
	if cfg.Sync.SearchDebounce != 300*time.Millisecond {
		t.Fatalf("search debounce %s", cfg.Sync.SearchDebounce)
	}
	if cfg.Sync.PresenceTTL != 30*time.Second {
		t.Fatalf("presence ttl %s", cfg.Sync.PresenceTTL)
	}
}

func TestLoadClientConfigOverrides(t *testing.T) {
	t.Setenv("SKIFF_COMMAND_PREFIX", ":")
	t.Setenv("SKIFF_DB_PATH", "/tmp/other.db")
	t.Setenv("SKIFF_REDIS_ADDR", "redis:6380")
	t.Setenv("SKIFF_REDIS_DB", "3")
	t.Setenv("SKIFF_BLOB_USE_SSL", "true")
	t.Setenv("SKIFF_MESSAGE_PAGE_SIZE", "50")
	t.Setenv("SKIFF_SEARCH_DEBOUNCE", "150ms")

	cfg := LoadClientConfig()

	if cfg.CommandPrefix != ':' {
		t.Fatalf("command prefix %q", cfg.CommandPrefix)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Fatalf("database path %q", cfg.Database.Path)
	}
	if cfg.Redis.Addr != "redis:6380" || cfg.Redis.DB != 3 {
		t.Fatalf("redis %+v", cfg.Redis)
	}
	if !cfg.Blob.UseSSL {
		t.Fatal("ssl override lost")
	}
	if cfg.Sync.MessagePageSize != 50 {
		t.Fatalf("page size %d", cfg.Sync.MessagePageSize)
	}
	if cfg.Sync.SearchDebounce != 150*time.Millisecond {
		t.Fatalf("search debounce %s", cfg.Sync.SearchDebounce)
	}
}

func TestLoadClientConfigIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SKIFF_MESSAGE_PAGE_SIZE", "many")
	t.Setenv("SKIFF_SEARCH_DEBOUNCE", "soon")
	t.Setenv("SKIFF_BLOB_USE_SSL", "definitely")

	cfg := LoadClientConfig()

	if cfg.Sync.MessagePageSize != 30 {
		t.Fatalf("page size %d", cfg.Sync.MessagePageSize)
	}
	if cfg.Sync.SearchDebounce != 300*time.Millisecond {
		t.Fatalf("search debounce %s", cfg.Sync.SearchDebounce)
	}
	if cfg.Blob.UseSSL {
		t.Fatal("malformed bool accepted")
	}
}
