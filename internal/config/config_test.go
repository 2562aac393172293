package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("MAX_QUEUE_WAIT", "")

	cfg := Load()
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("expected postgres backend, got %q", cfg.StoreBackend)
	}
	if cfg.MaxQueueWait != 30*time.Minute {
		t.Fatalf("unexpected max queue wait %s", cfg.MaxQueueWait)
	}
	if cfg.StatusPollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.StatusPollInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("BACKOFF_INITIAL", "250ms")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("QUOTA_STORAGE_BYTES", "1024")
	t.Setenv("WORKER_COUNT", "not-a-number")

	cfg := Load()
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected lower-cased backend, got %q", cfg.StoreBackend)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("expected 7 retries, got %d", cfg.MaxRetries)
	}
	if cfg.BackoffInitial != 250*time.Millisecond {
		t.Fatalf("unexpected backoff %s", cfg.BackoffInitial)
	}
	if !cfg.S3PathStyle {
		t.Fatalf("expected path style")
	}
	if cfg.QuotaStorageBytes != 1024 {
		t.Fatalf("unexpected storage quota %d", cfg.QuotaStorageBytes)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("invalid int should fall back to default, got %d", cfg.WorkerCount)
	}
}
