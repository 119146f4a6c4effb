package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
database:
  path: /tmp/test-relay.db
queue:
  visibility_timeout: 10s
  dequeue_timeout: 2s
coordinator:
  poll_interval: 50ms
  reconcile_on_start: false
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/test-relay.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Queue.VisibilityTimeout != 10*time.Second {
		t.Errorf("VisibilityTimeout = %v, want 10s", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Queue.DequeueTimeout != 2*time.Second {
		t.Errorf("DequeueTimeout = %v, want 2s", cfg.Queue.DequeueTimeout)
	}
	if cfg.Coordinator.PollInterval != 50*time.Millisecond {
		t.Errorf("PollInterval = %v, want 50ms", cfg.Coordinator.PollInterval)
	}
	if cfg.Coordinator.ReconcileOnStart {
		t.Error("ReconcileOnStart = true, want false")
	}
}

func TestLoadFromPath_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "{}\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Queue.VisibilityTimeout != 30*time.Second {
		t.Errorf("default VisibilityTimeout = %v, want 30s", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Database.Path == "" {
		t.Error("Database.Path should fall back to XDG default")
	}
	if cfg.Policy.Path == "" {
		t.Error("Policy.Path should fall back to XDG default")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Queue.VisibilityTimeout != 30*time.Second {
		t.Errorf("VisibilityTimeout = %v, want 30s", cfg.Queue.VisibilityTimeout)
	}
	if !cfg.Coordinator.ReconcileOnStart {
		t.Error("ReconcileOnStart should default to true")
	}
}
