package file

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/trialmatch/internal/pkg/config"
)

func TestNewProvider_EmptyPath(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestProvider_LoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("heartbeat:\n  timeout: 30s\n  check_interval: 1s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	p, err := NewProvider(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Heartbeat.Timeout != 30*time.Second {
		t.Fatalf("timeout = %v, want 30s", cfg.Heartbeat.Timeout)
	}

	changes := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(c *config.Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// An invalid file is ignored and the previous config stays current.
	if err := os.WriteFile(path, []byte("heartbeat:\n  timeout: 1s\n  check_interval: 5s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(path, []byte("heartbeat:\n  timeout: 10s\n  check_interval: 1s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Heartbeat.Timeout == 10*time.Second {
				if p.Current().Heartbeat.Timeout != 10*time.Second {
					t.Error("Current() not updated")
				}
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
