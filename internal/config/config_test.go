//go:build !integration

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database:
  url: postgres://localhost:5432/jobstream
redis:
  url: localhost:6379
`

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d", cfg.Server.Port)
	}
	if cfg.Server.Workers != 8 {
		t.Errorf("default workers = %d", cfg.Server.Workers)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("default log config = %+v", cfg.Log)
	}
	if cfg.Redis.TTL != 24*time.Hour {
		t.Errorf("default snapshot ttl = %s", cfg.Redis.TTL)
	}
	if cfg.Progress.TicketTTL != 30*time.Second {
		t.Errorf("default ticket ttl = %s", cfg.Progress.TicketTTL)
	}
	if cfg.Progress.Retention != 24*time.Hour {
		t.Errorf("default retention = %s", cfg.Progress.Retention)
	}
	if cfg.Progress.ResultRate != 30 {
		t.Errorf("default result rate = %d", cfg.Progress.ResultRate)
	}
	if cfg.Progress.ReadyGraceWait != time.Minute {
		t.Errorf("default ready grace = %s", cfg.Progress.ReadyGraceWait)
	}
	if !cfg.Runtime.Dev {
		t.Error("dev flag lost")
	}
}

func TestLoadConfig_ExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  workers: 2
database:
  url: postgres://localhost:5432/jobstream
redis:
  url: localhost:6379
  ttl: 1h
progress:
  ticket_secret: s3cret
  ticket_ttl: 10s
  retention: 48h
  result_rate: 5
`)

	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Workers != 2 {
		t.Errorf("server config = %+v", cfg.Server)
	}
	if cfg.Redis.TTL != time.Hour {
		t.Errorf("ttl = %s", cfg.Redis.TTL)
	}
	if cfg.Progress.TicketTTL != 10*time.Second || cfg.Progress.Retention != 48*time.Hour || cfg.Progress.ResultRate != 5 {
		t.Errorf("progress config = %+v", cfg.Progress)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Run("missing database url", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		path := writeConfig(t, "redis:\n  url: localhost:6379\n")
		if _, err := LoadConfig(path, true); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("missing redis url", func(t *testing.T) {
		path := writeConfig(t, "database:\n  url: postgres://x\n")
		if _, err := LoadConfig(path, true); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("ticket secret required outside dev", func(t *testing.T) {
		path := writeConfig(t, minimalConfig)
		if _, err := LoadConfig(path, false); err == nil {
			t.Fatal("expected an error without a ticket secret")
		}
	})
}

func TestLoadConfig_EnvOverridesSecret(t *testing.T) {
	t.Setenv("JOBSTREAM_TICKET_SECRET", "from-env")
	path := writeConfig(t, minimalConfig)

	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Progress.TicketSecret != "from-env" {
		t.Errorf("secret = %q", cfg.Progress.TicketSecret)
	}
}
