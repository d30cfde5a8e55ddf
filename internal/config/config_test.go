package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeStrict(t *testing.T) {
	good := []byte(`{
		"logging": {"level": "debug", "console": true},
		"storage": {"path": "/tmp/outreach.db"},
		"queue": {"poll_interval": "250ms", "retry_max": 5},
		"dispatch": {"workers": 3, "send_timeout": "10s"},
		"rates": {"whatsapp": {"per_minute": 20, "per_day": 1000}},
		"scheduler": {"enabled": true, "timezone": "Asia/Jakarta"}
	}`)
	cfg, err := Decode(good)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled {
		t.Fatalf("decoded: %+v", cfg)
	}
	if cfg.Rates["whatsapp"].PerMinute != 20 {
		t.Fatalf("rates: %+v", cfg.Rates)
	}

	if _, err := Decode([]byte(`{"storge": {"path": "x"}}`)); err == nil {
		t.Fatal("unknown key must be rejected")
	}
	if _, err := Decode([]byte(`{}{}`)); err == nil {
		t.Fatal("trailing data must be rejected")
	}
}

func TestManagerLoadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
logging:
  level: info
  console: true
storage:
  path: /tmp/outreach.db
queue:
  visibility_timeout: 90s
scheduler:
  enabled: true
rates:
  email:
    per_hour: 200
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.VisibilityTimeout != "90s" {
		t.Fatalf("visibility timeout: %q", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Rates["email"].PerHour != 200 {
		t.Fatalf("rates: %+v", cfg.Rates)
	}
	if got := m.Get(); got == nil || got.Storage.Path != "/tmp/outreach.db" {
		t.Fatalf("get: %+v", got)
	}
}
