package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8844 {
		t.Errorf("default port: expected 8844, got %d", cfg.Server.Port)
	}
	if cfg.Server.Path != "/chsk" {
		t.Errorf("default path: expected /chsk, got %q", cfg.Server.Path)
	}
	if cfg.Channel.SendBufMsWS != 30 || cfg.Channel.SendBufMsAjax != 100 {
		t.Errorf("default buffer windows: got ws=%d ajax=%d",
			cfg.Channel.SendBufMsWS, cfg.Channel.SendBufMsAjax)
	}
	if cfg.Channel.WSConnGCMs != 40000 {
		t.Errorf("default watchdog interval: got %d", cfg.Channel.WSConnGCMs)
	}
	if cfg.Audit.Path != "" {
		t.Errorf("audit should default to disabled, got %q", cfg.Audit.Path)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
  path: /realtime
channel:
  sendBufMsWs: 10
  wsConnGcMs: 60000
audit:
  path: /tmp/audit.db
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Server.Path != "/realtime" {
		t.Errorf("path = %q", cfg.Server.Path)
	}
	if cfg.Channel.SendBufMsWS != 10 {
		t.Errorf("sendBufMsWs = %d", cfg.Channel.SendBufMsWS)
	}
	// Unset fields keep their defaults.
	if cfg.Channel.SendBufMsAjax != 100 {
		t.Errorf("sendBufMsAjax = %d, want default 100", cfg.Channel.SendBufMsAjax)
	}
	if cfg.Audit.Path != "/tmp/audit.db" {
		t.Errorf("audit path = %q", cfg.Audit.Path)
	}
	if cfg.Log.SlogLevel().String() != "DEBUG" {
		t.Errorf("log level = %v", cfg.Log.SlogLevel())
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load with invalid YAML should error")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"bad path", "server:\n  path: chsk\n"},
		{"bad recv buf", "channel:\n  recvBufSize: -1\n"},
		{"negative window", "channel:\n  sendBufMsWs: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load should reject %s", tt.name)
			}
		})
	}
}
