package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Probe.Timeout != time.Second || cfg.Probe.Engine != EngineDial {
		t.Fatalf("probe = %+v", cfg.Probe)
	}
	if cfg.Store != StoreJSON || cfg.SettingsFile != "scanner_settings.json" || cfg.HistoryFile != "scan_history.json" {
		t.Fatalf("store = %s %s %s", cfg.Store, cfg.SettingsFile, cfg.HistoryFile)
	}
	if cfg.AuthEnabled() {
		t.Fatalf("auth must be disabled without a password")
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portprobe.yaml")
	content := `
data_dir: /var/lib/portprobe
store: SQLite
probe:
  timeout: 750ms
server:
  addr: 127.0.0.1:9000
  admin_password: hunter2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORTPROBE_HTTP_ADDR", ":9999")
	t.Setenv("PORTPROBE_CONCURRENCY", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/portprobe" || cfg.Store != StoreSQLite {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Probe.Timeout != 750*time.Millisecond {
		t.Fatalf("timeout = %s", cfg.Probe.Timeout)
	}
	if cfg.Server.Addr != ":9999" || cfg.Server.Concurrency != 3 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if !cfg.AuthEnabled() {
		t.Fatalf("auth must be enabled")
	}
	if cfg.DBPath() != filepath.Join("/var/lib/portprobe", "portprobe.db") {
		t.Fatalf("db path = %s", cfg.DBPath())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"store":       "store: redis\n",
		"engine":      "probe:\n  engine: nmap\n",
		"timeout":     "probe:\n  timeout: -1s\n",
		"session key": "server:\n  session_key: short\n",
		"concurrency": "server:\n  concurrency: 0\n",
		"yaml":        "probe: [unterminated\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cfg.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %q", strings.TrimSpace(content))
			}
		})
	}
}

func TestEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("PORTPROBE_TIMEOUT", "soon")
	t.Setenv("PORTPROBE_CONCURRENCY", "many")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Probe.Timeout != time.Second || cfg.Server.Concurrency != 8 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
