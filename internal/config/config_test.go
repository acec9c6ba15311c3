package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 3000 || cfg.LogLevel != "info" {
		t.Errorf("defaults = %s:%d level=%s", cfg.Host, cfg.Port, cfg.LogLevel)
	}
	if cfg.DatabaseURL != "trustgate.db" || cfg.EncryptionKeyPath != ".trustgate/master.key" {
		t.Errorf("storage defaults = %q, %q", cfg.DatabaseURL, cfg.EncryptionKeyPath)
	}
	if cfg.Audit.ChannelSize != 1000 || cfg.Audit.BatchSize != 100 ||
		cfg.Audit.FlushInterval != time.Second || cfg.Audit.RetentionDays != 0 {
		t.Errorf("audit defaults = %+v", cfg.Audit)
	}
	if cfg.Addr() != "0.0.0.0:3000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGIN", "http://localhost:5173")
	t.Setenv("DATABASE_URL", "/tmp/gw.db")
	t.Setenv("ENCRYPTION_KEY_PATH", "/tmp/gw.key")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 {
		t.Errorf("addr = %s", cfg.Addr())
	}
	if cfg.LogLevel != "debug" || cfg.CORSOrigin != "http://localhost:5173" {
		t.Errorf("log=%q cors=%q", cfg.LogLevel, cfg.CORSOrigin)
	}
	if cfg.DatabaseURL != "/tmp/gw.db" || cfg.EncryptionKeyPath != "/tmp/gw.key" {
		t.Errorf("storage = %q, %q", cfg.DatabaseURL, cfg.EncryptionKeyPath)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown log level": {"LOG_LEVEL", "verbose"},
		"port out of range": {"PORT", "99999"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(""); err == nil {
				t.Errorf("%s=%s accepted", kv[0], kv[1])
			}
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.yaml")
	body := `
host: 127.0.0.1
port: 4000
log_level: warn
database_url: gw.db
encryption_key_path: gw.key
audit:
  channel_size: 50
  batch_size: 10
  flush_interval: 250ms
  retention_days: 30
providers:
  - name: gmail
    plugin_id: com.google.gmail
    client_id: cid
    auth_url: https://accounts.google.com/o/oauth2/v2/auth
    token_url: https://oauth2.googleapis.com/token
    api_base_url: https://gmail.googleapis.com
    scopes: [openid, email]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 4000 || cfg.LogLevel != "warn" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Audit.FlushInterval != 250*time.Millisecond || cfg.Audit.RetentionDays != 30 {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("%d providers", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Name != "gmail" || p.PluginID != "com.google.gmail" || len(p.Scopes) != 2 {
		t.Errorf("provider = %+v", p)
	}
}

func TestLoadProviderRequiresPluginID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.yaml")
	body := `
providers:
  - name: gmail
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("provider without plugin_id accepted")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit config file accepted")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		c := Config{LogLevel: in}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
