package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"telegram": {"admin_user_ids": [1, 2], "poll_timeout": "10s"},
		"moderation": {"mute_after": 3, "ban_after": 5, "ban_for": "24h"},
		"antispam": {"flood_window": "6s", "flood_limit": 4, "dup_window": "15s"},
		"admission": {"rate_limit": 10, "rate_window": "30s", "cooldown": "120s"},
		"delivery": {"workers": 4, "rate_per_sec": 20},
		"storage": {"driver": "sqlite", "path": "relay.db"},
		"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "admin": {"enabled": false}}
	}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Telegram.AdminUserIDs) != 2 || cfg.Moderation.BanAfter != 5 {
		t.Fatalf("parsed config = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  admin_user_ids: [7]
moderation:
  mute_after: 3
  ban_after: 5
antispam: {}
admission: {}
delivery:
  workers: 2
storage:
  driver: memory
  path: ""
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
  admin: {enabled: false}
autopost:
  enabled: true
  entries:
    - {name: rules, spec: "@daily", text: "read the rules"}
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.AdminUserIDs[0] != 7 || cfg.Storage.Driver != "memory" {
		t.Fatalf("parsed config = %+v", cfg)
	}
	if cfg.Autopost == nil || len(cfg.Autopost.Entries) != 1 || cfg.Autopost.Entries[0].Spec != "@daily" {
		t.Fatalf("autopost = %+v", cfg.Autopost)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram": {"tokenn": "typo"}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"telegram": {}} {"extra": true}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad duration", func(c *Config) { c.AntiSpam.FloodWindow = "six seconds" }, "flood_window"},
		{"negative duration", func(c *Config) { c.Moderation.BanFor = "-1h" }, ">= 0"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }, "unknown driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.Path = "" }, "storage.path"},
		{"inverted thresholds", func(c *Config) { c.Moderation.MuteAfter = 5; c.Moderation.BanAfter = 3 }, "mute_after"},
		{"autopost without spec", func(c *Config) {
			c.Autopost = &AutopostConfig{Enabled: true, Entries: []AutopostEntry{{Text: "x"}}}
		}, "spec is required"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Storage: StorageConfig{Driver: "memory"}}
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("empty = (%v, %v), want default", d, err)
	}
	d, err = ParseDurationOrDefault("x", "3s", 42)
	if err != nil || d.Seconds() != 3 {
		t.Fatalf("set = (%v, %v)", d, err)
	}
}
