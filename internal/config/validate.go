package config

import (
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without side effects:
// duration syntax, driver names, schedule entries. Watch runs it before
// committing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"moderation.mute_for", cfg.Moderation.MuteFor},
		{"moderation.ban_for", cfg.Moderation.BanFor},
		{"antispam.flood_window", cfg.AntiSpam.FloodWindow},
		{"antispam.dup_window", cfg.AntiSpam.DupWindow},
		{"admission.rate_window", cfg.Admission.RateWindow},
		{"admission.cooldown", cfg.Admission.Cooldown},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); (d == "" || strings.HasPrefix(d, "sqlite")) && strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}

	if cfg.Moderation.MuteAfter < 0 || cfg.Moderation.BanAfter < 0 {
		return fmt.Errorf("moderation thresholds must be >= 0")
	}
	if cfg.Moderation.MuteAfter > 0 && cfg.Moderation.BanAfter > 0 &&
		cfg.Moderation.MuteAfter >= cfg.Moderation.BanAfter {
		return fmt.Errorf("moderation.mute_after (%d) must be below ban_after (%d)",
			cfg.Moderation.MuteAfter, cfg.Moderation.BanAfter)
	}

	if cfg.Autopost != nil {
		for i, e := range cfg.Autopost.Entries {
			if strings.TrimSpace(e.Spec) == "" {
				return fmt.Errorf("autopost.entries[%d]: spec is required", i)
			}
			if strings.TrimSpace(e.Text) == "" {
				return fmt.Errorf("autopost.entries[%d]: text is required", i)
			}
		}
	}
	return nil
}
