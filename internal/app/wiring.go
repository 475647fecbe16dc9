package app

import (
	"os"
	"strings"
	"time"

	"anonroom/internal/admission"
	"anonroom/internal/antispam"
	"anonroom/internal/autopost"
	"anonroom/internal/broadcast"
	"anonroom/internal/config"
	"anonroom/internal/moderation"
	"anonroom/internal/storage"
	logx "anonroom/pkg/logx"
)

// resolveToken prefers the config file; the BOT_TOKEN environment
// variable is the fallback so the token can stay out of the file.
func resolveToken(cfg *config.Config) string {
	if t := strings.TrimSpace(cfg.Telegram.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("BOT_TOKEN"))
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Admin: logx.AdminConfig{
			Enabled:    cfg.Logging.Admin.Enabled,
			MinLevel:   cfg.Logging.Admin.MinLevel,
			RatePerSec: cfg.Logging.Admin.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:    cfg.Delivery.Workers,
		RatePerSec: cfg.Delivery.RatePerSec,
		RetryMax:   cfg.Delivery.RetryMax,
	}
}

func mapModerationConfig(cfg *config.Config) (moderation.Config, error) {
	def := moderation.DefaultConfig()
	muteFor, err := config.ParseDurationOrDefault("moderation.mute_for", cfg.Moderation.MuteFor, def.MuteFor)
	if err != nil {
		return moderation.Config{}, err
	}
	banFor, err := config.ParseDurationOrDefault("moderation.ban_for", cfg.Moderation.BanFor, def.BanFor)
	if err != nil {
		return moderation.Config{}, err
	}
	out := moderation.Config{
		MuteAfter: cfg.Moderation.MuteAfter,
		BanAfter:  cfg.Moderation.BanAfter,
		MuteFor:   muteFor,
		BanFor:    banFor,
	}
	if out.BanAfter == 0 {
		out.BanAfter = def.BanAfter
	}
	return out, nil
}

func mapAntiSpamConfig(cfg *config.Config) (antispam.Config, error) {
	def := antispam.DefaultConfig()
	floodWindow, err := config.ParseDurationOrDefault("antispam.flood_window", cfg.AntiSpam.FloodWindow, def.FloodWindow)
	if err != nil {
		return antispam.Config{}, err
	}
	dupWindow, err := config.ParseDurationOrDefault("antispam.dup_window", cfg.AntiSpam.DupWindow, def.DupWindow)
	if err != nil {
		return antispam.Config{}, err
	}
	out := antispam.Config{
		FloodWindow: floodWindow,
		FloodLimit:  cfg.AntiSpam.FloodLimit,
		DupWindow:   dupWindow,
	}
	if out.FloodLimit == 0 {
		out.FloodLimit = def.FloodLimit
	}
	return out, nil
}

func mapAdmissionConfig(cfg *config.Config) (admission.Config, error) {
	def := admission.DefaultConfig()
	window, err := config.ParseDurationOrDefault("admission.rate_window", cfg.Admission.RateWindow, def.RateWindow)
	if err != nil {
		return admission.Config{}, err
	}
	cooldown, err := config.ParseDurationOrDefault("admission.cooldown", cfg.Admission.Cooldown, def.Cooldown)
	if err != nil {
		return admission.Config{}, err
	}
	out := admission.Config{
		RateLimit:  cfg.Admission.RateLimit,
		RateWindow: window,
		Cooldown:   cooldown,
	}
	if out.RateLimit == 0 {
		out.RateLimit = def.RateLimit
	}
	return out, nil
}

func mapAutopostConfig(cfg *config.Config) autopost.Config {
	if cfg.Autopost == nil {
		return autopost.Config{}
	}
	out := autopost.Config{
		Enabled:  cfg.Autopost.Enabled,
		Timezone: cfg.Autopost.Timezone,
		Entries:  make([]autopost.Entry, 0, len(cfg.Autopost.Entries)),
	}
	for _, e := range cfg.Autopost.Entries {
		out.Entries = append(out.Entries, autopost.Entry{Name: e.Name, Spec: e.Spec, Text: e.Text})
	}
	return out
}

func pollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}
