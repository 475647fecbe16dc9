package config

// Config is the on-disk configuration. All duration fields are Go
// duration strings (e.g. "500ms", "30s", "24h"); zero/omitted fields fall
// back to component defaults.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Moderation ModerationConfig `json:"moderation"`
	AntiSpam   AntiSpamConfig   `json:"antispam"`
	Admission  AdmissionConfig  `json:"admission"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Storage    StorageConfig    `json:"storage"`
	Logging    LoggingConfig    `json:"logging"`
	Autopost   *AutopostConfig  `json:"autopost,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty here and supplied via the BOT_TOKEN
	// environment variable instead; it is never hot-reloaded.
	Token        string  `json:"token,omitempty"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// AdminLogChat receives mirrored warn/error log lines; 0 disables.
	AdminLogChat int64 `json:"admin_log_chat,omitempty"`
	// PollTimeout is a Go duration string for long polling.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type ModerationConfig struct {
	// MuteAfter warns triggers a timed auto-mute; 0 disables the rung.
	MuteAfter int `json:"mute_after"`
	// BanAfter warns triggers a timed auto-ban.
	BanAfter int    `json:"ban_after"`
	MuteFor  string `json:"mute_for,omitempty"`
	BanFor   string `json:"ban_for,omitempty"`
}

type AntiSpamConfig struct {
	FloodWindow string `json:"flood_window,omitempty"`
	FloodLimit  int    `json:"flood_limit,omitempty"`
	DupWindow   string `json:"dup_window,omitempty"`
}

type AdmissionConfig struct {
	RateLimit  int    `json:"rate_limit,omitempty"`
	RateWindow string `json:"rate_window,omitempty"`
	Cooldown   string `json:"cooldown,omitempty"`
}

// DeliveryConfig sizes the fan-out worker pool.
type DeliveryConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAdmin mirrors selected log lines into the admin log chat.
type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type AutopostConfig struct {
	Enabled  bool            `json:"enabled"`
	Timezone string          `json:"timezone,omitempty"`
	Entries  []AutopostEntry `json:"entries,omitempty"`
}

type AutopostEntry struct {
	Name string `json:"name"`
	Spec string `json:"spec"`
	Text string `json:"text"`
}
