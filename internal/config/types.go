package config

// Config is pillbot's full configuration. Accepted as JSON or YAML; unknown
// fields are rejected so typos fail loudly.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// AllowedChats restricts who the bot talks to. Empty means open.
	AllowedChats []int64 `json:"allowed_chats,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig selects the reminder lifecycle model.
//
// Mode:
//   - "scan" (default): one pass per minute across every owner
//   - "timers": one persistent daily timer per (owner, stage)
//
// Both behave identically from the outside; "timers" trades a per-minute scan
// for per-stage cron entries that must be refreshed on plan edits.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Mode     string `json:"mode,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ; empty = server-local
}

// PprofConfig enables the profiling HTTP server. Off by default; binding
// beyond loopback needs a token (or allow_insecure).
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// NotifierConfig controls the delivery pipeline.
// All durations are Go duration strings. If the whole section is omitted,
// the notifier defaults to enabled.
type NotifierConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
}
