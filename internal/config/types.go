package config

// Config is the on-disk configuration. Every duration is a Go duration
// string ("500ms", "10s", "1m"); unknown keys are rejected.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Provider  ProviderConfig  `json:"provider"`

	// Destinations maps group names used in "group[<name>]" to destination
	// keys ("telegram:GroupMessage:-100123").
	Destinations map[string]string `json:"destinations,omitempty"`

	Debug DebugConfig `json:"debug"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs restricts the /time command. Empty allows everyone.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
	// SendRatePerSec caps outgoing messages. Defaults to 20.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warn+ lines to a chat destination.
type LoggingChat struct {
	Enabled     bool   `json:"enabled"`
	Destination string `json:"destination"`
	MinLevel    string `json:"min_level"`
	RatePerSec  int    `json:"rate_per_sec"`
}

// SchedulerConfig controls trigger matching.
//
// Defaults: timezone "Asia/Shanghai", misfire_grace "60s".
type SchedulerConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

// ExecutorConfig controls the delivery worker pool.
//
// Defaults: workers 2, queue_size 64, timeout "90s", retry_max 2.
// retry_max -1 disables retries.
type ExecutorConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig selects the snapshot store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "data/timetask/tasks.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// ProviderConfig configures the OpenAI-compatible completion endpoint used by
// "GPT" tasks. Disabled means those tasks deliver a diagnostic text.
type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	BaseURL      string `json:"base_url,omitempty"`
	APIKey       string `json:"api_key,omitempty"` // do not log
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// DebugConfig controls the operator HTTP server (healthz, metrics, pprof).
//
// A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
