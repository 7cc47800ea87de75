package config

// Config is the renewd config file. JSON and YAML are both accepted.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2160h").
// Omitted fields keep the values from Default().
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Transport  TransportConfig  `json:"transport"`
	Admin      AdminConfig      `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/renewd.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"` // sqlite | file | redis
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // prefer RENEWD_REDIS_PASSWORD
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// SchedulerConfig controls the reminder pass and its triggers.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is an IANA name; billing days and daily_at use it.
	Timezone string `json:"timezone,omitempty"`
	// DailyAt is "HH:MM" or a cron expression.
	DailyAt       string `json:"daily_at"`
	LookaheadDays int    `json:"lookahead_days"`
	Workers       int    `json:"workers"`
	PassTimeout   string `json:"pass_timeout"`
	ClaimLease    string `json:"claim_lease"`

	// Retention of reminder records; "0s" disables pruning.
	Retention string `json:"retention"`
	PruneAt   string `json:"prune_at"`
}

// DispatcherConfig controls retries, pacing and message rendering.
type DispatcherConfig struct {
	RetryMax       int     `json:"retry_max"`
	RetryBase      string  `json:"retry_base"`
	RetryFactor    float64 `json:"retry_factor"`
	RetryMaxDelay  string  `json:"retry_max_delay"`
	RetryJitter    float64 `json:"retry_jitter"` // 0..1
	AttemptTimeout string  `json:"attempt_timeout"`
	RatePerSec     int     `json:"rate_per_sec"`

	// ClearInvalidTarget removes a subscription's target after the transport
	// reports it invalid.
	ClearInvalidTarget bool   `json:"clear_invalid_target"`
	TitleTemplate      string `json:"title_template,omitempty"`
	BodyTemplate       string `json:"body_template,omitempty"`
}

type TransportConfig struct {
	Driver   string         `json:"driver"` // push | telegram | log
	Push     PushConfig     `json:"push"`
	Telegram TelegramConfig `json:"telegram"`
}

type PushConfig struct {
	URL         string `json:"url,omitempty"`
	Token       string `json:"token,omitempty"` // prefer RENEWD_PUSH_TOKEN
	DNSCacheTTL string `json:"dns_cache_ttl,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token,omitempty"` // prefer RENEWD_TELEGRAM_TOKEN
	APIURL string `json:"api_url,omitempty"`
}

// AdminConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - A non-loopback address requires a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // prefer RENEWD_ADMIN_TOKEN
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default returns the config used for omitted fields.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./data/renewd.db",
			BusyTimeout: "5s",
			Redis:       RedisConfig{Addr: "127.0.0.1:6379", Prefix: "renewd:"},
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			DailyAt:       "09:00",
			LookaheadDays: 1,
			Workers:       4,
			PassTimeout:   "10m",
			ClaimLease:    "5m",
			Retention:     "2160h",
			PruneAt:       "03:30",
		},
		Dispatcher: DispatcherConfig{
			RetryMax:           3,
			RetryBase:          "1s",
			RetryFactor:        2,
			RetryMaxDelay:      "30s",
			AttemptTimeout:     "10s",
			RatePerSec:         10,
			ClearInvalidTarget: true,
		},
		Transport: TransportConfig{
			Driver: "log",
			Push:   PushConfig{DNSCacheTTL: "5m"},
		},
		Admin: AdminConfig{Addr: "127.0.0.1:8089"},
	}
}
