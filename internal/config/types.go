package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "20s", "4h"). Zero or omitted
// values fall back to the defaults documented on each field.
type Config struct {
	Logging   LoggingConfig         `json:"logging"`
	Storage   *StorageConfig        `json:"storage,omitempty"`
	Monitor   MonitorConfig         `json:"monitor"`
	RateLimit RateLimitConfig       `json:"rate_limit"`
	Notifier  *NotifierConfig       `json:"notifier,omitempty"`
	Telegram  TelegramConfig        `json:"telegram"`
	HTTP      HTTPConfig            `json:"http"`
	Sites     map[string]SiteConfig `json:"sites,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format selects "console" or "json" for stdout.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the persisted-settings backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/stockwatch.db" }
//
// Omitted means an in-memory store (nothing survives a restart).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MonitorConfig tunes the polling scheduler and its safety governor.
//
// Defaults:
//   - default_interval: "60s" (used until the interval is persisted)
//   - min_interval: "30s"
//   - jitter: 0.3
//   - min_cycle_spacing: "20s"
//   - selection_threshold: 3, selection_fraction: 0.7, skip_probability: 0.1
//   - stagger_min: "1s", stagger_max: "7s"
//   - workers: 3, queue_size: 64, per_host_limit: 2
//   - check_timeout: "45s", history_size: 200
//   - breaker_threshold: 3, breaker_cooldown: "4h"
//   - max_sessions_per_period: 200, watchdog_interval: "60s"
//   - default_purchase_limit: 3, cart_timeout: "10s"
type MonitorConfig struct {
	DefaultInterval    string  `json:"default_interval,omitempty"`
	MinInterval        string  `json:"min_interval,omitempty"`
	Jitter             float64 `json:"jitter,omitempty"`
	MinCycleSpacing    string  `json:"min_cycle_spacing,omitempty"`
	SelectionThreshold int     `json:"selection_threshold,omitempty"`
	SelectionFraction  float64 `json:"selection_fraction,omitempty"`
	SkipProbability    float64 `json:"skip_probability,omitempty"`
	StaggerMin         string  `json:"stagger_min,omitempty"`
	StaggerMax         string  `json:"stagger_max,omitempty"`

	Workers int `json:"workers,omitempty"`
	// QueueSize is the backlog depth that triggers a warning. Checks beyond
	// it still wait their turn.
	QueueSize int `json:"queue_size,omitempty"`
	// PerHostLimit caps concurrent checks against one host.
	PerHostLimit int    `json:"per_host_limit,omitempty"`
	CheckTimeout string `json:"check_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`

	BreakerThreshold     int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown      string `json:"breaker_cooldown,omitempty"`
	MaxSessionsPerPeriod int    `json:"max_sessions_per_period,omitempty"`
	WatchdogInterval     string `json:"watchdog_interval,omitempty"`

	DefaultPurchaseLimit int    `json:"default_purchase_limit,omitempty"`
	CartTimeout          string `json:"cart_timeout,omitempty"`

	// DailyReset is the cron spec for the counter reset. Default "@daily".
	DailyReset string `json:"daily_reset,omitempty"`
	// Timezone for the daily counter reset (IANA name). Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// Seed fixes the random source. Zero seeds from the clock.
	Seed int64 `json:"seed,omitempty"`
}

// RateLimitConfig controls outbound requests to retailer sites.
type RateLimitConfig struct {
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 1
	Burst      int     `json:"burst,omitempty"`        // default 2
	JitterMax  string  `json:"jitter_max,omitempty"`   // default "400ms"
	// Cooldown applied on a retry-after signal that carries no duration.
	PenaltyCooldown string  `json:"penalty_cooldown,omitempty"` // default "30s"
	MinRatePerSec   float64 `json:"min_rate_per_sec,omitempty"` // default 0.1
}

// NotifierConfig controls the async notification pipeline.
// Omitting the section keeps the notifier enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type TelegramConfig struct {
	Enabled bool    `json:"enabled"`
	Token   string  `json:"token"`
	ChatIDs []int64 `json:"chat_ids,omitempty"`
	// ThreadID posts into a forum topic when > 0.
	ThreadID int `json:"thread_id,omitempty"`
}

type HTTPConfig struct {
	Addr     string `json:"addr,omitempty"`      // default "127.0.0.1:8080"
	BasePath string `json:"base_path,omitempty"` // default "/api"
	Metrics  bool   `json:"metrics"`
	// Token, when set, is required as a bearer token on mutating routes.
	Token string `json:"token,omitempty"`
	// Pprof mounts /debug/pprof on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// SiteConfig overrides stock heuristics for one retailer host.
type SiteConfig struct {
	InStockPhrases    []string `json:"in_stock_phrases,omitempty"`
	OutOfStockPhrases []string `json:"out_of_stock_phrases,omitempty"`
	UserAgent         string   `json:"user_agent,omitempty"`
	CheckoutPath      string   `json:"checkout_path,omitempty"`
	RequestTimeout    string   `json:"request_timeout,omitempty"`
}
