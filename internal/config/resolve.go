package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Monitor defaults.
const (
	DefaultCheckInterval        = 60 * time.Second
	DefaultMinInterval          = 30 * time.Second
	DefaultJitter               = 0.3
	DefaultMinCycleSpacing      = 20 * time.Second
	DefaultSelectionThreshold   = 3
	DefaultSelectionFraction    = 0.7
	DefaultSkipProbability      = 0.1
	DefaultStaggerMin           = time.Second
	DefaultStaggerMax           = 7 * time.Second
	DefaultWorkers              = 3
	DefaultQueueSize            = 64
	DefaultPerHostLimit         = 2
	DefaultCheckTimeout         = 45 * time.Second
	DefaultHistorySize          = 200
	DefaultBreakerThreshold     = 3
	DefaultBreakerCooldown      = 4 * time.Hour
	DefaultMaxSessionsPerPeriod = 200
	DefaultWatchdogInterval     = 60 * time.Second
	DefaultPurchaseLimit        = 3
	DefaultCartTimeout          = 10 * time.Second
	DefaultDailyReset           = "@daily"

	MinSelectionFraction = 0.5
	MaxSelectionFraction = 0.7
)

// MonitorSettings is MonitorConfig with defaults applied and durations parsed.
type MonitorSettings struct {
	DefaultInterval      time.Duration
	MinInterval          time.Duration
	Jitter               float64
	MinCycleSpacing      time.Duration
	SelectionThreshold   int
	SelectionFraction    float64
	SkipProbability      float64
	StaggerMin           time.Duration
	StaggerMax           time.Duration
	Workers              int
	QueueSize            int
	PerHostLimit         int
	CheckTimeout         time.Duration
	HistorySize          int
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	MaxSessionsPerPeriod int
	WatchdogInterval     time.Duration
	DefaultPurchaseLimit int
	CartTimeout          time.Duration
	DailyReset           string
	Location             *time.Location
	Seed                 int64
}

func (c MonitorConfig) Settings() MonitorSettings {
	s := MonitorSettings{
		DefaultInterval:      durationOr(c.DefaultInterval, DefaultCheckInterval),
		MinInterval:          durationOr(c.MinInterval, DefaultMinInterval),
		Jitter:               floatOr(c.Jitter, DefaultJitter),
		MinCycleSpacing:      durationOr(c.MinCycleSpacing, DefaultMinCycleSpacing),
		SelectionThreshold:   intOr(c.SelectionThreshold, DefaultSelectionThreshold),
		SelectionFraction:    floatOr(c.SelectionFraction, DefaultSelectionFraction),
		SkipProbability:      floatOr(c.SkipProbability, DefaultSkipProbability),
		StaggerMin:           durationOr(c.StaggerMin, DefaultStaggerMin),
		StaggerMax:           durationOr(c.StaggerMax, DefaultStaggerMax),
		Workers:              intOr(c.Workers, DefaultWorkers),
		QueueSize:            intOr(c.QueueSize, DefaultQueueSize),
		PerHostLimit:         intOr(c.PerHostLimit, DefaultPerHostLimit),
		CheckTimeout:         durationOr(c.CheckTimeout, DefaultCheckTimeout),
		HistorySize:          intOr(c.HistorySize, DefaultHistorySize),
		BreakerThreshold:     intOr(c.BreakerThreshold, DefaultBreakerThreshold),
		BreakerCooldown:      durationOr(c.BreakerCooldown, DefaultBreakerCooldown),
		MaxSessionsPerPeriod: intOr(c.MaxSessionsPerPeriod, DefaultMaxSessionsPerPeriod),
		WatchdogInterval:     durationOr(c.WatchdogInterval, DefaultWatchdogInterval),
		DefaultPurchaseLimit: intOr(c.DefaultPurchaseLimit, DefaultPurchaseLimit),
		CartTimeout:          durationOr(c.CartTimeout, DefaultCartTimeout),
		DailyReset:           strings.TrimSpace(c.DailyReset),
		Location:             time.Local,
		Seed:                 c.Seed,
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			s.Location = loc
		}
	}
	if s.DailyReset == "" {
		s.DailyReset = DefaultDailyReset
	}
	if s.StaggerMax < s.StaggerMin {
		s.StaggerMax = s.StaggerMin
	}
	return s
}

type RateLimitSettings struct {
	RatePerSec      float64
	Burst           int
	JitterMax       time.Duration
	PenaltyCooldown time.Duration
	MinRatePerSec   float64
}

func (c RateLimitConfig) Settings() RateLimitSettings {
	return RateLimitSettings{
		RatePerSec:      floatOr(c.RatePerSec, 1),
		Burst:           intOr(c.Burst, 2),
		JitterMax:       durationOr(c.JitterMax, 400*time.Millisecond),
		PenaltyCooldown: durationOr(c.PenaltyCooldown, 30*time.Second),
		MinRatePerSec:   floatOr(c.MinRatePerSec, 0.1),
	}
}

type NotifierSettings struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// NotifierSettings resolves the notifier section; a nil section means enabled with defaults.
func (c *Config) NotifierSettings() NotifierSettings {
	n := NotifierConfig{Enabled: true}
	if c != nil && c.Notifier != nil {
		n = *c.Notifier
	}
	return NotifierSettings{
		Enabled:         n.Enabled,
		Workers:         intOr(n.Workers, 2),
		QueueSize:       intOr(n.QueueSize, 256),
		RatePerSec:      intOr(n.RatePerSec, 3),
		RetryMax:        intOr(n.RetryMax, 3),
		RetryBase:       durationOr(n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   durationOr(n.RetryMaxDelay, 10*time.Second),
		DedupWindow:     durationOr(n.DedupWindow, 10*time.Minute),
		DedupMaxEntries: intOr(n.DedupMaxEntries, 2000),
	}
}

func (c HTTPConfig) ResolvedAddr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return "127.0.0.1:8080"
}

func (c HTTPConfig) ResolvedBasePath() string {
	p := strings.TrimSpace(c.BasePath)
	if p == "" {
		return "/api"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

// Validate checks value ranges and duration syntax. Missing sections are fine.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	m := cfg.Monitor
	check("monitor.default_interval", m.DefaultInterval)
	check("monitor.min_interval", m.MinInterval)
	check("monitor.min_cycle_spacing", m.MinCycleSpacing)
	check("monitor.stagger_min", m.StaggerMin)
	check("monitor.stagger_max", m.StaggerMax)
	check("monitor.check_timeout", m.CheckTimeout)
	check("monitor.breaker_cooldown", m.BreakerCooldown)
	check("monitor.watchdog_interval", m.WatchdogInterval)
	check("monitor.cart_timeout", m.CartTimeout)
	if m.Jitter < 0 || m.Jitter > 1 {
		errs = append(errs, fmt.Errorf("monitor.jitter: must be within [0, 1], got %v", m.Jitter))
	}
	if m.SelectionFraction != 0 && (m.SelectionFraction < MinSelectionFraction || m.SelectionFraction > MaxSelectionFraction) {
		errs = append(errs, fmt.Errorf("monitor.selection_fraction: must be within [%v, %v], got %v", MinSelectionFraction, MaxSelectionFraction, m.SelectionFraction))
	}
	if m.SkipProbability < 0 || m.SkipProbability >= 1 {
		errs = append(errs, fmt.Errorf("monitor.skip_probability: must be within [0, 1), got %v", m.SkipProbability))
	}
	for path, v := range map[string]int{
		"monitor.workers":                 m.Workers,
		"monitor.queue_size":              m.QueueSize,
		"monitor.per_host_limit":          m.PerHostLimit,
		"monitor.history_size":            m.HistorySize,
		"monitor.breaker_threshold":       m.BreakerThreshold,
		"monitor.max_sessions_per_period": m.MaxSessionsPerPeriod,
		"monitor.default_purchase_limit":  m.DefaultPurchaseLimit,
		"monitor.selection_threshold":     m.SelectionThreshold,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("monitor.timezone: %w", err))
		}
	}
	if spec := strings.TrimSpace(m.DailyReset); spec != "" {
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("monitor.daily_reset: %w", err))
		}
	}
	s := m.Settings()
	if s.DefaultInterval < s.MinInterval {
		errs = append(errs, fmt.Errorf("monitor.default_interval: %s is below min_interval %s", s.DefaultInterval, s.MinInterval))
	}

	r := cfg.RateLimit
	check("rate_limit.jitter_max", r.JitterMax)
	check("rate_limit.penalty_cooldown", r.PenaltyCooldown)
	if r.RatePerSec < 0 || r.MinRatePerSec < 0 || r.Burst < 0 {
		errs = append(errs, errors.New("rate_limit: values must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		check("notifier.retry_base", n.RetryBase)
		check("notifier.retry_max_delay", n.RetryMaxDelay)
		check("notifier.dedup_window", n.DedupWindow)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		check("storage.busy_timeout", st.BusyTimeout)
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required when telegram.enabled"))
		}
		if len(cfg.Telegram.ChatIDs) == 0 {
			errs = append(errs, errors.New("telegram.chat_ids: required when telegram.enabled"))
		}
	}

	for host, sc := range cfg.Sites {
		check("sites."+host+".request_timeout", sc.RequestTimeout)
	}
	return errors.Join(errs...)
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
