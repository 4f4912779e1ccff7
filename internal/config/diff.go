package config

import (
	"reflect"
	"sort"
	"strings"

	logx "stockwatch/pkg/logx"
)

// SummarizeConfigChange lists changed sections and returns log fields safe to
// print. Secrets (telegram token, http token) are reported only as "set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver), logx.Bool("storage.restart_required", true))
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		s := newCfg.Monitor.Settings()
		attrs = append(attrs,
			logx.Duration("monitor.min_cycle_spacing", s.MinCycleSpacing),
			logx.Float64("monitor.jitter", s.Jitter),
			logx.Float64("monitor.selection_fraction", s.SelectionFraction),
			logx.Int("monitor.workers", s.Workers),
			logx.Int("monitor.per_host_limit", s.PerHostLimit),
			logx.Int("monitor.breaker_threshold", s.BreakerThreshold),
			logx.Duration("monitor.breaker_cooldown", s.BreakerCooldown),
			logx.String("monitor.daily_reset", s.DailyReset),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		s := newCfg.RateLimit.Settings()
		attrs = append(attrs, logx.Float64("rate_limit.rate_per_sec", s.RatePerSec), logx.Int("rate_limit.burst", s.Burst))
	}

	if !reflect.DeepEqual(oldCfg.NotifierSettings(), newCfg.NotifierSettings()) {
		changed = append(changed, "notifier")
		s := newCfg.NotifierSettings()
		attrs = append(attrs,
			logx.Bool("notifier.enabled", s.Enabled),
			logx.Int("notifier.workers", s.Workers),
			logx.Int("notifier.rate_per_sec", s.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.chat_count", len(newCfg.Telegram.ChatIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.ResolvedAddr()),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sites, newCfg.Sites) {
		changed = append(changed, "sites")
		attrs = append(attrs, logx.Int("sites.count", len(newCfg.Sites)))
	}

	sort.Strings(changed)
	return changed, attrs
}
