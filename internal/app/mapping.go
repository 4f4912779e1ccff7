package app

import (
	"strings"
	"time"

	"stockwatch/internal/checkout"
	"stockwatch/internal/config"
	"stockwatch/internal/governor"
	"stockwatch/internal/monitor"
	"stockwatch/internal/notifier"
	"stockwatch/internal/ratelimit"
	"stockwatch/internal/site"
	"stockwatch/internal/storage"
	"stockwatch/internal/task/engine"
	kit "stockwatch/internal/transport"
	"stockwatch/internal/transport/telegram"
	logx "stockwatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		Format:  l.Format,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

// mapMonitorConfig takes the watchdog interval separately because systemd
// may shorten it.
func mapMonitorConfig(ms config.MonitorSettings, watchdog time.Duration) monitor.Config {
	return monitor.Config{
		DefaultInterval:    ms.DefaultInterval,
		MinInterval:        ms.MinInterval,
		Jitter:             ms.Jitter,
		MinCycleSpacing:    ms.MinCycleSpacing,
		SelectionThreshold: ms.SelectionThreshold,
		SelectionFraction:  ms.SelectionFraction,
		SkipProbability:    ms.SkipProbability,
		StaggerMin:         ms.StaggerMin,
		StaggerMax:         ms.StaggerMax,
		CheckTimeout:       ms.CheckTimeout,
		WatchdogInterval:   watchdog,
		DailyReset:         ms.DailyReset,
		Seed:               ms.Seed,
	}
}

func mapGovernorConfig(ms config.MonitorSettings) governor.Config {
	return governor.Config{
		BreakerThreshold:     ms.BreakerThreshold,
		BreakerCooldown:      ms.BreakerCooldown,
		MaxSessionsPerPeriod: ms.MaxSessionsPerPeriod,
		Location:             ms.Location,
	}
}

func mapEngineConfig(ms config.MonitorSettings) engine.Config {
	return engine.Config{
		Workers:        ms.Workers,
		QueueSize:      ms.QueueSize,
		GroupLimit:     ms.PerHostLimit,
		DefaultTimeout: ms.CheckTimeout,
		HistorySize:    ms.HistorySize,
	}
}

func mapRateLimitConfig(cfg *config.Config) ratelimit.Config {
	r := cfg.RateLimit.Settings()
	return ratelimit.Config{
		RatePerSec:      r.RatePerSec,
		MinRatePerSec:   r.MinRatePerSec,
		Burst:           r.Burst,
		JitterMax:       r.JitterMax,
		PenaltyCooldown: r.PenaltyCooldown,
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.NotifierSettings()
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase,
		RetryMaxDelay:   n.RetryMaxDelay,
		DedupWindow:     n.DedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
	}
}

func mapCheckoutConfig(ms config.MonitorSettings) checkout.Config {
	return checkout.Config{CartTimeout: ms.CartTimeout}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:    strings.TrimSpace(cfg.Telegram.Token),
		ChatIDs:  append([]int64(nil), cfg.Telegram.ChatIDs...),
		ThreadID: cfg.Telegram.ThreadID,
	}
}

// registerSites binds one HTTP adapter per configured host. Hosts removed
// from the config keep their adapter until restart.
func registerSites(reg *site.Registry, cfg *config.Config) {
	for host, sc := range cfg.Sites {
		timeout, _ := config.ParseDurationField("sites."+host+".request_timeout", sc.RequestTimeout)
		reg.Register(host, site.NewHTTPAdapter(site.HTTPConfig{
			Name:              host,
			InStockPhrases:    sc.InStockPhrases,
			OutOfStockPhrases: sc.OutOfStockPhrases,
			UserAgent:         sc.UserAgent,
			CheckoutPath:      sc.CheckoutPath,
			RequestTimeout:    timeout,
		}))
	}
}

// notifyRoutes lists where relayed events go: the log always, plus every
// configured Telegram chat when Telegram is on.
func notifyRoutes(cfg *config.Config) []notifier.Route {
	out := []notifier.Route{{Channel: notifier.ChannelLog}}
	if cfg == nil || !cfg.Telegram.Enabled {
		return out
	}
	for _, id := range cfg.Telegram.ChatIDs {
		out = append(out, notifier.Route{
			Channel: telegram.Channel,
			Target:  kit.ChatTarget{ChatID: id, ThreadID: cfg.Telegram.ThreadID},
		})
	}
	return out
}

// watchdogInterval keeps the tick at most half the systemd WatchdogSec so
// the unit is never considered hung.
func watchdogInterval(configured, systemd time.Duration) time.Duration {
	if systemd <= 0 {
		return configured
	}
	return min(configured, systemd/2)
}
