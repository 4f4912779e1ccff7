package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/task/scheduler"
	"stockwatch/internal/transport/telegram"
	logx "stockwatch/pkg/logx"
)

// sections whose changes only take effect after a restart.
var restartSections = []string{"storage", "http"}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	// Track last applied config to generate a safe diff summary for logx.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into every live service.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	// logging first so the rest of the reload logs at the new level
	a.logs.Apply(mapLogConfig(cfg))

	ms := cfg.Monitor.Settings()
	a.gov.Apply(mapGovernorConfig(ms))
	a.limiter.Apply(mapRateLimitConfig(cfg))
	a.engine.Apply(ctx, mapEngineConfig(ms))
	a.sched.Apply(scheduler.Config{Timezone: cfg.Monitor.Timezone})
	a.checkout.Apply(mapCheckoutConfig(ms))
	a.purchases.SetDefaultLimit(ms.DefaultPurchaseLimit)
	a.mon.Apply(mapMonitorConfig(ms, watchdogInterval(ms.WatchdogInterval, a.sdWatchdog)))
	registerSites(a.registry, cfg)

	prevNotif := a.notif.Enabled()
	ncfg := mapNotifierConfig(cfg)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
	a.applyTelegram(cfg)

	a.log.Info("config reloaded", fields...)
}

// applyTelegram installs, replaces or removes the Telegram sender. Chat ids
// are read per notification, so only a token change rebuilds the bot.
func (a *App) applyTelegram(cfg *config.Config) {
	if !cfg.Telegram.Enabled {
		if a.tgToken != "" {
			a.notif.RemoveSender(telegram.Channel)
			a.tgToken = ""
			a.log.Info("telegram notifications disabled")
		}
		return
	}
	tc := mapTelegramConfig(cfg)
	if tc.Token == a.tgToken {
		return
	}
	sd, err := telegram.New(tc, a.log)
	if err != nil {
		// Notifications still reach the log channel.
		a.log.Error("telegram sender unavailable", logx.Err(err))
		return
	}
	a.notif.SetSender(sd)
	a.tgToken = tc.Token
	a.log.Info("telegram notifications enabled", logx.Int("chats", len(tc.ChatIDs)))
}
