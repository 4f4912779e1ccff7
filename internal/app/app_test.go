package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/notifier"
	"stockwatch/internal/product"
	"stockwatch/internal/site"
	"stockwatch/internal/transport/telegram"
)

func TestWatchdogInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		configured time.Duration
		systemd    time.Duration
		want       time.Duration
	}{
		{"outside systemd", time.Minute, 0, time.Minute},
		{"systemd shorter", time.Minute, 30 * time.Second, 15 * time.Second},
		{"systemd longer", time.Minute, 10 * time.Minute, time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := watchdogInterval(tc.configured, tc.systemd); got != tc.want {
				t.Fatalf("watchdogInterval(%s, %s) = %s, want %s", tc.configured, tc.systemd, got, tc.want)
			}
		})
	}
}

func TestNotifyRoutes(t *testing.T) {
	t.Parallel()
	if got := notifyRoutes(nil); len(got) != 1 || got[0].Channel != notifier.ChannelLog {
		t.Fatalf("nil config routes = %+v", got)
	}

	cfg := &config.Config{Telegram: config.TelegramConfig{Enabled: false, ChatIDs: []int64{1}}}
	if got := notifyRoutes(cfg); len(got) != 1 {
		t.Fatalf("disabled telegram routes = %+v", got)
	}

	cfg.Telegram.Enabled = true
	cfg.Telegram.ChatIDs = []int64{1, 2}
	cfg.Telegram.ThreadID = 7
	got := notifyRoutes(cfg)
	if len(got) != 3 {
		t.Fatalf("routes = %+v, want log + 2 chats", got)
	}
	for _, r := range got[1:] {
		if r.Channel != telegram.Channel || r.Target.ThreadID != 7 {
			t.Fatalf("bad telegram route %+v", r)
		}
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil || sc.Driver != "" {
		t.Fatalf("no storage section: %+v, %v", sc, err)
	}
	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: " SQLite ", Path: "x.db"}})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite mapping = %+v", sc)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}}); err == nil {
		t.Fatal("expected bad busy_timeout to fail")
	}
}

func TestMapMonitorConfigCarriesWatchdog(t *testing.T) {
	t.Parallel()
	ms := config.MonitorConfig{}.Settings()
	mc := mapMonitorConfig(ms, 5*time.Second)
	if mc.WatchdogInterval != 5*time.Second {
		t.Fatalf("watchdog interval = %s", mc.WatchdogInterval)
	}
	if mc.MinCycleSpacing != config.DefaultMinCycleSpacing || mc.SelectionFraction != config.DefaultSelectionFraction {
		t.Fatalf("defaults not carried: %+v", mc)
	}
	if ec := mapEngineConfig(ms); ec.GroupLimit != config.DefaultPerHostLimit || ec.Workers != config.DefaultWorkers {
		t.Fatalf("engine config = %+v", ec)
	}
}

const testConfig = `{
  "logging": {"level": "ERROR"},
  "storage": {"driver": "file", "path": %q},
  "monitor": {"min_cycle_spacing": "1s", "stagger_min": "1ms", "stagger_max": "2ms"},
  "http": {"addr": "127.0.0.1:0"}
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func startApp(t *testing.T, cfgPath string, fake *site.Fake) *App {
	t.Helper()
	a, err := NewApp(cfgPath, WithSiteAdapter(fake))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	writeConfig(t, cfgPath, fmt.Sprintf(testConfig, filepath.Join(dir, "data", "state")))

	fake := site.NewFake()
	a := startApp(t, cfgPath, fake)
	ctx := context.Background()
	p := product.Product{Name: "Console", URL: "https://shop.example/console"}
	if res := a.Monitor().AddProduct(ctx, p); !res.Success {
		t.Fatalf("AddProduct: %+v", res)
	}
	if res := a.Monitor().StartMonitoring(ctx); !res.Success {
		t.Fatalf("StartMonitoring: %+v", res)
	}
	stopApp(t, a)

	b := startApp(t, cfgPath, fake)
	defer stopApp(t, b)
	got := b.Monitor().GetProducts(ctx)
	if len(got.Products) != 1 || got.Products[0].URL != p.URL {
		t.Fatalf("products after restart = %+v", got.Products)
	}
	if st := b.Monitor().GetMonitoringStatus(ctx); !st.IsMonitoring {
		t.Fatal("monitoring flag not restored")
	}
}

func TestAppAppliesReloadedConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	statePath := filepath.Join(dir, "data", "state")
	writeConfig(t, cfgPath, fmt.Sprintf(testConfig, statePath))

	a := startApp(t, cfgPath, site.NewFake())
	defer stopApp(t, a)
	if !a.notif.Enabled() {
		t.Fatal("notifier should default to enabled")
	}

	writeConfig(t, cfgPath, fmt.Sprintf(`{
  "logging": {"level": "ERROR"},
  "storage": {"driver": "file", "path": %q},
  "monitor": {"min_cycle_spacing": "1s"},
  "notifier": {"enabled": false},
  "http": {"addr": "127.0.0.1:0"}
}`, statePath))

	deadline := time.Now().Add(5 * time.Second)
	for a.notif.Enabled() {
		if time.Now().After(deadline) {
			t.Fatal("notifier still enabled after reload")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAppRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	writeConfig(t, cfgPath, fmt.Sprintf(testConfig, filepath.Join(dir, "data", "state")))

	a := startApp(t, cfgPath, site.NewFake())
	defer stopApp(t, a)
	before := a.cfgm.Get()

	writeConfig(t, cfgPath, `{"monitor": {"jitter": 4}}`)
	time.Sleep(800 * time.Millisecond)
	if a.cfgm.Get() != before {
		t.Fatal("invalid config was committed")
	}
}
