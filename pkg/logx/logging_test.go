package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "monitor"))
	log.Info("cycle finished", Int("checked", 3), Duration("took", 1500*time.Millisecond), Err(errors.New("boom")), Err(nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q: %v", buf.String(), err)
	}
	if line["comp"] != "monitor" || line["message"] != "cycle finished" || line["err"] != "boom" {
		t.Fatalf("unexpected line %v", line)
	}
	if c, _ := line["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatal("Enabled disagrees with level")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatal("warn not written")
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Error("ignored")
	Nop().With(String("k", "v")).Error("ignored")
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "stockwatch.log")
	svc, log := New(Config{Level: "info", Format: "json", File: FileConfig{Enabled: true, Path: path}})
	log.Info("to file", String("product", "p1"))
	svc.Apply(Config{Level: "error", Format: "json", File: FileConfig{Enabled: true, Path: path}})
	log.Info("filtered after apply")
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"product":"p1"`) {
		t.Fatalf("file sink missing line: %q", b)
	}
	if strings.Contains(string(b), "filtered after apply") {
		t.Fatal("Apply did not raise the level")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{"TRACE": LevelTrace, " debug ": LevelDebug, "warning": LevelWarn, "ERROR": LevelError, "": LevelInfo, "loud": LevelInfo} {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
