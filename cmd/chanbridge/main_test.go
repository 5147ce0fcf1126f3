package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/user/chanbridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "gateway")

	logger.Debug("hidden")
	logger.WithGroup("job").Warn("lane full", "lane", "C1/T1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record written below level: %q", out)
	}
	if !strings.Contains(out, "WRN lane full") {
		t.Errorf("missing level and message: %q", out)
	}
	if !strings.Contains(out, "job.lane=C1/T1") {
		t.Errorf("missing grouped attr: %q", out)
	}
}

func TestEnsurePlugin(t *testing.T) {
	cfg := config.Default()
	tg := ensurePlugin(cfg, config.TypeTelegram, "telegram")
	tg.Token = "abc"

	if len(cfg.Plugins) != 2 {
		t.Fatalf("expected telegram plugin appended, got %d plugins", len(cfg.Plugins))
	}
	again := ensurePlugin(cfg, config.TypeTelegram, "telegram")
	if again.Token != "abc" || len(cfg.Plugins) != 2 {
		t.Errorf("expected existing plugin reused")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config invalid after setup: %v", err)
	}
}

func TestPrintConfigValues(t *testing.T) {
	color.NoColor = true
	values := map[string]any{
		"log_level":             "info",
		"http.listen":           ":8080",
		"plugins.0.name":        "webhook",
		"plugins.0.route":       "/webhook",
		"plugins.1.token":       "***",
		"sessions.idle_timeout": "30m",
	}

	var all bytes.Buffer
	printConfigValues(&all, values, "")
	want := "[http]\nhttp.listen = :8080\nlog_level = info\n[plugins]\nplugins.0.name = webhook\n" +
		"plugins.0.route = /webhook\nplugins.1.token = ***\n[sessions]\nsessions.idle_timeout = 30m\n"
	if all.String() != want {
		t.Errorf("unexpected listing:\n%s", all.String())
	}

	var one bytes.Buffer
	printConfigValues(&one, values, "plugins.0")
	if got := one.String(); got != "[plugins]\nplugins.0.name = webhook\nplugins.0.route = /webhook\n" {
		t.Errorf("unexpected section listing:\n%s", got)
	}
}
