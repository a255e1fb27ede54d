package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, args{
		NomadAddress:  "http://nomad.service:4646",
		NomadNodeID:   "node-7",
		SinkURL:       "http://ingest:8080/api/ingest/batch",
		MetricsListen: "off",
	})

	if cfg.Nomad.Address != "http://nomad.service:4646" {
		t.Errorf("Nomad.Address = %q", cfg.Nomad.Address)
	}
	if cfg.Nomad.NodeID != "node-7" {
		t.Errorf("Nomad.NodeID = %q", cfg.Nomad.NodeID)
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("metrics should be disabled, got %q", cfg.Metrics.Listen)
	}
	if cfg.Nomad.AllocsDir != config.Default().Nomad.AllocsDir {
		t.Error("unset override replaced the default")
	}
}

func TestApplyExportOverrides(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, args{
		FluentbitConfFile: "/etc/fluent-bit/nomad.conf",
		FluentbitParser:   "json",
		ReloadCmd:         "systemctl reload fluent-bit",
	})

	if cfg.Export.Fluentbit.ConfFile != "/etc/fluent-bit/nomad.conf" || cfg.Export.Fluentbit.Parser != "json" {
		t.Errorf("Export.Fluentbit = %+v", cfg.Export.Fluentbit)
	}
	if cfg.Export.Fluentbit.ReloadCmd != "systemctl reload fluent-bit" {
		t.Errorf("Export.Fluentbit.ReloadCmd = %q", cfg.Export.Fluentbit.ReloadCmd)
	}
	if cfg.Export.Fluentbit.TagPrefix != "nomad" {
		t.Errorf("Export.Fluentbit.TagPrefix = %q", cfg.Export.Fluentbit.TagPrefix)
	}
	// Promtail export stays off, so it takes no reload command.
	if cfg.Export.Promtail.ReloadCmd != "" {
		t.Errorf("Export.Promtail.ReloadCmd = %q", cfg.Export.Promtail.ReloadCmd)
	}
	if errs := config.Validate(cfg); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nomad-logger.yaml")
	data := []byte("version: 1\nsink:\n  type: archive\n  url: file:///var/log/archive\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(args{Config: path, LogLevel: "debug"})
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Sink.Type != "archive" || cfg.Log.Level != "debug" {
		t.Errorf("got sink %q level %q", cfg.Sink.Type, cfg.Log.Level)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := loadConfig(args{SinkType: "carrier-pigeon"})
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "source", "a:web:stdout")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line logged at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON output, got %q", out)
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOpenSink(t *testing.T) {
	cfg := config.Default().Sink
	s, err := openSink(cfg, quietLogger())
	if err != nil {
		t.Fatalf("openSink(http) error: %v", err)
	}
	if s.Name() != "http" {
		t.Errorf("Name() = %q", s.Name())
	}
	s.Close()

	cfg.Type = "archive"
	cfg.URL = "file://" + t.TempDir()
	s, err = openSink(cfg, quietLogger())
	if err != nil {
		t.Fatalf("openSink(archive) error: %v", err)
	}
	if s.Name() != "archive" {
		t.Errorf("Name() = %q", s.Name())
	}
	s.Close()

	cfg.Type = "kafka"
	if _, err := openSink(cfg, quietLogger()); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}
