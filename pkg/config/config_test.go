package config

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

func TestParseValidConfig(t *testing.T) {
	yaml := `
version: 1
nomad:
  address: http://nomad.service.consul:4646
  node_id: 9f2c1b3e
  allocs_dir: /opt/nomad/data/alloc
  poll_interval: 2s
  grace_period: 1m
batch:
  max_size: 50
  max_age: 500ms
sink:
  type: http
  url: https://logs.example.com/api/ingest/batch
  compression: gzip
checkpoint:
  driver: sqlite
  path: /var/lib/nomad-logger/cp.db
`
	c, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if c.Nomad.Address != "http://nomad.service.consul:4646" {
		t.Errorf("address: got %q", c.Nomad.Address)
	}
	if c.Nomad.PollInterval != 2*time.Second {
		t.Errorf("poll_interval: got %v, want 2s", c.Nomad.PollInterval)
	}
	if c.Nomad.GracePeriod != time.Minute {
		t.Errorf("grace_period: got %v, want 1m", c.Nomad.GracePeriod)
	}
	if c.Batch.MaxSize != 50 || c.Batch.MaxAge != 500*time.Millisecond {
		t.Errorf("batch: got %+v", c.Batch)
	}
	// Unset sections keep their defaults.
	if c.Delivery.RetryCeiling != 5 {
		t.Errorf("retry_ceiling default: got %d, want 5", c.Delivery.RetryCeiling)
	}
	if c.Tail.PollInterval != 250*time.Millisecond {
		t.Errorf("tail.poll_interval default: got %v", c.Tail.PollInterval)
	}
	errs := Validate(c)
	if len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestParseInterpolatesEnvironment(t *testing.T) {
	t.Setenv("NOMAD_LOGGER_TEST_KEY", "s3cr3t")
	c, err := Parse([]byte("sink:\n  api_key: ${NOMAD_LOGGER_TEST_KEY}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Sink.APIKey != "s3cr3t" {
		t.Errorf("api_key: got %q", c.Sink.APIKey)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if errs := Validate(Default()); len(errs) != 0 {
		t.Errorf("default config invalid: %v", errs)
	}
}

func TestValidateVersionMustBe1(t *testing.T) {
	c := Default()
	c.Version = 2
	assertHasError(t, Validate(c), "version must be 1")
}

func TestValidateNomadAddress(t *testing.T) {
	c := Default()
	c.Nomad.Address = "not a url"
	assertHasError(t, Validate(c), "not a valid URL")
}

func TestValidateBatchBounds(t *testing.T) {
	c := Default()
	c.Batch.MaxSize = 0
	c.Batch.MaxAge = 0
	errs := Validate(c)
	assertHasError(t, errs, "batch.max_size must be > 0")
	assertHasError(t, errs, "batch.max_age must be > 0")
}

func TestValidateMaxBufferedBelowBatchSize(t *testing.T) {
	c := Default()
	c.Batch.MaxBuffered = c.Batch.MaxSize - 1
	assertHasError(t, Validate(c), "batch.max_buffered")
}

func TestValidateSinkTypes(t *testing.T) {
	c := Default()
	c.Sink.Type = "kafka"
	assertHasError(t, Validate(c), "unknown type")

	c = Default()
	c.Sink.Type = ""
	assertHasError(t, Validate(c), "sink.type is required")

	c = Default()
	c.Sink.Type = "archive"
	c.Sink.URL = ""
	assertHasError(t, Validate(c), "url is required")

	c = Default()
	c.Sink.URL = "ftp://example.com"
	assertHasError(t, Validate(c), "http(s) URL")
}

func TestValidateCompression(t *testing.T) {
	for _, comp := range []string{"", "none", "zstd", "gzip"} {
		c := Default()
		c.Sink.Compression = comp
		if errs := Validate(c); len(errs) != 0 {
			t.Errorf("compression=%q: unexpected errors: %v", comp, errs)
		}
	}
	c := Default()
	c.Sink.Compression = "brotli"
	assertHasError(t, Validate(c), "sink.compression")
}

func TestValidateCheckpointDriver(t *testing.T) {
	c := Default()
	c.Checkpoint.Driver = "redis"
	assertHasError(t, Validate(c), "checkpoint.driver")

	c = Default()
	c.Checkpoint.Path = ""
	assertHasError(t, Validate(c), "path is required")

	c = Default()
	c.Checkpoint.Driver = "memory"
	c.Checkpoint.Path = ""
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("memory driver: unexpected errors: %v", errs)
	}
}

func TestParseExportSection(t *testing.T) {
	yaml := `
version: 1
export:
  promtail:
    targets_file: /etc/promtail/nomad.yaml
  fluentbit:
    conf_file: /etc/fluent-bit/nomad.conf
    parser: json
    reload_cmd: systemctl reload fluent-bit
`
	c, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if c.Export.Promtail.TargetsFile != "/etc/promtail/nomad.yaml" {
		t.Errorf("targets_file: got %q", c.Export.Promtail.TargetsFile)
	}
	if c.Export.Fluentbit.TagPrefix != "nomad" {
		t.Errorf("tag_prefix default: got %q, want nomad", c.Export.Fluentbit.TagPrefix)
	}
	if c.Export.Fluentbit.Parser != "json" || c.Export.Fluentbit.ReloadCmd == "" {
		t.Errorf("fluentbit: got %+v", c.Export.Fluentbit)
	}
	if errs := Validate(c); len(errs) != 0 {
		t.Errorf("unexpected validation errors: %v", errs)
	}
}

func TestValidateExport(t *testing.T) {
	c := Default()
	c.Export.Promtail.ReloadCmd = "pkill -HUP promtail"
	assertHasError(t, Validate(c), "export.promtail.reload_cmd")

	c = Default()
	c.Export.Fluentbit.ReloadCmd = "true"
	assertHasError(t, Validate(c), "export.fluentbit.reload_cmd")

	c = Default()
	c.Export.Fluentbit.ConfFile = "/etc/fluent-bit/nomad.conf"
	c.Export.Fluentbit.TagPrefix = "nomad logs"
	assertHasError(t, Validate(c), "tag_prefix")

	c = Default()
	c.Export.Promtail.TargetsFile = "/tmp/shared"
	c.Export.Fluentbit.ConfFile = "/tmp/shared"
	assertHasError(t, Validate(c), "must differ")
}

func TestValidateLogLevel(t *testing.T) {
	c := Default()
	c.Log.Level = "verbose"
	assertHasError(t, Validate(c), "log.level")
}

func TestLoadWrapsConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nomad-logger.yaml")
	c := Default()
	c.Batch.MaxSize = -1
	if err := Save(c, path); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Fatalf("missing file: expected ErrConfigInvalid, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "nomad-logger.yaml")
	c := Default()
	c.Nomad.NodeID = "node-1"
	c.Batch.MaxAge = 750 * time.Millisecond
	if err := Save(c, path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Nomad.NodeID != "node-1" {
		t.Errorf("node_id: got %q", loaded.Nomad.NodeID)
	}
	if loaded.Batch.MaxAge != 750*time.Millisecond {
		t.Errorf("max_age: got %v", loaded.Batch.MaxAge)
	}
	if loaded.FilePath != path {
		t.Errorf("file path: got %q", loaded.FilePath)
	}
}

func assertHasError(t *testing.T, errs []error, substr string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e.Error(), substr) {
			return
		}
	}
	t.Errorf("expected error containing %q, got %v", substr, errs)
}
