package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	// Nomad
	if c.Nomad.Address == "" {
		errs = append(errs, fmt.Errorf("nomad.address is required"))
	} else if u, err := url.Parse(c.Nomad.Address); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("nomad.address %q is not a valid URL", c.Nomad.Address))
	}
	if c.Nomad.AllocsDir == "" {
		errs = append(errs, fmt.Errorf("nomad.allocs_dir is required"))
	}
	if c.Nomad.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("nomad.poll_interval must be > 0"))
	}
	if c.Nomad.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("nomad.grace_period must be >= 0"))
	}

	// Tail
	if c.Tail.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("tail.poll_interval must be > 0"))
	}
	if c.Tail.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("tail.max_line_bytes must be > 0"))
	}
	if c.Tail.ReadRetries < 1 {
		errs = append(errs, fmt.Errorf("tail.read_retries must be >= 1"))
	}

	// Batch
	if c.Batch.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_size must be > 0"))
	}
	if c.Batch.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_age must be > 0"))
	}
	if c.Batch.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("batch.queue_size must be > 0"))
	}
	if c.Batch.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_in_flight must be > 0"))
	}
	if c.Batch.MaxBuffered < c.Batch.MaxSize {
		errs = append(errs, fmt.Errorf("batch.max_buffered (%d) must be >= batch.max_size (%d)", c.Batch.MaxBuffered, c.Batch.MaxSize))
	}

	// Delivery
	if c.Delivery.RetryCeiling < 0 {
		errs = append(errs, fmt.Errorf("delivery.retry_ceiling must be >= 0"))
	}
	if c.Delivery.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("delivery.backoff_base must be > 0"))
	}
	if c.Delivery.BackoffMax < c.Delivery.BackoffBase {
		errs = append(errs, fmt.Errorf("delivery.backoff_max must be >= delivery.backoff_base"))
	}

	// Sink
	switch c.Sink.Type {
	case "http":
		if u, err := url.Parse(c.Sink.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("sink (http): url must be an http(s) URL, got %q", c.Sink.URL))
		}
		if c.Sink.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("sink (http): timeout must be > 0"))
		}
	case "archive":
		if c.Sink.URL == "" {
			errs = append(errs, fmt.Errorf("sink (archive): url is required"))
		}
	case "":
		errs = append(errs, fmt.Errorf("sink.type is required"))
	default:
		errs = append(errs, fmt.Errorf("sink: unknown type %q", c.Sink.Type))
	}
	switch c.Sink.Compression {
	case "", "none", "zstd", "gzip":
	default:
		errs = append(errs, fmt.Errorf("sink.compression must be zstd, gzip, or none; got %q", c.Sink.Compression))
	}

	// Checkpoint
	switch c.Checkpoint.Driver {
	case "sqlite":
		if c.Checkpoint.Path == "" {
			errs = append(errs, fmt.Errorf("checkpoint (sqlite): path is required"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("checkpoint.driver must be sqlite or memory; got %q", c.Checkpoint.Driver))
	}

	// Export
	if c.Export.Promtail.ReloadCmd != "" && c.Export.Promtail.TargetsFile == "" {
		errs = append(errs, fmt.Errorf("export.promtail.reload_cmd requires export.promtail.targets_file"))
	}
	if c.Export.Fluentbit.ReloadCmd != "" && c.Export.Fluentbit.ConfFile == "" {
		errs = append(errs, fmt.Errorf("export.fluentbit.reload_cmd requires export.fluentbit.conf_file"))
	}
	if c.Export.Fluentbit.ConfFile != "" && strings.ContainsAny(c.Export.Fluentbit.TagPrefix, " \t\n") {
		errs = append(errs, fmt.Errorf("export.fluentbit.tag_prefix must not contain whitespace; got %q", c.Export.Fluentbit.TagPrefix))
	}
	if c.Export.Promtail.TargetsFile != "" && c.Export.Promtail.TargetsFile == c.Export.Fluentbit.ConfFile {
		errs = append(errs, fmt.Errorf("export.promtail.targets_file and export.fluentbit.conf_file must differ"))
	}

	if c.Control.Socket == "" {
		errs = append(errs, fmt.Errorf("control.socket is required"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json; got %q", c.Log.Format))
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be > 0"))
	}

	return errs
}

// ParseLevel maps a config level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn, or error; got %q", s)
}
