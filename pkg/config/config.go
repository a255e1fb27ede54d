// Package config loads and validates the nomad-logger agent configuration.
package config

import "time"

// Config represents a nomad-logger.yaml configuration file.
type Config struct {
	Version         int              `yaml:"version"          json:"version"`
	Nomad           NomadConfig      `yaml:"nomad"            json:"nomad"`
	Tail            TailConfig       `yaml:"tail"             json:"tail"`
	Batch           BatchConfig      `yaml:"batch"            json:"batch"`
	Delivery        DeliveryConfig   `yaml:"delivery"         json:"delivery"`
	Sink            SinkConfig       `yaml:"sink"             json:"sink"`
	Checkpoint      CheckpointConfig `yaml:"checkpoint"       json:"checkpoint"`
	Control         ControlConfig    `yaml:"control"          json:"control"`
	Metrics         MetricsConfig    `yaml:"metrics"          json:"metrics"`
	Tracing         TracingConfig    `yaml:"tracing"          json:"tracing"`
	Export          ExportConfig     `yaml:"export"           json:"export"`
	Log             LogConfig        `yaml:"log"              json:"log"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// FilePath is the location the config was loaded from (not serialised).
	FilePath string `yaml:"-" json:"-"`
}

// NomadConfig points the agent at the scheduler.
type NomadConfig struct {
	Address      string        `yaml:"address"       json:"address"`
	Token        string        `yaml:"token,omitempty" json:"-"`
	Namespace    string        `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	NodeID       string        `yaml:"node_id,omitempty" json:"node_id,omitempty"`
	AllocsDir    string        `yaml:"allocs_dir"    json:"allocs_dir"`
	MetaPrefix   string        `yaml:"meta_prefix"   json:"meta_prefix"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	GracePeriod  time.Duration `yaml:"grace_period"  json:"grace_period"`
}

// TailConfig controls per-source file reading.
type TailConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"  json:"poll_interval"`
	MaxLineBytes int           `yaml:"max_line_bytes" json:"max_line_bytes"`
	ReadRetries  int           `yaml:"read_retries"   json:"read_retries"`
	RetryBase    time.Duration `yaml:"retry_base"     json:"retry_base"`
}

// BatchConfig controls batching and backpressure in the dispatcher.
type BatchConfig struct {
	MaxSize     int           `yaml:"max_size"      json:"max_size"`
	MaxAge      time.Duration `yaml:"max_age"       json:"max_age"`
	QueueSize   int           `yaml:"queue_size"    json:"queue_size"`
	MaxInFlight int           `yaml:"max_in_flight" json:"max_in_flight"`
	MaxBuffered int           `yaml:"max_buffered"  json:"max_buffered"`
}

// DeliveryConfig controls retries against the sink.
type DeliveryConfig struct {
	RetryCeiling int           `yaml:"retry_ceiling" json:"retry_ceiling"`
	BackoffBase  time.Duration `yaml:"backoff_base"  json:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"   json:"backoff_max"`
}

// SinkConfig selects and configures the remote log store.
type SinkConfig struct {
	Type        string        `yaml:"type"                  json:"type"` // http|archive
	URL         string        `yaml:"url"                   json:"url"`
	APIKey      string        `yaml:"api_key,omitempty"     json:"-"`
	Compression string        `yaml:"compression,omitempty" json:"compression,omitempty"` // zstd|gzip|none
	Timeout     time.Duration `yaml:"timeout"               json:"timeout"`
	Service     string        `yaml:"service,omitempty"     json:"service,omitempty"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite|memory
	Path   string `yaml:"path"   json:"path"`
}

// ControlConfig configures the local control socket.
type ControlConfig struct {
	Socket string `yaml:"socket" json:"socket"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"          json:"enabled"`
	Output  string `yaml:"output,omitempty" json:"output,omitempty"`
}

// ExportConfig writes configuration for a log shipper running next to the
// agent. An exporter is enabled by naming its output file.
type ExportConfig struct {
	Promtail  PromtailExport  `yaml:"promtail"  json:"promtail"`
	Fluentbit FluentbitExport `yaml:"fluentbit" json:"fluentbit"`
}

// PromtailExport writes a file_sd targets file.
type PromtailExport struct {
	TargetsFile string `yaml:"targets_file,omitempty" json:"targets_file,omitempty"`
	ReloadCmd   string `yaml:"reload_cmd,omitempty"   json:"reload_cmd,omitempty"`
}

// FluentbitExport writes a config fragment with one tail input per stream.
type FluentbitExport struct {
	ConfFile  string `yaml:"conf_file,omitempty"  json:"conf_file,omitempty"`
	TagPrefix string `yaml:"tag_prefix"           json:"tag_prefix"`
	Parser    string `yaml:"parser,omitempty"     json:"parser,omitempty"`
	ReloadCmd string `yaml:"reload_cmd,omitempty" json:"reload_cmd,omitempty"`
}

// LogConfig configures the agent's own logging.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"`  // debug|info|warn|error
	Format string `yaml:"format" json:"format"` // text|json
}

// Default returns a Config populated with the agent's defaults.
func Default() *Config {
	return &Config{
		Version: 1,
		Nomad: NomadConfig{
			Address:      "http://localhost:4646",
			AllocsDir:    "/var/lib/nomad/alloc",
			MetaPrefix:   "nomad-logger",
			PollInterval: time.Second,
			GracePeriod:  30 * time.Second,
		},
		Tail: TailConfig{
			PollInterval: 250 * time.Millisecond,
			MaxLineBytes: 1024 * 1024,
			ReadRetries:  5,
			RetryBase:    100 * time.Millisecond,
		},
		Batch: BatchConfig{
			MaxSize:     100,
			MaxAge:      time.Second,
			QueueSize:   1000,
			MaxInFlight: 4,
			MaxBuffered: 5000,
		},
		Delivery: DeliveryConfig{
			RetryCeiling: 5,
			BackoffBase:  time.Second,
			BackoffMax:   30 * time.Second,
		},
		Sink: SinkConfig{
			Type:        "http",
			URL:         "http://localhost:8080/api/ingest/batch",
			Compression: "zstd",
			Timeout:     5 * time.Second,
			Service:     "nomad",
		},
		Checkpoint: CheckpointConfig{
			Driver: "sqlite",
			Path:   "/var/lib/nomad-logger/checkpoints.db",
		},
		Control: ControlConfig{Socket: "/tmp/nomad-logger.sock"},
		Metrics: MetricsConfig{Listen: ":2112"},
		Export:  ExportConfig{Fluentbit: FluentbitExport{TagPrefix: "nomad"}},
		Log:     LogConfig{Level: "info", Format: "text"},

		ShutdownTimeout: 10 * time.Second,
	}
}
