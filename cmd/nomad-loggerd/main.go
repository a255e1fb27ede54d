package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	promversion "github.com/prometheus/common/version"

	"github.com/attachmentgenie/nomad-logger/internal/buildinfo"
	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/daemon"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
	"github.com/attachmentgenie/nomad-logger/pkg/providers/nomad"
	"github.com/attachmentgenie/nomad-logger/pkg/sink/archive"
	"github.com/attachmentgenie/nomad-logger/pkg/sink/httpsink"
	"github.com/attachmentgenie/nomad-logger/pkg/tracing"
)

// args override the config file. Empty values keep the file's setting.
type args struct {
	Config         string `arg:"-c,--config,env:NOMAD_LOGGER_CONFIG" help:"path to nomad-logger.yaml; defaults apply when empty"`
	NomadAddress   string `arg:"--nomad-addr,env:NOMAD_ADDR" help:"address of the Nomad API"`
	NomadToken     string `arg:"--nomad-token,env:NOMAD_TOKEN" help:"Nomad ACL token"`
	NomadNodeID    string `arg:"--nomad-node-id,env:NOMAD_NODE_ID" help:"node to collect logs for; resolved from NOMAD_ALLOC_ID when empty"`
	NomadAllocsDir string `arg:"--nomad-allocs-dir,env:NOMAD_ALLOCS_DIR" help:"location of the Nomad allocation directories"`
	MetaPrefix     string `arg:"--nomad-meta-prefix,env:NOMAD_META_PREFIX" help:"task meta keys starting with '$prefix.' become record labels"`
	SinkType       string `arg:"--sink,env:SINK_TYPE" help:"sink to deliver to: http or archive"`
	SinkURL        string `arg:"--sink-url,env:SINK_URL" help:"ingest endpoint or archive base URL"`
	SinkAPIKey     string `arg:"--sink-api-key,env:SINK_API_KEY" help:"API key sent to the ingest endpoint"`
	Checkpoints    string `arg:"--checkpoint-path,env:CHECKPOINT_PATH" help:"checkpoint database path"`
	Socket         string `arg:"--socket,env:NOMAD_LOGGER_SOCKET" help:"control socket path"`
	MetricsListen  string `arg:"--metrics-listen,env:METRICS_LISTEN" help:"address for /metrics; 'off' disables it"`
	LogLevel       string `arg:"--log-level,env:LOG_LEVEL" help:"debug, info, warn or error"`

	PromtailTargetsFile string `arg:"--promtail-targets-file,env:PROMTAIL_TARGETS_FILE" help:"write a Promtail file_sd targets file for the live streams"`
	FluentbitConfFile   string `arg:"--fluentbit-conf-file,env:FLUENTBIT_CONF_FILE" help:"write a Fluent Bit config fragment for the live streams; include it from the main config"`
	FluentbitTagPrefix  string `arg:"--fluentbit-tag-prefix,env:FLUENTBIT_TAG_PREFIX" help:"Fluent Bit tag prefix; tags are '$prefix.$allocId.$task.$stream'"`
	FluentbitParser     string `arg:"--fluentbit-parser,env:FLUENTBIT_PARSER" help:"parser applied to every Fluent Bit input"`
	ReloadCmd           string `arg:"--reload-cmd,env:RELOAD_CMD" help:"shell command run after an exported shipper config changed"`
}

func (args) Description() string {
	return "nomad-loggerd ships Nomad allocation logs to a remote log store."
}

func (args) Version() string {
	return fmt.Sprintf("nomad-loggerd %s (%s) built %s", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
}

func init() {
	promversion.Version = buildinfo.Version
	promversion.Revision = buildinfo.Commit
	promversion.BuildDate = buildinfo.Date
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := loadConfig(a)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("agent failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file (or the defaults) and applies overrides.
func loadConfig(a args) (*config.Config, error) {
	cfg := config.Default()
	if a.Config != "" {
		loaded, err := config.Load(a.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyOverrides(cfg, a)
	if err := config.Check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, a args) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Nomad.Address, a.NomadAddress)
	set(&cfg.Nomad.Token, a.NomadToken)
	set(&cfg.Nomad.NodeID, a.NomadNodeID)
	set(&cfg.Nomad.AllocsDir, a.NomadAllocsDir)
	set(&cfg.Nomad.MetaPrefix, a.MetaPrefix)
	set(&cfg.Sink.Type, a.SinkType)
	set(&cfg.Sink.URL, a.SinkURL)
	set(&cfg.Sink.APIKey, a.SinkAPIKey)
	set(&cfg.Checkpoint.Path, a.Checkpoints)
	set(&cfg.Control.Socket, a.Socket)
	set(&cfg.Log.Level, a.LogLevel)
	set(&cfg.Export.Promtail.TargetsFile, a.PromtailTargetsFile)
	set(&cfg.Export.Fluentbit.ConfFile, a.FluentbitConfFile)
	set(&cfg.Export.Fluentbit.TagPrefix, a.FluentbitTagPrefix)
	set(&cfg.Export.Fluentbit.Parser, a.FluentbitParser)
	if cfg.Export.Promtail.TargetsFile != "" {
		set(&cfg.Export.Promtail.ReloadCmd, a.ReloadCmd)
	}
	if cfg.Export.Fluentbit.ConfFile != "" {
		set(&cfg.Export.Fluentbit.ReloadCmd, a.ReloadCmd)
	}
	switch a.MetricsListen {
	case "":
	case "off":
		cfg.Metrics.Listen = ""
	default:
		cfg.Metrics.Listen = a.MetricsListen
	}
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// closingSink is a sink with resources to release after shutdown.
type closingSink interface {
	core.Sink
	Close() error
}

func openSink(c config.SinkConfig, logger *slog.Logger) (closingSink, error) {
	switch c.Type {
	case "http":
		return httpsink.New(httpsink.ConfigFrom(c), logger)
	case "archive":
		return archive.New(c.URL, c.Compression, logger)
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", core.ErrConfigInvalid, c.Type)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init("nomad-loggerd", buildinfo.Version, cfg.Tracing.Output)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	provider, err := nomad.New(nomad.ConfigFrom(cfg.Nomad), logger.With("component", "nomad"))
	if err != nil {
		return err
	}
	if err := provider.ResolveNodeID(ctx); err != nil {
		return fmt.Errorf("resolve node id: %w", err)
	}
	// Fail fast on a scheduler we cannot reach at all.
	if _, err := provider.ListAllocations(ctx); err != nil {
		return fmt.Errorf("initial allocation listing: %w", err)
	}

	store, err := checkpoint.Open(cfg.Checkpoint.Driver, cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	sink, err := openSink(cfg.Sink, logger.With("component", "sink"))
	if err != nil {
		_ = store.Close()
		return err
	}
	defer sink.Close()

	m := metrics.New()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server", "err", err)
			}
		}()
	}

	d := daemon.New(cfg, daemon.Deps{
		Lister:  provider,
		Sink:    sink,
		Store:   store,
		Metrics: m,
		Logger:  logger,
		NodeID:  provider.NodeID(),
		Version: buildinfo.Version,
	})

	go notifySystemd(ctx, d, logger)

	logger.Info("starting nomad-loggerd", "version", buildinfo.Version, "node", provider.NodeID())
	err = d.Run(ctx)
	if _, nerr := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); nerr != nil {
		logger.Debug("sd_notify stopping", "err", nerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// notifySystemd reports readiness once the control socket listens and keeps
// the watchdog fed while the agent runs. Outside systemd it is a no-op.
func notifySystemd(ctx context.Context, d *daemon.Daemon, logger *slog.Logger) {
	select {
	case <-d.Server().Ready():
	case <-ctx.Done():
		return
	}
	if ok, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify ready", "err", err)
	} else if ok {
		logger.Debug("notified systemd")
	}

	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = sddaemon.SdNotify(false, sddaemon.SdNotifyWatchdog)
		}
	}
}
