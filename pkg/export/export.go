// Package export renders the live source set into configuration for an
// external log shipper running next to the agent, such as Promtail or Fluent
// Bit, and rewrites it whenever the set changes.
package export

import (
	"context"
	"log/slog"
	"strings"

	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
)

// Exporter writes shipper configuration for sources.
type Exporter interface {
	Name() string
	Export(ctx context.Context, sources []core.Source) error
}

// fluentbitMeta prefixes the task meta keys that tune the Fluent Bit input
// of a stream. They are not forwarded as labels.
const fluentbitMeta = "fluentbit."

// FromConfig builds the exporters enabled in c. Each one is enabled by
// naming its output file.
func FromConfig(c config.ExportConfig, m *metrics.Metrics, logger *slog.Logger) []Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	var out []Exporter
	if c.Promtail.TargetsFile != "" {
		out = append(out, NewPromtail(c.Promtail.TargetsFile, c.Promtail.ReloadCmd, m, logger.With("exporter", "promtail")))
	}
	if c.Fluentbit.ConfFile != "" {
		out = append(out, NewFluentbit(FluentbitConfig{
			ConfFile:  c.Fluentbit.ConfFile,
			TagPrefix: c.Fluentbit.TagPrefix,
			Parser:    c.Fluentbit.Parser,
			ReloadCmd: c.Fluentbit.ReloadCmd,
		}, m, logger.With("exporter", "fluentbit")))
	}
	return out
}

// GlobPath matches every rotated file of the stream whose base is path.
func GlobPath(path string) string {
	return path + ".[0-9]*"
}

// shippable drops retired sources.
func shippable(sources []core.Source) []core.Source {
	out := make([]core.Source, 0, len(sources))
	for _, src := range sources {
		if src.State != core.SourceRetired {
			out = append(out, src)
		}
	}
	return out
}

// recordLabels copies the labels of src without shipper tuning keys.
func recordLabels(src core.Source) map[string]string {
	out := make(map[string]string, len(src.Labels))
	for k, v := range src.Labels {
		if strings.HasPrefix(k, fluentbitMeta) {
			continue
		}
		out[k] = v
	}
	return out
}
