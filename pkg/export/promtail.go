package export

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
)

// pathLabel tells Promtail which files a target group tails.
const pathLabel = "__path__"

// TargetGroup is one entry of a Promtail file_sd targets file.
type TargetGroup struct {
	Targets []string          `yaml:"targets"`
	Labels  map[string]string `yaml:"labels"`
}

// Promtail keeps a file_sd targets file with one group per source.
type Promtail struct {
	w       *Writer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPromtail creates an exporter writing to targetsFile.
func NewPromtail(targetsFile, reloadCmd string, m *metrics.Metrics, logger *slog.Logger) *Promtail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Promtail{w: NewWriter(targetsFile, reloadCmd, logger), metrics: m, logger: logger}
}

func (p *Promtail) Name() string { return "promtail" }

// Export rewrites the targets file when the groups changed.
func (p *Promtail) Export(ctx context.Context, sources []core.Source) error {
	data, err := RenderPromtail(sources)
	if err != nil {
		p.metrics.Export(p.Name(), metrics.ExportError)
		return err
	}
	changed, err := p.w.Write(ctx, data)
	p.metrics.Export(p.Name(), exportResult(changed, err))
	return err
}

// PromtailTargets maps sources to target groups, in source order.
func PromtailTargets(sources []core.Source) []TargetGroup {
	groups := []TargetGroup{}
	for _, src := range shippable(sources) {
		labels := recordLabels(src)
		labels[pathLabel] = GlobPath(src.Path)
		groups = append(groups, TargetGroup{Targets: []string{"localhost"}, Labels: labels})
	}
	return groups
}

// RenderPromtail encodes the targets file for sources.
func RenderPromtail(sources []core.Source) ([]byte, error) {
	data, err := yaml.Marshal(PromtailTargets(sources))
	if err != nil {
		return nil, fmt.Errorf("encode promtail targets: %w", err)
	}
	return data, nil
}

func exportResult(changed bool, err error) string {
	switch {
	case err != nil:
		return metrics.ExportError
	case changed:
		return metrics.ExportWritten
	}
	return metrics.ExportUnchanged
}
