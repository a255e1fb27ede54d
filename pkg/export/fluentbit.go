package export

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
)

// Task meta keys, below the agent's meta prefix, that override the exporter
// defaults for one task.
const (
	MetaTagPrefix     = fluentbitMeta + "tag-prefix"
	MetaParser        = fluentbitMeta + "parser"
	MetaFilterParsers = fluentbitMeta + "filter-parsers"
)

const defaultTagPrefix = "nomad"

//go:embed fluentbit.conf.tmpl
var fluentbitTmpl string

var fluentbitConf = template.Must(template.New("fluentbit").Parse(fluentbitTmpl))

// FluentbitConfig configures the Fluent Bit exporter.
type FluentbitConfig struct {
	// ConfFile is overwritten completely; include it from the main config.
	ConfFile  string
	TagPrefix string
	// Parser applies to every input unless a task overrides it.
	Parser    string
	ReloadCmd string
}

// FilterParser runs Parser over the record field Key.
type FilterParser struct {
	Key    string
	Parser string
}

// Label is one record field added to every line of an input.
type Label struct {
	Key   string
	Value string
}

// FluentbitInput is the tail input and filters for one source.
type FluentbitInput struct {
	Tag           string
	Path          string
	Parser        string
	FilterParsers []FilterParser
	Labels        []Label
}

// Fluentbit keeps a Fluent Bit config fragment with one tail input per
// source.
type Fluentbit struct {
	cfg     FluentbitConfig
	w       *Writer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFluentbit creates an exporter writing to cfg.ConfFile.
func NewFluentbit(cfg FluentbitConfig, m *metrics.Metrics, logger *slog.Logger) *Fluentbit {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TagPrefix == "" {
		cfg.TagPrefix = defaultTagPrefix
	}
	return &Fluentbit{cfg: cfg, w: NewWriter(cfg.ConfFile, cfg.ReloadCmd, logger), metrics: m, logger: logger}
}

func (f *Fluentbit) Name() string { return "fluentbit" }

// Export rewrites the config fragment when the inputs changed.
func (f *Fluentbit) Export(ctx context.Context, sources []core.Source) error {
	data, err := f.Render(sources)
	if err != nil {
		f.metrics.Export(f.Name(), metrics.ExportError)
		return err
	}
	changed, err := f.w.Write(ctx, data)
	f.metrics.Export(f.Name(), exportResult(changed, err))
	return err
}

// Render produces the config fragment for sources.
func (f *Fluentbit) Render(sources []core.Source) ([]byte, error) {
	var inputs []FluentbitInput
	for _, src := range shippable(sources) {
		inputs = append(inputs, f.Input(src))
	}
	var buf bytes.Buffer
	if err := fluentbitConf.Execute(&buf, inputs); err != nil {
		return nil, fmt.Errorf("render fluentbit config: %w", err)
	}
	return buf.Bytes(), nil
}

// Input builds the input of src, applying its task meta overrides.
func (f *Fluentbit) Input(src core.Source) FluentbitInput {
	prefix := metaOr(src, MetaTagPrefix, f.cfg.TagPrefix)
	in := FluentbitInput{
		Tag:    strings.Join([]string{prefix, src.AllocID, src.Task, src.Stream}, "."),
		Path:   GlobPath(src.Path),
		Parser: metaOr(src, MetaParser, f.cfg.Parser),
	}
	in.FilterParsers = f.filterParsers(src)

	labels := recordLabels(src)
	for k, v := range labels {
		in.Labels = append(in.Labels, Label{Key: k, Value: oneLine(v)})
	}
	sort.Slice(in.Labels, func(i, j int) bool { return in.Labels[i].Key < in.Labels[j].Key })
	return in
}

// filterParsers parses "key:parser,key:parser". Malformed entries are
// skipped.
func (f *Fluentbit) filterParsers(src core.Source) []FilterParser {
	var out []FilterParser
	for _, entry := range strings.Split(src.Labels[MetaFilterParsers], ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, parser, ok := strings.Cut(entry, ":")
		if !ok || key == "" || parser == "" {
			f.logger.Warn("ignoring malformed filter parser", "source", src.ID, "entry", entry)
			continue
		}
		out = append(out, FilterParser{Key: key, Parser: parser})
	}
	return out
}

func metaOr(src core.Source, key, fallback string) string {
	if v := src.Labels[key]; v != "" {
		return v
	}
	return fallback
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
