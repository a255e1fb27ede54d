package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func source(allocID, task, stream string, labels map[string]string) core.Source {
	all := map[string]string{
		core.LabelJob:       "cache",
		core.LabelTask:      task,
		core.LabelAllocID:   allocID,
		core.LabelStream:    stream,
		core.LabelNamespace: "default",
	}
	for k, v := range labels {
		all[k] = v
	}
	return core.Source{
		ID:      core.SourceID(allocID, task, stream),
		AllocID: allocID,
		Task:    task,
		Stream:  stream,
		Path:    filepath.Join("/var/lib/nomad/alloc", allocID, "alloc", "logs", task+"."+stream),
		Labels:  all,
		State:   core.SourceTailing,
	}
}

// reloadCounter returns a shell command that appends to a file and a func
// reporting how many times it ran.
func reloadCounter(t *testing.T) (string, func() int) {
	t.Helper()
	log := filepath.Join(t.TempDir(), "reloads")
	return fmt.Sprintf("echo reload >> %s", log), func() int {
		data, err := os.ReadFile(log)
		if os.IsNotExist(err) {
			return 0
		}
		require.NoError(t, err)
		return strings.Count(string(data), "reload")
	}
}

func TestPromtailTargets(t *testing.T) {
	web := source("a1", "web", "stdout", map[string]string{"team": "storage", MetaParser: "json"})
	gone := source("a0", "web", "stdout", nil)
	gone.State = core.SourceRetired

	groups := PromtailTargets([]core.Source{web, gone})
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, []string{"localhost"}, g.Targets)
	assert.Equal(t, "/var/lib/nomad/alloc/a1/alloc/logs/web.stdout.[0-9]*", g.Labels["__path__"])
	assert.Equal(t, "cache", g.Labels[core.LabelJob])
	assert.Equal(t, "storage", g.Labels["team"])
	assert.NotContains(t, g.Labels, MetaParser)
}

func TestRenderPromtailEmpty(t *testing.T) {
	data, err := RenderPromtail(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
}

func TestPromtailExportRewritesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nomad.yaml")
	cmd, reloads := reloadCounter(t)
	p := NewPromtail(path, cmd, nil, quietLogger())

	sources := []core.Source{source("a1", "web", "stdout", nil), source("a1", "web", "stderr", nil)}
	require.NoError(t, p.Export(ctx, sources))
	require.NoError(t, p.Export(ctx, sources))
	assert.Equal(t, 1, reloads())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var groups []TargetGroup
	require.NoError(t, yaml.Unmarshal(data, &groups))
	require.Len(t, groups, 2)
	assert.Equal(t, "stderr", groups[1].Labels[core.LabelStream])

	require.NoError(t, p.Export(ctx, sources[:1]))
	assert.Equal(t, 2, reloads())
}

func TestWriterRetriesFailedReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok")
	// Fails the first time, succeeds afterwards.
	cmd := fmt.Sprintf("test -f %[1]s || { touch %[1]s; exit 3; }", ok)
	w := NewWriter(filepath.Join(dir, "out.conf"), cmd, quietLogger())

	changed, err := w.Write(ctx, []byte("a"))
	assert.True(t, changed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reload command")

	changed, err = w.Write(ctx, []byte("a"))
	assert.False(t, changed)
	require.NoError(t, err)
	assert.False(t, w.reloadDue)
}

func TestWriterSupportsStorageURLs(t *testing.T) {
	ctx := context.Background()
	url := "mem://localhost/" + strings.ReplaceAll(t.Name(), "/", "_") + "/targets.yaml"
	w := NewWriter(url, "", quietLogger())

	changed, err := w.Write(ctx, []byte("one"))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = w.Write(ctx, []byte("one"))
	require.NoError(t, err)
	assert.False(t, changed)

	data, err := afs.New().DownloadWithURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestFluentbitInput(t *testing.T) {
	f := NewFluentbit(FluentbitConfig{ConfFile: "unused", Parser: "docker"}, nil, quietLogger())

	in := f.Input(source("a1", "web", "stdout", nil))
	assert.Equal(t, "nomad.a1.web.stdout", in.Tag)
	assert.Equal(t, "/var/lib/nomad/alloc/a1/alloc/logs/web.stdout.[0-9]*", in.Path)
	assert.Equal(t, "docker", in.Parser)
	assert.Empty(t, in.FilterParsers)
	assert.Equal(t, core.LabelAllocID, in.Labels[0].Key)

	tuned := f.Input(source("a2", "api", "stderr", map[string]string{
		MetaTagPrefix:     "apps",
		MetaParser:        "json",
		MetaFilterParsers: "log:json, msg:logfmt,broken,:nokey",
		"team":            "line\nbreak",
	}))
	assert.Equal(t, "apps.a2.api.stderr", tuned.Tag)
	assert.Equal(t, "json", tuned.Parser)
	assert.Equal(t, []FilterParser{{Key: "log", Parser: "json"}, {Key: "msg", Parser: "logfmt"}}, tuned.FilterParsers)
	for _, l := range tuned.Labels {
		assert.False(t, strings.HasPrefix(l.Key, "fluentbit."), l.Key)
		if l.Key == "team" {
			assert.Equal(t, "line break", l.Value)
		}
	}
}

func TestFluentbitRender(t *testing.T) {
	f := NewFluentbit(FluentbitConfig{ConfFile: "unused"}, nil, quietLogger())
	data, err := f.Render([]core.Source{
		source("a1", "web", "stdout", map[string]string{MetaFilterParsers: "log:json"}),
	})
	require.NoError(t, err)
	conf := string(data)

	assert.Contains(t, conf, "[INPUT]\n    Name              tail\n    Tag               nomad.a1.web.stdout\n")
	assert.Contains(t, conf, "    Path              /var/lib/nomad/alloc/a1/alloc/logs/web.stdout.[0-9]*\n")
	assert.NotContains(t, conf, "Parser            ")
	assert.Contains(t, conf, "    Record  nomad_job cache\n")
	assert.Contains(t, conf, "    Key_Name      log\n    Parser        json\n")
	assert.Equal(t, 2, strings.Count(conf, "Match"))

	empty, err := f.Render(nil)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(empty)))
}

func TestFluentbitExport(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nomad.conf")
	cmd, reloads := reloadCounter(t)
	f := NewFluentbit(FluentbitConfig{ConfFile: path, TagPrefix: "nomad", ReloadCmd: cmd}, nil, quietLogger())

	sources := []core.Source{source("a1", "web", "stdout", nil)}
	require.NoError(t, f.Export(ctx, sources))
	require.NoError(t, f.Export(ctx, sources))
	assert.Equal(t, 1, reloads())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "nomad.a1.web.stdout")
}

func TestFromConfig(t *testing.T) {
	assert.Empty(t, FromConfig(config.ExportConfig{}, nil, nil))

	got := FromConfig(config.ExportConfig{
		Promtail:  config.PromtailExport{TargetsFile: "/tmp/targets.yaml"},
		Fluentbit: config.FluentbitExport{ConfFile: "/tmp/nomad.conf"},
	}, nil, quietLogger())
	require.Len(t, got, 2)
	assert.Equal(t, "promtail", got[0].Name())
	assert.Equal(t, "fluentbit", got[1].Name())
	assert.Equal(t, defaultTagPrefix, got[1].(*Fluentbit).cfg.TagPrefix)
}
