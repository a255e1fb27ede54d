package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// Writer stores rendered configuration at a file path or afs URL. Content
// equal to what is stored is not rewritten. After a rewrite the reload
// command runs through /bin/sh; a failed reload is retried on the next
// write even when the content is unchanged.
type Writer struct {
	url       string
	reloadCmd string
	fs        afs.Service
	logger    *slog.Logger

	reloadDue bool
}

// NewWriter creates a writer for url.
func NewWriter(url, reloadCmd string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{url: url, reloadCmd: reloadCmd, fs: afs.New(), logger: logger}
}

// Write stores data and reports whether it replaced different content.
func (w *Writer) Write(ctx context.Context, data []byte) (bool, error) {
	same, err := w.unchanged(ctx, data)
	if err != nil {
		return false, err
	}
	if !same {
		if err := w.fs.Upload(ctx, w.url, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
			return false, fmt.Errorf("%w: write %s: %w", core.ErrTransientIO, w.url, err)
		}
		w.logger.Info("shipper config updated", "url", w.url, "bytes", len(data))
		w.reloadDue = w.reloadCmd != ""
	}
	if w.reloadDue {
		if err := w.reload(ctx); err != nil {
			return !same, err
		}
		w.reloadDue = false
	}
	return !same, nil
}

func (w *Writer) unchanged(ctx context.Context, data []byte) (bool, error) {
	exists, err := w.fs.Exists(ctx, w.url)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %w", core.ErrTransientIO, w.url, err)
	}
	if !exists {
		return false, nil
	}
	old, err := w.fs.DownloadWithURL(ctx, w.url)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %w", core.ErrTransientIO, w.url, err)
	}
	return bytes.Equal(old, data), nil
}

func (w *Writer) reload(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", w.reloadCmd).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return fmt.Errorf("reload command %q: %w: %s", w.reloadCmd, err, output)
	}
	w.logger.Info("shipper reloaded", "cmd", w.reloadCmd, "output", output)
	return nil
}
