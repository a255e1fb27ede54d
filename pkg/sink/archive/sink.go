// Package archive writes batches as NDJSON objects to any afs-supported
// storage URL (file://, mem://, and the cloud schemes afs registers).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/attachmentgenie/nomad-logger/pkg/core"
)

// Row is one archived log line.
type Row struct {
	Timestamp time.Time         `json:"timestamp"`
	SourceID  string            `json:"source_id"`
	Seq       uint64            `json:"seq"`
	Message   string            `json:"message"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Sink uploads each batch to <base>/<yyyy>/<mm>/<dd>/<batch id>.ndjson.
type Sink struct {
	base        string
	compression string
	fs          afs.Service
	zenc        *zstd.Encoder
	logger      *slog.Logger
}

// New creates an archive sink rooted at baseURL. compression is "zstd",
// "gzip" or empty/"none".
func New(baseURL, compression string, logger *slog.Logger) (*Sink, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: archive sink url is required", core.ErrConfigInvalid)
	}
	s := &Sink{base: baseURL, compression: compression, fs: afs.New(), logger: logger}
	switch compression {
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		s.zenc = enc
	case "gzip":
	case "", "none":
	default:
		return nil, fmt.Errorf("%w: archive sink does not support %q compression", core.ErrConfigInvalid, compression)
	}
	return s, nil
}

func (s *Sink) Name() string { return "archive" }

// ObjectURL returns where batch b is written.
func (s *Sink) ObjectURL(b *core.Batch) string {
	day := b.CreatedAt.UTC()
	if day.IsZero() {
		day = time.Now().UTC()
	}
	name := b.ID + ".ndjson"
	switch s.compression {
	case "zstd":
		name += ".zst"
	case "gzip":
		name += ".gz"
	}
	return url.Join(s.base, day.Format("2006"), day.Format("01"), day.Format("02"), name)
}

// Deliver uploads b. A storage error leaves the whole batch for retry.
func (s *Sink) Deliver(ctx context.Context, b *core.Batch) core.Result {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range b.Records {
		row := Row{
			Timestamp: r.Timestamp,
			SourceID:  r.SourceID,
			Seq:       r.Seq,
			Message:   string(r.Payload),
			Labels:    r.Labels,
		}
		if err := enc.Encode(row); err != nil {
			return core.RejectedResult(fmt.Errorf("%w: encode: %w", core.ErrSinkRejected, err))
		}
	}

	data := buf.Bytes()
	switch s.compression {
	case "zstd":
		data = s.zenc.EncodeAll(data, nil)
	case "gzip":
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(data); err != nil {
			return core.RejectedResult(fmt.Errorf("%w: compress: %w", core.ErrSinkRejected, err))
		}
		if err := zw.Close(); err != nil {
			return core.RejectedResult(fmt.Errorf("%w: compress: %w", core.ErrSinkRejected, err))
		}
		data = zbuf.Bytes()
	}

	dest := s.ObjectURL(b)
	if err := s.fs.Upload(ctx, dest, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return core.UnavailableResult(fmt.Errorf("%w: upload %s: %w", core.ErrSinkUnavailable, dest, err))
	}
	s.logger.Debug("batch archived", "batch", b.ID, "records", b.Len(), "url", dest)
	return core.AcceptedResult()
}

// Close releases the compressor.
func (s *Sink) Close() error {
	if s.zenc != nil {
		return s.zenc.Close()
	}
	return nil
}

var _ core.Sink = (*Sink)(nil)
