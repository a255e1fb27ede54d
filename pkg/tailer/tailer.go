// Package tailer follows one allocation log stream and frames appended bytes
// into records for the dispatcher.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/backoff"
	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
)

const readChunk = 64 * 1024

// Submitter accepts records for delivery. Submit blocks while the intake is
// full.
type Submitter interface {
	Submit(ctx context.Context, r core.Record) error
}

// Config controls reading.
type Config struct {
	PollInterval time.Duration
	MaxLineBytes int
	ReadRetries  int
	RetryBase    time.Duration
	Now          func() time.Time
}

// ConfigFrom maps the tail section of the agent config.
func ConfigFrom(c config.TailConfig) Config {
	return Config{
		PollInterval: c.PollInterval,
		MaxLineBytes: c.MaxLineBytes,
		ReadRetries:  c.ReadRetries,
		RetryBase:    c.RetryBase,
	}
}

// Deps are the collaborators of a Tailer.
type Deps struct {
	Store   checkpoint.Store
	Out     Submitter
	Auditor core.Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Tailer reads a single source. Run owns all read state; Progress may be
// called from other goroutines.
type Tailer struct {
	src     core.Source
	cfg     Config
	retry   backoff.Policy
	store   checkpoint.Store
	out     Submitter
	audit   core.Auditor
	metrics *metrics.Metrics
	logger  *slog.Logger

	drainOnce sync.Once
	drain     chan struct{}

	file     *os.File
	path     string
	numbered bool
	known    bool
	pending  []byte
	buf      []byte

	mu     sync.Mutex
	index  int
	offset int64
	seq    uint64
}

// New creates a tailer for src.
func New(src core.Source, cfg Config, deps Deps) *Tailer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReadRetries < 1 {
		cfg.ReadRetries = 1
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1024 * 1024
	}
	if deps.Auditor == nil {
		deps.Auditor = core.NopAuditor
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Tailer{
		src:     src,
		cfg:     cfg,
		retry:   backoff.Policy{Base: cfg.RetryBase, Max: cfg.RetryBase << cfg.ReadRetries},
		store:   deps.Store,
		out:     deps.Out,
		audit:   deps.Auditor,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		drain:   make(chan struct{}),
		buf:     make([]byte, readChunk),
	}
}

// Drain asks the tailer to read what is left, flush and stop. Safe to call
// more than once.
func (t *Tailer) Drain() {
	t.drainOnce.Do(func() { close(t.drain) })
}

// Progress reports the read position: byte offset just past the last framed
// line, its sequence number and the current file index.
func (t *Tailer) Progress() (offset int64, seq uint64, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset, t.seq, t.index
}

// Run tails until ctx is cancelled, Drain is called or the source fails
// permanently. On drain and on permanent failure a drain marker is submitted
// after the last line. Cancellation returns nil without a marker so the next
// start resumes from the checkpoint.
func (t *Tailer) Run(ctx context.Context) error {
	defer t.closeFile()

	if err := t.restore(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return t.fail(ctx, err)
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		err := t.poll(ctx)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil, errors.Is(err, core.ErrClosed):
			return nil
		case errors.Is(err, core.ErrPermanentSource):
			return t.fail(ctx, err)
		case !core.IsTransient(err):
			return t.fail(ctx, fmt.Errorf("%w: %w", core.ErrPermanentSource, err))
		default:
			failures++
			if failures >= t.cfg.ReadRetries {
				return t.fail(ctx, fmt.Errorf("%w: %d consecutive read failures: %w", core.ErrPermanentSource, failures, err))
			}
			t.logger.Warn("read failed, retrying", "source", t.src.ID, "attempt", failures, "err", err)
			if backoff.Sleep(ctx, t.retry.Delay(failures)) != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-t.drain:
			return t.finish(ctx)
		case <-ticker.C:
		}
	}
}

func (t *Tailer) restore(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		cp, ok, err := t.store.Load(ctx, t.src.ID)
		switch {
		case errors.Is(err, core.ErrCheckpointCorrupt):
			t.logger.Warn("checkpoint corrupt, restarting from offset 0", "source", t.src.ID, "err", err)
			if derr := t.store.Delete(ctx, t.src.ID); derr != nil {
				t.logger.Warn("delete corrupt checkpoint failed", "source", t.src.ID, "err", derr)
			}
			t.audit.Audit(core.AuditEvent{
				Kind:     core.AuditCheckpointCorrupt,
				SourceID: t.src.ID,
				Reason:   err.Error(),
				At:       t.cfg.Now(),
			})
			t.gap("checkpoint corrupt")
			return nil
		case err == nil:
			if ok {
				t.mu.Lock()
				t.offset, t.seq, t.index = cp.Offset, cp.Seq, cp.FileIndex
				t.mu.Unlock()
				t.known = true
				t.logger.Debug("resuming from checkpoint", "source", t.src.ID,
					"offset", cp.Offset, "seq", cp.Seq, "file_index", cp.FileIndex)
			}
			return nil
		}
		if attempt >= t.cfg.ReadRetries {
			return fmt.Errorf("%w: load checkpoint after %d attempts: %w", core.ErrPermanentSource, attempt, err)
		}
		t.logger.Warn("load checkpoint failed, retrying", "source", t.src.ID, "attempt", attempt, "err", err)
		if serr := backoff.Sleep(ctx, t.retry.Delay(attempt)); serr != nil {
			return serr
		}
	}
}

// poll reads everything currently available, following rotation.
func (t *Tailer) poll(ctx context.Context) error {
	for {
		if t.file == nil {
			opened, err := t.open()
			if err != nil || !opened {
				return err
			}
		}
		switched, err := t.read(ctx)
		if err != nil || !switched {
			return err
		}
	}
}

func (t *Tailer) open() (bool, error) {
	indices, plain, err := family(t.src.Path)
	if err != nil {
		return false, err
	}

	var path string
	switch {
	case len(indices) > 0:
		idx, same := pick(indices, t.index)
		if !same {
			if t.known {
				t.gap(fmt.Sprintf("file index %d is gone, continuing at %d", t.index, idx))
			}
			t.reset(idx)
		}
		path = indexPath(t.src.Path, idx)
		t.numbered = true
	case plain:
		path = t.src.Path
		t.numbered = false
	default:
		return false, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: open %s: %w", core.ErrTransientIO, path, err)
	}
	t.file, t.path, t.known = f, path, true
	t.logger.Debug("tailing file", "source", t.src.ID, "path", path)
	return true, nil
}

// read consumes the current file up to EOF. It returns true when it switched
// to another file that should be read right away.
func (t *Tailer) read(ctx context.Context) (bool, error) {
	fi, err := t.readToEOF(ctx)
	if err != nil {
		return false, err
	}

	pfi, perr := os.Stat(t.path)
	switch {
	case perr == nil && !os.SameFile(fi, pfi):
		if err := t.flush(ctx); err != nil {
			return false, err
		}
		t.closeFile()
		t.gap("file replaced")
		t.reset(t.currentIndex())
		return true, nil
	case perr != nil && !errors.Is(perr, fs.ErrNotExist):
		return false, fmt.Errorf("%w: stat %s: %w", core.ErrTransientIO, t.path, perr)
	}
	gone := perr != nil

	if !t.numbered {
		if gone {
			// Removed; a recreated file starts from the beginning.
			if err := t.flush(ctx); err != nil {
				return false, err
			}
			t.closeFile()
			t.reset(0)
		}
		return false, nil
	}

	indices, _, err := family(t.src.Path)
	if err != nil {
		return false, err
	}
	if next, ok := nextIndex(indices, t.currentIndex()); ok {
		// The writer has moved on; pick up anything written before it did.
		if _, err := t.readToEOF(ctx); err != nil {
			return false, err
		}
		if err := t.flush(ctx); err != nil {
			return false, err
		}
		t.closeFile()
		t.reset(next)
		return true, nil
	}
	if gone {
		t.closeFile()
	}
	return false, nil
}

func (t *Tailer) readToEOF(ctx context.Context) (os.FileInfo, error) {
	fi, err := t.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", core.ErrTransientIO, t.path, err)
	}
	size := fi.Size()
	if size < t.readPos() {
		if err := t.flush(ctx); err != nil {
			return nil, err
		}
		t.gap(fmt.Sprintf("truncated from %d to %d bytes", t.readPos(), size))
		t.reset(t.currentIndex())
	}
	if len(t.pending) > 0 {
		// Complete lines may be left over from a failed submit.
		if err := t.consume(ctx, nil); err != nil {
			return nil, err
		}
	}

	for pos := t.readPos(); pos < size; pos = t.readPos() {
		n := int64(len(t.buf))
		if rem := size - pos; rem < n {
			n = rem
		}
		k, err := t.file.ReadAt(t.buf[:n], pos)
		if k > 0 {
			if cerr := t.consume(ctx, t.buf[:k]); cerr != nil {
				return nil, cerr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", core.ErrTransientIO, t.path, err)
		}
	}
	return fi, nil
}

func (t *Tailer) consume(ctx context.Context, chunk []byte) error {
	buf := append(t.pending, chunk...)
	lines, rest := split(buf, t.cfg.MaxLineBytes)
	for i, l := range lines {
		if err := t.emit(ctx, l.payload, l.n); err != nil {
			// Keep unsent bytes so the position stays consistent.
			var consumed int
			for _, sent := range lines[:i] {
				consumed += sent.n
			}
			t.pending = append([]byte(nil), buf[consumed:]...)
			return err
		}
	}
	t.pending = append([]byte(nil), rest...)
	return nil
}

func (t *Tailer) flush(ctx context.Context) error {
	if len(t.pending) == 0 {
		return nil
	}
	if err := t.consume(ctx, nil); err != nil {
		return err
	}
	if len(t.pending) == 0 {
		return nil
	}
	if err := t.emit(ctx, t.pending, len(t.pending)); err != nil {
		return err
	}
	t.pending = nil
	return nil
}

func (t *Tailer) emit(ctx context.Context, payload []byte, n int) error {
	t.mu.Lock()
	rec := core.Record{
		SourceID:  t.src.ID,
		Seq:       t.seq + 1,
		Offset:    t.offset + int64(n),
		FileIndex: t.index,
		Timestamp: t.cfg.Now(),
		Payload:   bytes.Clone(payload),
		Labels:    t.src.Labels,
		Kind:      core.RecordLine,
	}
	t.mu.Unlock()

	if err := t.out.Submit(ctx, rec); err != nil {
		return err
	}

	t.mu.Lock()
	t.seq = rec.Seq
	t.offset = rec.Offset
	t.mu.Unlock()
	t.metrics.RecordRead()
	return nil
}

func (t *Tailer) finish(ctx context.Context) error {
	if err := t.poll(ctx); err != nil && ctx.Err() == nil {
		t.logger.Warn("final read failed", "source", t.src.ID, "err", err)
	}
	if err := t.flush(ctx); err != nil {
		return nil
	}
	t.submitMarker(ctx)
	return nil
}

func (t *Tailer) fail(ctx context.Context, cause error) error {
	t.logger.Error("source failed", "source", t.src.ID, "path", t.src.Path, "err", cause)
	if err := t.flush(ctx); err == nil {
		t.submitMarker(ctx)
	}
	return cause
}

func (t *Tailer) submitMarker(ctx context.Context) {
	t.mu.Lock()
	marker := core.Record{
		SourceID:  t.src.ID,
		Seq:       t.seq,
		Offset:    t.offset,
		FileIndex: t.index,
		Timestamp: t.cfg.Now(),
		Kind:      core.RecordDrain,
	}
	t.mu.Unlock()
	if err := t.out.Submit(ctx, marker); err != nil {
		t.logger.Debug("drain marker not submitted", "source", t.src.ID, "err", err)
	}
}

func (t *Tailer) gap(reason string) {
	t.logger.Warn("gap detected", "source", t.src.ID, "reason", reason)
	t.audit.Audit(core.AuditEvent{
		Kind:     core.AuditGapDetected,
		SourceID: t.src.ID,
		Reason:   reason,
		At:       t.cfg.Now(),
	})
}

func (t *Tailer) readPos() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset + int64(len(t.pending))
}

func (t *Tailer) currentIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index
}

// reset moves the position to the start of file idx, discarding any
// unflushed partial line.
func (t *Tailer) reset(idx int) {
	t.mu.Lock()
	t.index, t.offset = idx, 0
	t.mu.Unlock()
	t.pending = nil
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
