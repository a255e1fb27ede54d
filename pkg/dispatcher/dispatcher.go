// Package dispatcher batches records from all tailers and delivers them to
// the sink with per-source ordering, bounded memory and retries.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/attachmentgenie/nomad-logger/pkg/backoff"
	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
	"github.com/attachmentgenie/nomad-logger/pkg/tracing"
)

// Config bounds batching and delivery.
type Config struct {
	MaxSize      int
	MaxAge       time.Duration
	QueueSize    int
	MaxInFlight  int
	MaxBuffered  int
	RetryCeiling int
	Backoff      backoff.Policy
}

// ConfigFrom maps the batch and delivery sections of the agent config.
func ConfigFrom(b config.BatchConfig, d config.DeliveryConfig) Config {
	return Config{
		MaxSize:      b.MaxSize,
		MaxAge:       b.MaxAge,
		QueueSize:    b.QueueSize,
		MaxInFlight:  b.MaxInFlight,
		MaxBuffered:  b.MaxBuffered,
		RetryCeiling: d.RetryCeiling,
		Backoff:      backoff.Policy{Base: d.BackoffBase, Max: d.BackoffMax},
	}
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Sink    core.Sink
	Store   checkpoint.Store
	Auditor core.Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// OnDrained is called from the dispatcher loop once every record of a
	// draining source has been acknowledged or dropped. It must not block on
	// the dispatcher.
	OnDrained func(sourceID string)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Submitted      uint64 `json:"submitted"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	Attempts       uint64 `json:"attempts"`
	Retries        uint64 `json:"retries"`
	DroppedBatches uint64 `json:"dropped_batches"`
	Buffered       int    `json:"buffered"`
	Pending        int    `json:"pending"`
	InFlight       int    `json:"in_flight"`
}

type delivered struct {
	batch *core.Batch
}

// Dispatcher is the fan-in point between tailers and the sink.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	intake    chan core.Record
	closing   chan struct{}
	flush     chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	submitMu sync.RWMutex
	closed   bool

	deliverCtx    context.Context
	cancelDeliver context.CancelFunc

	mu    sync.Mutex
	acked map[string]core.Checkpoint
	stats Stats

	// Owned by the loop goroutine.
	open        *core.Batch
	timer       *time.Timer
	timerC      <-chan time.Time
	pending     []*core.Batch
	busy        map[string]bool
	outstanding map[string]int
	draining    map[string]bool
	inflight    int
	buffered    int
	done        chan delivered
}

// New creates a dispatcher. Call Start before submitting.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxBuffered < cfg.MaxSize {
		cfg.MaxBuffered = cfg.MaxSize
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = backoff.Default
	}
	if deps.Auditor == nil {
		deps.Auditor = core.NopAuditor
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.OnDrained == nil {
		deps.OnDrained = func(string) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:           cfg,
		deps:          deps,
		logger:        deps.Logger,
		intake:        make(chan core.Record, cfg.QueueSize),
		closing:       make(chan struct{}),
		flush:         make(chan struct{}),
		stopped:       make(chan struct{}),
		deliverCtx:    ctx,
		cancelDeliver: cancel,
		acked:         make(map[string]core.Checkpoint),
		busy:          make(map[string]bool),
		outstanding:   make(map[string]int),
		draining:      make(map[string]bool),
		done:          make(chan delivered, cfg.MaxInFlight),
	}
}

// Start launches the dispatcher loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() { go d.loop() })
}

// Submit hands r to the dispatcher. It blocks while the intake is full and
// returns core.ErrClosed once shutdown has begun.
func (d *Dispatcher) Submit(ctx context.Context, r core.Record) error {
	d.submitMu.RLock()
	defer d.submitMu.RUnlock()
	if d.closed {
		return core.ErrClosed
	}
	select {
	case d.intake <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return core.ErrClosed
	}
}

// Acked returns the last checkpoint saved for sourceID by this process.
func (d *Dispatcher) Acked(sourceID string) (core.Checkpoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp, ok := d.acked[sourceID]
	return cp, ok
}

// Forget drops the in-memory progress of a retired source.
func (d *Dispatcher) Forget(sourceID string) {
	d.mu.Lock()
	delete(d.acked, sourceID)
	d.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Shutdown stops intake, flushes the open batch and waits for pending and
// in-flight batches. When ctx expires first, deliveries are cancelled and
// their records stay unacknowledged for the next start. A dispatcher that was
// never started has nothing in flight and returns at once.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.startOnce.Do(func() {
		d.cancelDeliver()
		close(d.stopped)
	})
	d.closeOnce.Do(func() {
		close(d.closing)
		d.submitMu.Lock()
		d.closed = true
		d.submitMu.Unlock()
		close(d.flush)
	})
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		d.cancelDeliver()
		<-d.stopped
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.stopped)
	defer d.cancelDeliver()

	flushing := false
	flushC := (<-chan struct{})(d.flush)
	cancelled := false
	for {
		if flushing && len(d.intake) == 0 {
			d.closeOpen()
		}
		if !cancelled {
			d.schedule()
		}
		d.publish()

		if cancelled && d.inflight == 0 {
			if n := d.buffered; n > 0 {
				d.logger.Warn("shutdown deadline reached, records left unacknowledged", "records", n)
			}
			return
		}
		if flushing && len(d.intake) == 0 && d.open == nil && len(d.pending) == 0 && d.inflight == 0 {
			return
		}

		var in <-chan core.Record
		if d.buffered < d.cfg.MaxBuffered {
			in = d.intake
		}
		var cancelC <-chan struct{}
		if !cancelled {
			cancelC = d.deliverCtx.Done()
		}

		select {
		case r := <-in:
			d.accept(r)
		case <-d.timerC:
			d.closeOpen()
		case res := <-d.done:
			d.release(res.batch)
		case <-flushC:
			flushing = true
			flushC = nil
		case <-cancelC:
			cancelled = true
		}
	}
}

func (d *Dispatcher) accept(r core.Record) {
	if r.Kind == core.RecordDrain {
		d.draining[r.SourceID] = true
		d.closeOpen()
		d.checkDrained(r.SourceID)
		return
	}

	if d.open == nil {
		d.open = &core.Batch{ID: uuid.NewString(), CreatedAt: time.Now()}
		d.timer = time.NewTimer(d.cfg.MaxAge)
		d.timerC = d.timer.C
	}
	d.open.Records = append(d.open.Records, r)
	d.outstanding[r.SourceID]++
	d.buffered++
	d.mu.Lock()
	d.stats.Submitted++
	d.mu.Unlock()

	if d.open.Len() >= d.cfg.MaxSize {
		d.closeOpen()
	}
}

func (d *Dispatcher) closeOpen() {
	if d.open == nil {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer, d.timerC = nil, nil
	}
	d.pending = append(d.pending, d.open)
	d.open = nil
}

// schedule starts pending batches in FIFO order. A batch waits while one of
// its sources is in flight or appears in an earlier waiting batch.
func (d *Dispatcher) schedule() {
	blocked := make(map[string]bool)
	kept := d.pending[:0]
	for _, b := range d.pending {
		srcs := b.Sources()
		ready := d.inflight < d.cfg.MaxInFlight
		if ready {
			for s := range srcs {
				if d.busy[s] || blocked[s] {
					ready = false
					break
				}
			}
		}
		if !ready {
			kept = append(kept, b)
			for s := range srcs {
				blocked[s] = true
			}
			continue
		}
		for s := range srcs {
			d.busy[s] = true
		}
		d.inflight++
		go d.deliver(b)
	}
	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = nil
	}
	d.pending = kept
}

// release returns the resources of a resolved batch and fires drain
// notifications for sources that have nothing left.
func (d *Dispatcher) release(b *core.Batch) {
	d.inflight--
	d.buffered -= b.Len()
	counts := make(map[string]int)
	for _, r := range b.Records {
		counts[r.SourceID]++
	}
	for s, n := range counts {
		delete(d.busy, s)
		d.outstanding[s] -= n
		if d.outstanding[s] <= 0 {
			delete(d.outstanding, s)
		}
		d.checkDrained(s)
	}
}

func (d *Dispatcher) checkDrained(sourceID string) {
	if !d.draining[sourceID] || d.outstanding[sourceID] > 0 {
		return
	}
	delete(d.draining, sourceID)
	d.logger.Debug("source drained", "source", sourceID)
	d.deps.OnDrained(sourceID)
}

func (d *Dispatcher) publish() {
	d.mu.Lock()
	d.stats.Buffered = d.buffered
	d.stats.Pending = len(d.pending)
	d.stats.InFlight = d.inflight
	d.mu.Unlock()
	d.deps.Metrics.SetBuffered(d.buffered)
}

// deliver runs the retry loop for one batch. The batch's sources stay busy
// until it reports back, which keeps one batch per source in flight.
func (d *Dispatcher) deliver(orig *core.Batch) {
	ctx := d.deliverCtx
	defer func() { d.done <- delivered{batch: orig} }()

	b := orig
	ahead := make(map[string]core.Checkpoint)
	for retries := 0; ; retries++ {
		res := d.attempt(ctx, b)
		if ctx.Err() != nil {
			return
		}
		advance, retry, held := Plan(b, res)
		for _, cp := range held {
			if cur, ok := ahead[cp.SourceID]; !ok || cp.Seq > cur.Seq {
				ahead[cp.SourceID] = cp
			}
		}
		// Dropped records no longer hold back the checkpoint.
		dropping := len(retry) > 0 && retries >= d.cfg.RetryCeiling
		waiting := retry
		if dropping {
			waiting = nil
		}
		advance = releaseHeld(ahead, advance, waiting)
		d.commit(ctx, advance, b.Len()-len(retry))
		if len(retry) == 0 {
			return
		}

		if dropping {
			d.drop(b, retry, res)
			return
		}
		delay := d.cfg.Backoff.Delay(retries + 1)
		d.logger.Warn("delivery incomplete, retrying",
			"batch", b.ID, "outcome", res.Outcome.String(), "retry", len(retry),
			"attempt", retries+1, "delay", delay, "err", res.Err)
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
		d.mu.Lock()
		d.stats.Retries++
		d.mu.Unlock()
		b = &core.Batch{ID: uuid.NewString(), Records: retry, CreatedAt: time.Now(), Attempt: retries + 1}
	}
}

// releaseHeld moves held checkpoints of sources with nothing left to retry
// into advance, keeping the higher of the two per source.
func releaseHeld(held map[string]core.Checkpoint, advance []core.Checkpoint, retry []core.Record) []core.Checkpoint {
	if len(held) == 0 {
		return advance
	}
	waiting := make(map[string]bool)
	for _, r := range retry {
		waiting[r.SourceID] = true
	}
	idx := make(map[string]int, len(advance))
	for i, cp := range advance {
		idx[cp.SourceID] = i
	}
	for src, cp := range held {
		if waiting[src] {
			continue
		}
		delete(held, src)
		if i, ok := idx[src]; ok {
			if cp.Seq > advance[i].Seq {
				advance[i] = cp
			}
			continue
		}
		advance = append(advance, cp)
	}
	return advance
}

func (d *Dispatcher) attempt(ctx context.Context, b *core.Batch) core.Result {
	ctx, span := tracing.Tracer().Start(ctx, "dispatcher.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("batch.id", b.ID),
			attribute.Int("batch.records", b.Len()),
			attribute.Int("batch.attempt", b.Attempt),
			attribute.String("sink", d.deps.Sink.Name()),
		))
	defer span.End()

	start := time.Now()
	res := d.deps.Sink.Deliver(ctx, b)
	d.deps.Metrics.Delivery(res.Outcome.String(), time.Since(start))
	d.mu.Lock()
	d.stats.Attempts++
	d.mu.Unlock()

	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	} else if res.Outcome == core.Accepted {
		span.SetStatus(codes.Ok, "")
	}
	return res
}

// commit saves checkpoints first and updates in-memory progress only for
// those that were persisted.
func (d *Dispatcher) commit(ctx context.Context, advance []core.Checkpoint, accepted int) {
	now := time.Now()
	for _, cp := range advance {
		cp.UpdatedAt = now
		if err := d.deps.Store.Save(ctx, cp); err != nil {
			if errors.Is(err, core.ErrStaleCheckpoint) {
				d.logger.Debug("checkpoint not advanced", "source", cp.SourceID, "seq", cp.Seq, "err", err)
			} else {
				d.logger.Warn("save checkpoint failed", "source", cp.SourceID, "seq", cp.Seq, "err", err)
			}
			continue
		}
		d.mu.Lock()
		d.acked[cp.SourceID] = cp
		d.mu.Unlock()
	}
	if accepted > 0 {
		d.mu.Lock()
		d.stats.Delivered += uint64(accepted)
		d.mu.Unlock()
		d.deps.Metrics.Acked(accepted)
	}
}

func (d *Dispatcher) drop(b *core.Batch, records []core.Record, res core.Result) {
	reason := res.Outcome.String()
	if res.Err != nil {
		reason += ": " + res.Err.Error()
	}
	d.logger.Error("dropping batch after retry ceiling",
		"batch", b.ID, "records", len(records), "attempts", d.cfg.RetryCeiling+1, "err", res.Err)
	d.mu.Lock()
	d.stats.Dropped += uint64(len(records))
	d.stats.DroppedBatches++
	d.mu.Unlock()
	d.deps.Metrics.Dropped(len(records))
	d.deps.Auditor.Audit(core.AuditEvent{
		Kind:    core.AuditBatchDropped,
		BatchID: b.ID,
		Records: len(records),
		Reason:  reason,
		At:      time.Now(),
	})
}
