package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
	"github.com/attachmentgenie/nomad-logger/pkg/tailer"
)

// Retirement reasons recorded on a Source.
const (
	ReasonTerminal = "allocation terminal"
	ReasonMissing  = "allocation missing from scheduler"
	ReasonOperator = "retired by operator"
	ReasonResumed  = "resumed after restart"
)

// RegistryDeps are the collaborators of a Registry.
type RegistryDeps struct {
	Store   checkpoint.Store
	Out     tailer.Submitter
	Auditor core.Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Acked reports the last acknowledged checkpoint of a source.
	Acked func(sourceID string) (core.Checkpoint, bool)
	// Forget drops in-memory delivery progress of a retired source.
	Forget func(sourceID string)
	// Now defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	src    core.Source
	tailer *tailer.Tailer
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks every log source on the node and owns the tailer
// goroutines. Retired sources stay as tombstones until Forget.
type Registry struct {
	cfg     tailer.Config
	deps    RegistryDeps
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewRegistry creates a registry. Tailers run under a context derived from
// ctx and are stopped by Stop.
func NewRegistry(ctx context.Context, cfg tailer.Config, deps RegistryDeps) *Registry {
	if deps.Auditor == nil {
		deps.Auditor = core.NopAuditor
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Acked == nil {
		deps.Acked = func(string) (core.Checkpoint, bool) { return core.Checkpoint{}, false }
	}
	if deps.Forget == nil {
		deps.Forget = func(string) {}
	}
	if cfg.Now == nil {
		cfg.Now = deps.Now
	}
	rctx, cancel := context.WithCancel(ctx)
	return &Registry{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		ctx:     rctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Register adds one source per log stream of alloc that is not yet known
// and starts its tailer. It returns core.ErrAlreadyExists when every stream
// is already registered.
func (r *Registry) Register(ctx context.Context, alloc core.Allocation) ([]core.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.ctx.Err() != nil {
		return nil, core.ErrClosed
	}

	r.mu.Lock()
	var added []*entry
	for _, ls := range alloc.Streams {
		id := core.SourceID(alloc.ID, ls.Task, ls.Stream)
		if _, ok := r.entries[id]; ok {
			continue
		}
		src := core.NewSource(alloc, ls, r.deps.Now())
		tctx, cancel := context.WithCancel(r.ctx)
		e := &entry{
			src: src,
			tailer: tailer.New(src, r.cfg, tailer.Deps{
				Store:   r.deps.Store,
				Out:     r.deps.Out,
				Auditor: r.deps.Auditor,
				Metrics: r.deps.Metrics,
				Logger:  r.logger,
			}),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		r.entries[id] = e
		added = append(added, e)
		r.wg.Add(1)
		go r.run(tctx, e)
	}
	out := make([]core.Source, len(added))
	for i, e := range added {
		out[i] = e.src
	}
	r.mu.Unlock()

	if len(alloc.Streams) > 0 && len(added) == 0 {
		return nil, fmt.Errorf("allocation %s: %w", alloc.ID, core.ErrAlreadyExists)
	}
	for _, src := range out {
		r.logger.Info("source registered", "source", src.ID, "path", src.Path)
		r.deps.Auditor.Audit(core.AuditEvent{
			Kind:     core.AuditSourceRegistered,
			SourceID: src.ID,
			At:       src.DiscoveredAt,
		})
	}
	r.publish()
	return out, nil
}

func (r *Registry) run(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer close(e.done)

	if r.transition(e.src.ID, core.SourceTailing, "") {
		r.publish()
	}
	err := e.tailer.Run(ctx)
	if err == nil {
		return
	}

	r.logger.Error("source failed", "source", e.src.ID, "err", err)
	r.deps.Auditor.Audit(core.AuditEvent{
		Kind:     core.AuditSourceFailed,
		SourceID: e.src.ID,
		Reason:   err.Error(),
		At:       r.deps.Now(),
	})
	// The tailer already submitted its drain marker; the dispatcher will
	// report the source drained once its records are resolved.
	if r.transition(e.src.ID, core.SourceDraining, err.Error()) {
		r.publish()
	}
}

func (r *Registry) transition(id string, next core.SourceState, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.src.State.CanTransition(next) {
		return false
	}
	e.src.State = next
	if reason != "" {
		e.src.Reason = reason
	}
	if next == core.SourceRetired {
		e.src.RetiredAt = r.deps.Now()
	}
	return true
}

// Retire asks the source's tailer to drain. The source becomes retired and
// its checkpoint is deleted once the dispatcher reports it drained. Retiring
// a draining or retired source is a no-op.
func (r *Registry) Retire(id string) error {
	return r.retire(id, ReasonOperator)
}

func (r *Registry) retire(id, reason string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("source %s: %w", id, core.ErrNotFound)
	}
	if !r.transition(id, core.SourceDraining, reason) {
		return nil
	}
	r.logger.Info("retiring source", "source", id, "reason", reason)
	e.tailer.Drain()
	r.publish()
	return nil
}

// RetireAlloc retires every live source of allocID and returns how many
// began draining.
func (r *Registry) RetireAlloc(allocID, reason string) int {
	n := 0
	for _, src := range r.List() {
		if src.AllocID != allocID || src.State == core.SourceDraining {
			continue
		}
		if err := r.retire(src.ID, reason); err == nil {
			n++
		}
	}
	return n
}

// Drained completes retirement of a source whose records have all been
// acknowledged or dropped. It is called from the dispatcher loop.
func (r *Registry) Drained(id string) {
	if !r.transition(id, core.SourceRetired, "") {
		return
	}
	// Not tied to shutdown: the final checkpoint is already saved.
	if err := r.deps.Store.Delete(context.Background(), id); err != nil {
		r.logger.Warn("delete checkpoint failed", "source", id, "err", err)
	}
	r.deps.Forget(id)
	r.logger.Info("source retired", "source", id)

	src, _ := r.Get(id)
	r.deps.Auditor.Audit(core.AuditEvent{
		Kind:     core.AuditSourceRetired,
		SourceID: id,
		Reason:   src.Reason,
		At:       src.RetiredAt,
	})
	r.publish()
}

// Forget drops the tombstones of allocID. Sources that are still live or
// draining are kept.
func (r *Registry) Forget(allocID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.src.AllocID == allocID && e.src.State == core.SourceRetired {
			e.cancel()
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Get returns a snapshot of one source, retired or not.
func (r *Registry) Get(id string) (core.Source, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return core.Source{}, false
	}
	return r.snapshot(e), true
}

// List returns the sources that are not retired, sorted by ID.
func (r *Registry) List() []core.Source {
	return r.collect(false)
}

// All returns every source including tombstones, sorted by ID.
func (r *Registry) All() []core.Source {
	return r.collect(true)
}

func (r *Registry) collect(retired bool) []core.Source {
	r.mu.RLock()
	out := make([]core.Source, 0, len(r.entries))
	for _, e := range r.entries {
		if !retired && e.src.State == core.SourceRetired {
			continue
		}
		out = append(out, e.src)
	}
	r.mu.RUnlock()
	for i := range out {
		out[i] = r.withProgress(out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) snapshot(e *entry) core.Source {
	r.mu.RLock()
	src := e.src
	r.mu.RUnlock()
	return r.withProgress(src)
}

func (r *Registry) withProgress(src core.Source) core.Source {
	if cp, ok := r.deps.Acked(src.ID); ok {
		src.Offset, src.Seq, src.FileIndex = cp.Offset, cp.Seq, cp.FileIndex
	}
	return src
}

// Allocations maps each tracked allocation ID to whether it still has a
// source that is discovered or tailing.
func (r *Registry) Allocations() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool)
	for _, e := range r.entries {
		live := e.src.State == core.SourceDiscovered || e.src.State == core.SourceTailing
		out[e.src.AllocID] = out[e.src.AllocID] || live
	}
	return out
}

// Stop cancels every tailer and waits for them to return. Stopped tailers
// submit no drain marker, so their sources resume from the checkpoint on
// the next start.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until the tailer of id has returned or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("source %s: %w", id, core.ErrNotFound)
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) publish() {
	r.deps.Metrics.SetSources(r.counts())
}

func (r *Registry) counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int{
		string(core.SourceDiscovered): 0,
		string(core.SourceTailing):    0,
		string(core.SourceDraining):   0,
		string(core.SourceRetired):    0,
	}
	for _, e := range r.entries {
		out[string(e.src.State)]++
	}
	return out
}
