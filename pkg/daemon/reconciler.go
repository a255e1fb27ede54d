package daemon

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/export"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
)

// Reconciler polls the scheduler and keeps the registry in line with the
// allocations placed on this node.
type Reconciler struct {
	lister    core.AllocationLister
	registry  *Registry
	store     checkpoint.Store
	audit     core.Auditor
	metrics   *metrics.Metrics
	exporters []export.Exporter
	interval  time.Duration
	grace     time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// OnDelta receives source changes after each pass.
	OnDelta func(Delta)

	missingSince map[string]time.Time
	sources      map[string]core.Source
}

// ReconcilerDeps are the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Lister   core.AllocationLister
	Registry *Registry
	Store    checkpoint.Store
	Auditor  core.Auditor
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time

	// Exporters rewrite shipper configuration after every pass.
	Exporters []export.Exporter
}

// NewReconciler creates a reconciler polling every interval. Allocations
// missing from the feed are retired once they have been gone for grace.
func NewReconciler(interval, grace time.Duration, deps ReconcilerDeps) *Reconciler {
	if deps.Auditor == nil {
		deps.Auditor = core.NopAuditor
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Reconciler{
		lister:       deps.Lister,
		registry:     deps.Registry,
		store:        deps.Store,
		audit:        deps.Auditor,
		metrics:      deps.Metrics,
		exporters:    deps.Exporters,
		interval:     interval,
		grace:        grace,
		now:          deps.Now,
		logger:       deps.Logger,
		missingSince: make(map[string]time.Time),
		sources:      make(map[string]core.Source),
	}
}

// Run reconciles immediately and then every interval until ctx is cancelled.
func (rc *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		if err := rc.Tick(ctx); err != nil && ctx.Err() == nil {
			rc.logger.Warn("reconcile failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one reconciliation pass. A scheduler error leaves every source
// untouched.
func (rc *Reconciler) Tick(ctx context.Context) error {
	live, err := rc.lister.ListAllocations(ctx)
	if err != nil {
		rc.metrics.ReconcileError()
		return err
	}
	rc.metrics.SetAllocs(len(live))

	checkpointed := make(map[string][]string)
	cps, err := rc.store.List(ctx)
	if err != nil {
		rc.logger.Warn("list checkpoints failed", "err", err)
	}
	for _, cp := range cps {
		allocID, _, _, perr := core.ParseSourceID(cp.SourceID)
		if perr != nil {
			continue
		}
		checkpointed[allocID] = append(checkpointed[allocID], cp.SourceID)
	}

	diff := computeDiff(live, rc.registry.Allocations(), checkpointed)
	rc.apply(ctx, diff)
	rc.emit()
	rc.export(ctx)
	return nil
}

// export hands the sources that are not retired to every exporter. A failed
// export is retried on the next pass.
func (rc *Reconciler) export(ctx context.Context) {
	if len(rc.exporters) == 0 {
		return
	}
	sources := rc.registry.List()
	for _, e := range rc.exporters {
		if err := e.Export(ctx, sources); err != nil && ctx.Err() == nil {
			rc.logger.Warn("export shipper config failed", "exporter", e.Name(), "err", err)
		}
	}
}

func (rc *Reconciler) apply(ctx context.Context, diff Diff) {
	now := rc.now()

	for _, a := range diff.Register {
		if _, err := rc.registry.Register(ctx, a); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
			rc.logger.Warn("register allocation failed", "alloc", a.ID, "err", err)
		}
	}
	for _, a := range diff.Resume {
		rc.logger.Info("resuming terminal allocation", "alloc", a.ID, "status", a.Status)
		if _, err := rc.registry.Register(ctx, a); err != nil && !errors.Is(err, core.ErrAlreadyExists) {
			rc.logger.Warn("register allocation failed", "alloc", a.ID, "err", err)
			continue
		}
		rc.registry.RetireAlloc(a.ID, ReasonResumed)
	}
	for _, id := range diff.Retire {
		if n := rc.registry.RetireAlloc(id, ReasonTerminal); n > 0 {
			rc.logger.Info("allocation terminal, retiring sources", "alloc", id, "sources", n)
		}
	}

	for _, id := range diff.Present {
		delete(rc.missingSince, id)
	}
	for _, id := range diff.Missing {
		if !rc.expired(id, now) {
			continue
		}
		if n := rc.registry.RetireAlloc(id, ReasonMissing); n > 0 {
			rc.logger.Info("allocation gone, retiring sources", "alloc", id, "sources", n, "grace", rc.grace)
		}
		delete(rc.missingSince, id)
	}
	for _, id := range diff.Gone {
		if n := rc.registry.Forget(id); n > 0 {
			rc.logger.Debug("forgot retired sources", "alloc", id, "sources", n)
		}
	}
	for allocID, ids := range diff.Orphans {
		if !rc.expired(allocID, now) {
			continue
		}
		for _, id := range ids {
			if err := rc.store.Delete(ctx, id); err != nil {
				rc.logger.Warn("delete orphaned checkpoint failed", "source", id, "err", err)
				continue
			}
			rc.logger.Info("orphaned checkpoint deleted", "source", id)
			rc.audit.Audit(core.AuditEvent{
				Kind:     core.AuditCheckpointOrphan,
				SourceID: id,
				Reason:   ReasonMissing,
				At:       now,
			})
		}
		delete(rc.missingSince, allocID)
	}
}

// expired records the first time allocID was seen missing and reports
// whether the grace period has elapsed since.
func (rc *Reconciler) expired(allocID string, now time.Time) bool {
	since, ok := rc.missingSince[allocID]
	if !ok {
		rc.missingSince[allocID] = now
		since = now
	}
	return now.Sub(since) >= rc.grace
}

func (rc *Reconciler) emit() {
	next := make(map[string]core.Source)
	for _, src := range rc.registry.All() {
		next[src.ID] = src
	}
	delta := computeDelta(rc.sources, next)
	rc.sources = next
	if delta.HasChanges() && rc.OnDelta != nil {
		rc.OnDelta(delta)
	}
}

// Diff is the set of actions one reconciliation pass should take.
type Diff struct {
	// Register holds running allocations that are not tracked.
	Register []core.Allocation
	// Resume holds terminal allocations that are not tracked but still have
	// checkpoints, narrowed to the checkpointed streams.
	Resume []core.Allocation
	// Retire holds tracked allocations with live sources that turned terminal.
	Retire []string
	// Missing holds tracked allocations with live sources absent from the feed.
	Missing []string
	// Present holds every allocation ID in the feed.
	Present []string
	// Gone holds tracked allocations without live sources absent from the feed.
	Gone []string
	// Orphans maps untracked allocations absent from the feed to their
	// checkpointed source IDs.
	Orphans map[string][]string
}

// computeDiff compares the scheduler feed with the tracked allocations.
// tracked maps allocation ID to whether it still has a live source.
func computeDiff(live []core.Allocation, tracked map[string]bool, checkpointed map[string][]string) Diff {
	d := Diff{Orphans: make(map[string][]string)}
	inFeed := make(map[string]bool, len(live))

	for _, a := range live {
		inFeed[a.ID] = true
		d.Present = append(d.Present, a.ID)
		hasLive, isTracked := tracked[a.ID]
		switch {
		case a.Status.Terminal() && hasLive:
			d.Retire = append(d.Retire, a.ID)
		case a.Status.Terminal() && !isTracked && len(checkpointed[a.ID]) > 0:
			if r, ok := resumable(a, checkpointed[a.ID]); ok {
				d.Resume = append(d.Resume, r)
			}
		case a.Status == core.AllocRunning && !isTracked:
			d.Register = append(d.Register, a)
		}
	}

	for id, hasLive := range tracked {
		if inFeed[id] {
			continue
		}
		if hasLive {
			d.Missing = append(d.Missing, id)
		} else {
			d.Gone = append(d.Gone, id)
		}
	}

	for id, sources := range checkpointed {
		if _, ok := tracked[id]; ok || inFeed[id] {
			continue
		}
		d.Orphans[id] = sources
	}

	sort.Strings(d.Retire)
	sort.Strings(d.Missing)
	sort.Strings(d.Gone)
	return d
}

// resumable narrows a to the streams that have a checkpoint.
func resumable(a core.Allocation, sourceIDs []string) (core.Allocation, bool) {
	has := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		has[id] = true
	}
	var streams []core.LogStream
	for _, ls := range a.Streams {
		if has[core.SourceID(a.ID, ls.Task, ls.Stream)] {
			streams = append(streams, ls)
		}
	}
	a.Streams = streams
	return a, len(streams) > 0
}

// Delta represents source changes between reconciliation passes.
type Delta struct {
	Added   []core.Source `json:"added,omitempty"`
	Updated []core.Source `json:"updated,omitempty"`
	Removed []string      `json:"removed,omitempty"`
}

// HasChanges returns true if the delta contains any changes.
func (d Delta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Updated) > 0 || len(d.Removed) > 0
}

func computeDelta(old, new map[string]core.Source) Delta {
	var d Delta

	for id, src := range new {
		prev, existed := old[id]
		if !existed {
			d.Added = append(d.Added, src)
		} else if sourceChanged(prev, src) {
			d.Updated = append(d.Updated, src)
		}
	}

	for id := range old {
		if _, exists := new[id]; !exists {
			d.Removed = append(d.Removed, id)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].ID < d.Added[j].ID })
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].ID < d.Updated[j].ID })
	sort.Strings(d.Removed)
	return d
}

func sourceChanged(a, b core.Source) bool {
	return a.State != b.State ||
		a.Offset != b.Offset ||
		a.Seq != b.Seq ||
		a.FileIndex != b.FileIndex
}
