// Package daemon runs the nomad-loggerd agent: it owns the source registry,
// the reconciler and the dispatcher, and serves the control socket.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attachmentgenie/nomad-logger/pkg/checkpoint"
	"github.com/attachmentgenie/nomad-logger/pkg/config"
	"github.com/attachmentgenie/nomad-logger/pkg/core"
	"github.com/attachmentgenie/nomad-logger/pkg/dispatcher"
	"github.com/attachmentgenie/nomad-logger/pkg/export"
	"github.com/attachmentgenie/nomad-logger/pkg/metrics"
	"github.com/attachmentgenie/nomad-logger/pkg/tailer"
	"github.com/attachmentgenie/nomad-logger/pkg/transport/uds"
)

const (
	recentAuditSize = 200
	eventQueueSize  = 256
)

// Deps are the external collaborators of the daemon.
type Deps struct {
	Lister  core.AllocationLister
	Sink    core.Sink
	Store   checkpoint.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	NodeID  string
	Version string
	Now     func() time.Time
}

// Daemon is the nomad-loggerd process.
type Daemon struct {
	cfg        *config.Config
	server     *uds.Server
	store      checkpoint.Store
	sink       core.Sink
	dispatcher *dispatcher.Dispatcher
	registry   *Registry
	reconciler *Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
	nodeID     string
	version    string
	now        func() time.Time

	events chan uds.Message

	auditMu sync.Mutex
	recent  []core.AuditEvent
}

// New wires the pipeline. Nothing runs until Run.
func New(cfg *config.Config, deps Deps) *Daemon {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &Daemon{
		cfg:     cfg,
		server:  uds.NewServer(cfg.Control.Socket, deps.Logger),
		store:   deps.Store,
		sink:    deps.Sink,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		nodeID:  deps.NodeID,
		version: deps.Version,
		now:     deps.Now,
		events:  make(chan uds.Message, eventQueueSize),
	}

	d.dispatcher = dispatcher.New(dispatcher.ConfigFrom(cfg.Batch, cfg.Delivery), dispatcher.Deps{
		Sink:    deps.Sink,
		Store:   deps.Store,
		Auditor: d,
		Metrics: deps.Metrics,
		Logger:  deps.Logger.With("component", "dispatcher"),
		OnDrained: func(id string) {
			d.registry.Drained(id)
		},
	})

	tcfg := tailer.ConfigFrom(cfg.Tail)
	tcfg.Now = deps.Now
	d.registry = NewRegistry(context.Background(), tcfg, RegistryDeps{
		Store:   deps.Store,
		Out:     d.dispatcher,
		Auditor: d,
		Metrics: deps.Metrics,
		Logger:  deps.Logger.With("component", "tailer"),
		Acked:   d.dispatcher.Acked,
		Forget:  d.dispatcher.Forget,
		Now:     deps.Now,
	})

	d.reconciler = NewReconciler(cfg.Nomad.PollInterval, cfg.Nomad.GracePeriod, ReconcilerDeps{
		Lister:   deps.Lister,
		Registry: d.registry,
		Store:    deps.Store,
		Auditor:  d,
		Metrics:  deps.Metrics,
		Logger:   deps.Logger.With("component", "reconciler"),
		Now:      deps.Now,

		Exporters: export.FromConfig(cfg.Export, deps.Metrics, deps.Logger.With("component", "export")),
	})
	d.reconciler.OnDelta = func(delta Delta) {
		if evt, err := uds.NewEvent(uds.EventSourcesDelta, delta); err == nil {
			d.enqueue(evt)
		}
	}

	d.registerHandlers()
	return d
}

// Registry returns the source registry.
func (d *Daemon) Registry() *Registry { return d.registry }

// Dispatcher returns the dispatcher.
func (d *Daemon) Dispatcher() *dispatcher.Dispatcher { return d.dispatcher }

// Server returns the underlying UDS server.
func (d *Daemon) Server() *uds.Server { return d.server }

// Audit logs evt, counts it and pushes it to control clients. It never
// blocks: events are dropped from the socket feed when clients lag.
func (d *Daemon) Audit(evt core.AuditEvent) {
	if evt.At.IsZero() {
		evt.At = d.now()
	}
	level := slog.LevelInfo
	switch evt.Kind {
	case core.AuditBatchDropped, core.AuditGapDetected, core.AuditCheckpointCorrupt, core.AuditSourceFailed:
		level = slog.LevelWarn
	}
	d.logger.Log(context.Background(), level, "pipeline event",
		"audit", string(evt.Kind), "source", evt.SourceID, "batch", evt.BatchID,
		"records", evt.Records, "reason", evt.Reason)
	d.metrics.Audit(string(evt.Kind))

	d.auditMu.Lock()
	d.recent = append(d.recent, evt)
	if len(d.recent) > recentAuditSize {
		d.recent = d.recent[len(d.recent)-recentAuditSize:]
	}
	d.auditMu.Unlock()

	if msg, err := uds.NewEvent(uds.EventAudit, evt); err == nil {
		d.enqueue(msg)
	}
}

// RecentAudit returns the most recent audit events, oldest first.
func (d *Daemon) RecentAudit() []core.AuditEvent {
	d.auditMu.Lock()
	defer d.auditMu.Unlock()
	return append([]core.AuditEvent(nil), d.recent...)
}

func (d *Daemon) enqueue(msg uds.Message) {
	select {
	case d.events <- msg:
	default:
		d.logger.Debug("event queue full, dropping", "method", msg.Method)
	}
}

func (d *Daemon) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.events:
			d.server.Broadcast(msg)
		}
	}
}

// Run starts the pipeline and blocks until ctx is cancelled. Shutdown then
// proceeds in order: reconciler, tailers, dispatcher flush bounded by
// shutdown_timeout, control socket, checkpoint store.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.dispatcher.Start()

	srvErr := make(chan error, 1)
	go func() { srvErr <- d.server.Start(ctx) }()

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		d.publishLoop(ctx)
	}()

	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		d.reconciler.Run(ctx)
	}()

	d.logger.Info("agent started", "node", d.nodeID, "sink", d.sink.Name(), "socket", d.cfg.Control.Socket)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			runErr = fmt.Errorf("control socket: %w", err)
		}
	}
	cancel()

	<-recDone
	d.registry.Stop()

	sctx, scancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer scancel()
	if err := d.dispatcher.Shutdown(sctx); err != nil {
		d.logger.Warn("dispatcher shutdown incomplete", "err", err)
	}

	d.server.Shutdown()
	<-pubDone
	if err := d.store.Close(); err != nil {
		d.logger.Error("close checkpoint store", "err", err)
	}
	d.logger.Info("agent stopped", "stats", d.dispatcher.Stats())
	return runErr
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodListSources, d.handleListSources)
	d.server.Handle(uds.MethodGetSource, d.handleGetSource)
	d.server.Handle(uds.MethodRetireSource, d.handleRetireSource)
	d.server.Handle(uds.MethodListCheckpoints, d.handleListCheckpoints)
	d.server.Handle(uds.MethodStats, d.handleStats)
	d.server.Handle(uds.MethodRecentAudit, d.handleRecentAudit)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: d.version, NodeID: d.nodeID}, nil
}

func (d *Daemon) handleListSources(_ context.Context, msg uds.Message) (any, error) {
	var req uds.ListSourcesRequest
	if len(msg.Data) > 0 {
		if err := msg.UnmarshalData(&req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}
	if req.All {
		return d.registry.All(), nil
	}
	return d.registry.List(), nil
}

func (d *Daemon) handleGetSource(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SourceRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	src, ok := d.registry.Get(req.ID)
	if !ok {
		return nil, fmt.Errorf("source %s: %w", req.ID, core.ErrNotFound)
	}
	return src, nil
}

func (d *Daemon) handleRetireSource(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SourceRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if err := d.registry.Retire(req.ID); err != nil {
		return nil, err
	}
	src, _ := d.registry.Get(req.ID)
	return uds.RetireSourceResponse{OK: true, State: string(src.State)}, nil
}

func (d *Daemon) handleListCheckpoints(ctx context.Context, _ uds.Message) (any, error) {
	return d.store.List(ctx)
}

// StatsResponse is the response to Stats.
type StatsResponse struct {
	NodeID     string           `json:"node_id"`
	Sink       string           `json:"sink"`
	Sources    map[string]int   `json:"sources"`
	Dispatcher dispatcher.Stats `json:"dispatcher"`
}

func (d *Daemon) handleStats(_ context.Context, _ uds.Message) (any, error) {
	return StatsResponse{
		NodeID:     d.nodeID,
		Sink:       d.sink.Name(),
		Sources:    d.registry.counts(),
		Dispatcher: d.dispatcher.Stats(),
	}, nil
}

func (d *Daemon) handleRecentAudit(_ context.Context, _ uds.Message) (any, error) {
	return d.RecentAudit(), nil
}
