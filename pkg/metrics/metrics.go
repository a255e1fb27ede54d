// Package metrics exposes the agent's Prometheus instruments.
//
// All methods are safe to call on a nil *Metrics so components can be built
// without a registry in tests.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nomad_logger"

// Metrics holds every instrument the agent records.
type Metrics struct {
	Registry *prometheus.Registry

	allocs        prometheus.Gauge
	sources       *prometheus.GaugeVec
	recordsRead   prometheus.Counter
	recordsAcked  prometheus.Counter
	recordsDrop   prometheus.Counter
	batches       *prometheus.CounterVec
	deliverySecs  prometheus.Histogram
	buffered      prometheus.Gauge
	auditEvents   *prometheus.CounterVec
	reconcileErrs prometheus.Counter
	exports       *prometheus.CounterVec
}

// Export results.
const (
	ExportWritten   = "written"
	ExportUnchanged = "unchanged"
	ExportError     = "error"
)

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		allocs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocs_processed",
			Help:      "Allocations seen on this node during the last reconcile.",
		}),
		sources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sources",
			Help:      "Registered log sources by state.",
		}, []string{"state"}),
		recordsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Log lines framed by tailers.",
		}),
		recordsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_delivered_total",
			Help:      "Log lines acknowledged by the sink.",
		}),
		recordsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Log lines dropped after exhausting delivery retries.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		deliverySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Latency of one delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_records",
			Help:      "Records held by the dispatcher and not yet acknowledged.",
		}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events by kind.",
		}, []string{"kind"}),
		reconcileErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_errors_total",
			Help:      "Failed allocation listings.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_exports_total",
			Help:      "Shipper config export passes by exporter and result.",
		}, []string{"exporter", "result"}),
	}
	m.Registry.MustRegister(
		m.allocs, m.sources, m.recordsRead, m.recordsAcked, m.recordsDrop,
		m.batches, m.deliverySecs, m.buffered, m.auditEvents, m.reconcileErrs,
		m.exports,
		versioncollector.NewCollector(namespace),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SetAllocs(n int) {
	if m == nil {
		return
	}
	m.allocs.Set(float64(n))
}

// SetSources replaces the per-state source gauges.
func (m *Metrics) SetSources(byState map[string]int) {
	if m == nil {
		return
	}
	m.sources.Reset()
	for state, n := range byState {
		m.sources.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) RecordRead() {
	if m == nil {
		return
	}
	m.recordsRead.Inc()
}

// Delivery records one attempt.
func (m *Metrics) Delivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
	m.deliverySecs.Observe(d.Seconds())
}

func (m *Metrics) Acked(n int) {
	if m == nil {
		return
	}
	m.recordsAcked.Add(float64(n))
}

func (m *Metrics) Dropped(n int) {
	if m == nil {
		return
	}
	m.recordsDrop.Add(float64(n))
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.buffered.Set(float64(n))
}

func (m *Metrics) Audit(kind string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReconcileError() {
	if m == nil {
		return
	}
	m.reconcileErrs.Inc()
}

// Export counts one export pass.
func (m *Metrics) Export(exporter, result string) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(exporter, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
