// Package metrics exposes engine activity as Prometheus metrics. Counters are
// driven by the internal event bus so the pipeline itself stays unaware of
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"syncwake/internal/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncwake"

// Metrics owns a private registry so tests and multiple engines do not
// collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	pollCycles      *prometheus.CounterVec
	eventsSkipped   prometheus.Counter
	changes         *prometheus.CounterVec
	eventsPerChange prometheus.Histogram
	syncs           *prometheus.CounterVec
	syncLines       *prometheus.CounterVec
	syncLatency     prometheus.Histogram
	malformed       prometheus.Counter
	drift           prometheus.Counter
	notifications   *prometheus.CounterVec
	shutdownPending prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles run per platform, by result.",
		}, []string{"platform", "result"}),
		eventsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Raw events dropped by the classifier.",
		}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_debounced_total",
			Help:      "Logical changes emitted by the debouncer.",
		}, []string{"platform"}),
		eventsPerChange: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "events_per_change",
			Help:      "Raw events folded into one logical change.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		syncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syncs_total",
			Help:      "Sync runs per platform, by result.",
		}, []string{"platform", "result"}),
		syncLines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_lines_total",
			Help:      "Canonical lines consumed by sync.",
		}, []string{"platform"}),
		syncLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Time spent reading and appending one increment.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_items_total",
			Help:      "Remote items skipped because they could not be parsed.",
		}),
		drift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cursor_drift_total",
			Help:      "Times a log or note was found shorter or longer than its recorded length.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Agent notifications, by result.",
		}, []string{"result"}),
		shutdownPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_pending_changes",
			Help:      "Pending changes flushed or dropped at the last shutdown.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Subscribe updates the metrics from bus events. It returns a func that
// removes the subscription.
func (m *Metrics) Subscribe(eb *bus.EventBus) func() {
	return eb.On(bus.Wildcard, m.observe)
}

func (m *Metrics) observe(e bus.Event) {
	p := e.Payload
	switch e.Type {
	case bus.EventPollCycle:
		result := "ok"
		if b, _ := p["failed"].(bool); b {
			result = "failed"
		}
		m.pollCycles.WithLabelValues(str(p, "platform"), result).Inc()
	case bus.EventEventSkipped:
		m.eventsSkipped.Inc()
	case bus.EventChangeDebounced:
		m.changes.WithLabelValues(str(p, "platform")).Inc()
		if n, ok := p["events"].(int); ok {
			m.eventsPerChange.Observe(float64(n))
		}
	case bus.EventSyncCompleted:
		platform := str(p, "platform")
		m.syncs.WithLabelValues(platform, "ok").Inc()
		if n, ok := p["lines"].(int); ok && n > 0 {
			m.syncLines.WithLabelValues(platform).Add(float64(n))
		}
		if s, ok := p["seconds"].(float64); ok {
			m.syncLatency.Observe(s)
		}
	case bus.EventSyncFailed:
		m.syncs.WithLabelValues(str(p, "platform"), "failed").Inc()
	case bus.EventItemMalformed:
		m.malformed.Inc()
	case bus.EventCursorDrift:
		m.drift.Inc()
	case bus.EventNotifySent:
		m.notifications.WithLabelValues("sent").Inc()
	case bus.EventNotifySuppressed:
		m.notifications.WithLabelValues("suppressed").Inc()
	case bus.EventNotifyFailed:
		m.notifications.WithLabelValues("failed").Inc()
	case bus.EventShutdownCompleted:
		if n, ok := p["pending"].(int); ok {
			m.shutdownPending.Set(float64(n))
		}
	}
}

func str(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// Serve exposes the handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, h http.Handler, logger *slog.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("metrics server starting", "addr", addr, "path", path)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
