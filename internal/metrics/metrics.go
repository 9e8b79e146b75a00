// Package metrics exposes Prometheus collectors for the ping bridge.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dockhealth"

// Ping results.
const (
	ResultSent         = "sent"
	ResultFailed       = "failed"
	ResultDeduplicated = "deduplicated"
)

// Metrics groups the collectors updated by the registry, the dispatcher and
// the event reconciler.
type Metrics struct {
	pings      *prometheus.CounterVec
	attempts   prometheus.Counter
	refreshes  *prometheus.CounterVec
	events     *prometheus.CounterVec
	monitored  prometheus.Gauge
	ignored    prometheus.Gauge
	endpoints  prometheus.Gauge
	lastReload prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Ping requests by reported status and result.",
		}, []string{"status", "result"}),
		attempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_attempts_total",
			Help:      "HTTP attempts made while delivering pings, including retries.",
		}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Full container inventory refreshes by result.",
		}, []string{"result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Docker events handled by action and result.",
		}, []string{"action", "result"}),
		monitored: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_containers",
			Help:      "Containers carrying the endpoint label.",
		}),
		ignored: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ignored_containers",
			Help:      "Containers without the endpoint label.",
		}),
		endpoints: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoints",
			Help:      "Distinct ping endpoints with at least one monitored container.",
		}),
		lastReload: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful full refresh.",
		}),
	}
}

func (m *Metrics) ObservePing(status, result string) {
	if m == nil {
		return
	}
	m.pings.WithLabelValues(status, result).Inc()
}

func (m *Metrics) ObserveAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues(ResultFailed).Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.lastReload.Set(float64(time.Now().Unix()))
}

func (m *Metrics) ObserveEvent(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = ResultFailed
	}
	m.events.WithLabelValues(action, result).Inc()
}

// SetInventory records the current registry sizes.
func (m *Metrics) SetInventory(monitored, ignored, endpoints int) {
	if m == nil {
		return
	}
	m.monitored.Set(float64(monitored))
	m.ignored.Set(float64(ignored))
	m.endpoints.Set(float64(endpoints))
}

// Serve exposes g on /metrics through ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down metrics server.", "err", err)
		}
	}()

	slog.Info("Serving metrics.", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
