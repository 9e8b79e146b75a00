package daemon

import (
	"log/slog"
	"net/http"

	"dockhealth/internal/config"
	"dockhealth/internal/events"
	"dockhealth/internal/metrics"
	"dockhealth/internal/ping"
	"dockhealth/internal/registry"
	"dockhealth/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Runtime is the container runtime the daemon watches.
// Production: adapter/docker.Runtime
type Runtime interface {
	registry.Runtime
	events.Source
}

// App holds the wired components of a running daemon.
type App struct {
	Metrics    *metrics.Metrics
	Dispatcher *ping.Dispatcher
	Registry   *registry.Registry
	Reconciler *events.Reconciler
	Scheduler  *scheduler.Scheduler
}

// Wire builds the daemon components on rt. Collectors are registered on reg
// when it is non-nil.
func Wire(cfg config.Config, rt Runtime, reg prometheus.Registerer) *App {
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	d := ping.New(client, cfg.PingRetries, cfg.PingRetryDelay, ping.WithMetrics(m))
	r := registry.New(rt, d, registry.WithLabel(cfg.Label), registry.WithMetrics(m))

	return &App{
		Metrics:    m,
		Dispatcher: d,
		Registry:   r,
		Reconciler: events.NewReconciler(rt, r, cfg.EventTimeout, events.WithMetrics(m)),
		Scheduler: &scheduler.Scheduler{
			Refresher:     r,
			Sweeper:       r,
			FetchInterval: cfg.FetchInterval,
			FetchTimeout:  cfg.FetchTimeout,
			PingInterval:  cfg.PingInterval,
			PingTimeout:   cfg.PingTimeout,
			Log:           slog.With("component", "scheduler"),
		},
	}
}
