package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"dockhealth/internal/adapter/docker"
	"dockhealth/internal/config"
	"dockhealth/internal/metrics"
	"dockhealth/internal/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const readyTimeout = 15 * time.Second

// StartupError aborts the daemon before any loop starts.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return "startup: " + e.Err.Error() }

func (e *StartupError) Unwrap() error { return e.Err }

// Run connects to Docker at cfg.DockerPath and serves until ctx is
// cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	rt, err := docker.NewRuntime(cfg.DockerPath)
	if err != nil {
		return &StartupError{Err: err}
	}
	defer rt.Close()

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	err = rt.WaitReady(readyCtx)
	cancel()
	if err != nil {
		return &StartupError{Err: err}
	}

	return Serve(ctx, cfg, rt)
}

// Serve runs the event reconciler, refresh loop and ping sweep over rt, plus
// the metrics listener when cfg.MetricsAddr is set. With cfg.Trace, finished
// spans are logged. It blocks until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, rt Runtime) error {
	if cfg.Trace {
		shutdown := tracing.Install(slog.With("component", "trace"))
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("Failed to shut down tracer provider.", "err", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app := Wire(cfg, rt, reg)

	var ln net.Listener
	if cfg.MetricsAddr != "" {
		var err error
		ln, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return &StartupError{Err: fmt.Errorf("listen for metrics: %w", err)}
		}
	}

	slog.Info("Starting dockhealth.",
		"docker", cfg.DockerPath,
		"label", cfg.Label,
		"ping_interval", cfg.PingInterval.String(),
		"fetch_interval", cfg.FetchInterval.String(),
		"trace", cfg.Trace)

	g, ctx := errgroup.WithContext(ctx)
	if ln != nil {
		g.Go(func() error {
			if err := metrics.Serve(ctx, ln, reg); err != nil {
				slog.Error("Metrics server stopped.", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error { return app.Reconciler.Run(ctx) })

	// The first sweep needs an inventory. A failed initial refresh is retried
	// by the refresh loop.
	_ = app.Scheduler.Refresh(ctx)

	g.Go(func() error { return app.Scheduler.RunRefresh(ctx) })
	g.Go(func() error { return app.Scheduler.RunSweep(ctx) })

	err := g.Wait()
	slog.Info("Stopped dockhealth.")
	return err
}
