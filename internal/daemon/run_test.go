package daemon

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dockhealth/internal/adapter/fake"
	"dockhealth/internal/config"
	"dockhealth/internal/events"
	"dockhealth/internal/health"
)

type testRuntime struct {
	*fake.Runtime
	*fake.EventSource
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PingRetries = 0
	cfg.PingRetryDelay = time.Millisecond
	cfg.PingTimeout = 5 * time.Second
	cfg.FetchTimeout = 5 * time.Second
	cfg.EventTimeout = 5 * time.Second
	return cfg
}

func TestServe_InitialSweepAndEvents(t *testing.T) {
	paths := make(chan string, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
	}))
	defer srv.Close()

	rt := testRuntime{fake.NewRuntime(), fake.NewEventSource()}
	rt.AddContainer("web", map[string]string{"healthchecks.url": srv.URL + "/web"}, "healthy")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, testConfig(), rt) }()

	waitPath := func(want string) {
		t.Helper()
		select {
		case got := <-paths:
			if got != want {
				t.Fatalf("ping path = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no ping for %q", want)
		}
	}
	waitPath("/web")

	sub, err := rt.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rt.SetHealth("web", "unhealthy")
	sub.Send(events.Event{Type: "container", Action: "health_status: unhealthy", ActorID: "web"})
	waitPath("/web/fail")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestServe_TraceLogsSpans(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	pinged := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pinged <- struct{}{}
	}))
	defer srv.Close()

	rt := testRuntime{fake.NewRuntime(), fake.NewEventSource()}
	rt.AddContainer("web", map[string]string{"healthchecks.url": srv.URL + "/web"}, "healthy")
	cfg := testConfig()
	cfg.Trace = true

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, rt) }()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"component=trace", "span=registry.refresh", "span=ping.deliver"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output does not contain %q:\n%s", want, out)
		}
	}
}

func TestServe_MetricsListenFailureIsStartupError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.MetricsAddr = ln.Addr().String()
	rt := testRuntime{fake.NewRuntime(), fake.NewEventSource()}

	err = Serve(t.Context(), cfg, rt)
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Serve() error = %v, want StartupError", err)
	}
}

func TestWire(t *testing.T) {
	cfg := testConfig()
	cfg.Label = "example.ping"
	rt := testRuntime{fake.NewRuntime(), fake.NewEventSource()}
	rt.AddContainer("a", map[string]string{"example.ping": "https://hc/a"}, "starting")
	rt.AddContainer("b", map[string]string{"healthchecks.url": "https://hc/b"}, "")

	app := Wire(cfg, rt, nil)
	if app.Metrics != nil {
		t.Fatal("expected nil metrics without a registerer")
	}
	if err := app.Registry.RefreshAll(t.Context()); err != nil {
		t.Fatal(err)
	}
	got := app.Registry.AggregatedStatus()
	if len(got) != 1 || got["https://hc/a"] != health.Starting {
		t.Fatalf("AggregatedStatus() = %v", got)
	}
	if app.Scheduler.FetchInterval != cfg.FetchInterval || app.Scheduler.PingInterval != cfg.PingInterval {
		t.Fatalf("scheduler = %+v", app.Scheduler)
	}
}
