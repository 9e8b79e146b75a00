package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dockhealth/internal/adapter/fake"
	"dockhealth/internal/health"
	"dockhealth/internal/registry"
)

const (
	label = registry.DefaultLabel
	epA   = "https://hc.example/a"
	epB   = "https://hc.example/b"
)

func labelled(ep string) map[string]string {
	return map[string]string{label: ep, "com.docker.compose.service": "web"}
}

func newRegistry(t *testing.T) (*registry.Registry, *fake.Runtime, *fake.Pinger) {
	t.Helper()
	rt := fake.NewRuntime()
	p := fake.NewPinger()
	return registry.New(rt, p), rt, p
}

func assertPings(t *testing.T, p *fake.Pinger, want ...fake.Ping) {
	t.Helper()
	got := p.Pings()
	if len(got) != len(want) {
		t.Fatalf("pings = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ping %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestAggregatedStatus(t *testing.T) {
	reg, rt, _ := newRegistry(t)
	ctx := t.Context()

	rt.AddContainer("c1", labelled(epA), "healthy")
	rt.AddContainer("c2", labelled(epA), "unhealthy")
	rt.AddContainer("c3", labelled(epB), "")
	if err := reg.RefreshAll(ctx); err != nil {
		t.Fatal(err)
	}

	status := reg.AggregatedStatus()
	if status[epA] != health.Unhealthy {
		t.Errorf("status[A] = %v, want unhealthy", status[epA])
	}
	if status[epB] != health.Healthy {
		t.Errorf("status[B] = %v, want healthy (no health check)", status[epB])
	}

	rt.AddContainer("c4", labelled(epA), "starting")
	if err := reg.RefreshAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := reg.AggregatedStatus()[epA]; got != health.Starting {
		t.Errorf("status[A] after starting sibling = %v, want starting", got)
	}
}

func TestRefreshAll_ClassifiesContainers(t *testing.T) {
	reg, rt, p := newRegistry(t)
	rt.AddContainer("mon", labelled(epA), "none")
	rt.AddContainer("plain", map[string]string{"other": "x"}, "healthy")
	rt.AddContainer("nolabels", nil, "")

	if err := reg.RefreshAll(t.Context()); err != nil {
		t.Fatal(err)
	}

	snap := reg.Snapshot()
	if len(snap.Monitored) != 1 || snap.Monitored[0].ID != "mon" || snap.Monitored[0].HasCheck {
		t.Fatalf("monitored = %+v", snap.Monitored)
	}
	if len(snap.Ignored) != 2 || snap.Ignored[0] != "nolabels" || snap.Ignored[1] != "plain" {
		t.Fatalf("ignored = %v", snap.Ignored)
	}
	assertPings(t, p)
}

func TestRefreshAll_ReplacesSnapshotWithoutPinging(t *testing.T) {
	reg, rt, p := newRegistry(t)
	ctx := t.Context()

	rt.AddContainer("c1", labelled(epA), "healthy")
	rt.AddContainer("c2", labelled(epB), "healthy")
	if err := reg.RefreshAll(ctx); err != nil {
		t.Fatal(err)
	}

	rt.RemoveContainer("c2")
	if err := reg.RefreshAll(ctx); err != nil {
		t.Fatal(err)
	}

	status := reg.AggregatedStatus()
	if _, ok := status[epB]; ok {
		t.Fatalf("endpoint B still present after refresh: %v", status)
	}
	if len(status) != 1 {
		t.Fatalf("status = %v, want only A", status)
	}
	assertPings(t, p)
}

func TestRefreshAll_FailureKeepsPreviousSnapshot(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(rt *fake.Runtime)
	}{
		{
			name: "list fails",
			mutate: func(rt *fake.Runtime) {
				rt.ListErr = func(context.Context) error { return errors.New("daemon unavailable") }
			},
		},
		{
			name: "summary without id",
			mutate: func(rt *fake.Runtime) {
				rt.ExtraSummaries = []registry.ContainerSummary{{ID: ""}}
			},
		},
		{
			name: "inspect fails for one container",
			mutate: func(rt *fake.Runtime) {
				rt.InspectErr = func(_ context.Context, id string) error {
					if id == "c2" {
						return errors.New("timeout")
					}
					return nil
				}
			},
		},
		{
			name: "inspect has no config",
			mutate: func(rt *fake.Runtime) {
				rt.PutDetails(registry.ContainerDetails{ID: "broken"})
			},
		},
		{
			name: "labelled container has no state",
			mutate: func(rt *fake.Runtime) {
				rt.PutDetails(registry.ContainerDetails{
					ID:     "broken",
					Config: &registry.ContainerConfig{Labels: labelled(epB)},
				})
			},
		},
		{
			name: "unknown health status",
			mutate: func(rt *fake.Runtime) {
				rt.AddContainer("broken", labelled(epB), "exploding")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, rt, _ := newRegistry(t)
			ctx := t.Context()

			rt.AddContainer("c1", labelled(epA), "healthy")
			if err := reg.RefreshAll(ctx); err != nil {
				t.Fatal(err)
			}

			rt.AddContainer("c2", labelled(epA), "unhealthy")
			tt.mutate(rt)

			err := reg.RefreshAll(ctx)
			if err == nil {
				t.Fatal("expected refresh error")
			}
			if !errors.Is(err, registry.ErrInventory) {
				t.Fatalf("error %v does not wrap ErrInventory", err)
			}

			snap := reg.Snapshot()
			if len(snap.Monitored) != 1 || snap.Monitored[0].ID != "c1" {
				t.Fatalf("snapshot changed after failed refresh: %+v", snap)
			}
		})
	}
}

func TestContainerStarted(t *testing.T) {
	t.Run("labelled container is monitored and pinged", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		rt.AddContainer("c1", labelled(epA), "starting")

		if err := reg.ContainerStarted(t.Context(), "c1"); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Starting})
	})

	t.Run("ping carries aggregated status", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("c1", labelled(epA), "unhealthy")
		if err := reg.RefreshAll(ctx); err != nil {
			t.Fatal(err)
		}

		rt.AddContainer("c2", labelled(epA), "healthy")
		if err := reg.ContainerStarted(ctx, "c2"); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Unhealthy})
	})

	t.Run("unlabelled container is ignored and remembered", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("c1", map[string]string{}, "healthy")

		if err := reg.ContainerStarted(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
		if err := reg.ContainerStarted(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
		if err := reg.ContainerHealthUpdate(ctx, "c1", health.Unhealthy); err != nil {
			t.Fatal(err)
		}

		if got := len(rt.Inspected()); got != 1 {
			t.Fatalf("inspect calls = %d, want 1", got)
		}
		if len(reg.AggregatedStatus()) != 0 {
			t.Fatalf("ignored container appears in status: %v", reg.AggregatedStatus())
		}
		assertPings(t, p)
	})

	t.Run("inspect failure is returned", func(t *testing.T) {
		reg, _, p := newRegistry(t)
		if err := reg.ContainerStarted(t.Context(), "missing"); err == nil {
			t.Fatal("expected error")
		}
		assertPings(t, p)
	})
}

func TestContainerDied(t *testing.T) {
	t.Run("death of one sibling sends no ping", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("a", labelled(epA), "healthy")
		rt.AddContainer("b", labelled(epA), "unhealthy")
		if err := reg.RefreshAll(ctx); err != nil {
			t.Fatal(err)
		}

		if err := reg.ContainerDied(ctx, "b"); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p)
		if got := reg.AggregatedStatus()[epA]; got != health.Healthy {
			t.Fatalf("status[A] = %v, want healthy", got)
		}

		if err := reg.ContainerDied(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Unhealthy})
	})

	t.Run("ignored container dies silently", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("plain", nil, "")
		if err := reg.RefreshAll(ctx); err != nil {
			t.Fatal(err)
		}

		if err := reg.ContainerDied(ctx, "plain"); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p)
		if snap := reg.Snapshot(); len(snap.Ignored) != 0 {
			t.Fatalf("ignored = %v, want empty", snap.Ignored)
		}
	})

	t.Run("unknown container is a no-op", func(t *testing.T) {
		reg, _, p := newRegistry(t)
		if err := reg.ContainerDied(t.Context(), "ghost"); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p)
	})

	t.Run("ping failure is returned", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		p.PingErr = func(context.Context, string, health.Health) error { return errors.New("unreachable") }
		rt.AddContainer("a", labelled(epA), "healthy")
		if err := reg.RefreshAll(ctx); err != nil {
			t.Fatal(err)
		}
		if err := reg.ContainerDied(ctx, "a"); err == nil {
			t.Fatal("expected ping error")
		}
	})
}

func TestDeathDuringInspect(t *testing.T) {
	// dieWhileInspecting delivers a die event for id from inside its inspect.
	dieWhileInspecting := func(t *testing.T, reg *registry.Registry, rt *fake.Runtime, id string) {
		rt.InspectErr = func(ctx context.Context, got string) error {
			if got == id {
				if err := reg.ContainerDied(ctx, id); err != nil {
					t.Errorf("ContainerDied() error = %v", err)
				}
			}
			return nil
		}
	}

	t.Run("start", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		rt.AddContainer("a", labelled(epA), "healthy")
		dieWhileInspecting(t, reg, rt, "a")

		if err := reg.ContainerStarted(t.Context(), "a"); err != nil {
			t.Fatal(err)
		}
		if snap := reg.Snapshot(); len(snap.Monitored) != 0 || len(snap.Ignored) != 0 {
			t.Fatalf("snapshot = %+v, want empty", snap)
		}
		assertPings(t, p)
	})

	t.Run("health event for unknown container", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		rt.AddContainer("a", labelled(epA), "unhealthy")
		dieWhileInspecting(t, reg, rt, "a")

		if err := reg.ContainerHealthUpdate(t.Context(), "a", health.Unhealthy); err != nil {
			t.Fatal(err)
		}
		if len(reg.AggregatedStatus()) != 0 {
			t.Fatalf("AggregatedStatus() = %v, want empty", reg.AggregatedStatus())
		}
		assertPings(t, p)
	})

	t.Run("refresh", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		rt.AddContainer("a", labelled(epA), "healthy")
		rt.AddContainer("b", labelled(epB), "healthy")
		dieWhileInspecting(t, reg, rt, "a")

		if err := reg.RefreshAll(t.Context()); err != nil {
			t.Fatal(err)
		}
		snap := reg.Snapshot()
		if len(snap.Monitored) != 1 || snap.Monitored[0].ID != "b" {
			t.Fatalf("monitored = %+v, want only b", snap.Monitored)
		}
		assertPings(t, p)
	})

	t.Run("death before start does not block it", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("a", labelled(epA), "healthy")

		if err := reg.ContainerDied(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		if err := reg.ContainerStarted(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		if got := reg.AggregatedStatus()[epA]; got != health.Healthy {
			t.Fatalf("status[A] = %v, want healthy", got)
		}
		assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Healthy})
	})
}

func TestContainerHealthUpdate(t *testing.T) {
	t.Run("known container is updated in place", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("a", labelled(epA), "starting")
		if err := reg.RefreshAll(ctx); err != nil {
			t.Fatal(err)
		}
		inspects := len(rt.Inspected())

		if err := reg.ContainerHealthUpdate(ctx, "a", health.Healthy); err != nil {
			t.Fatal(err)
		}
		if got := len(rt.Inspected()); got != inspects {
			t.Fatalf("unexpected inspect for known container")
		}
		assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Healthy})
	})

	t.Run("container without health check gains one", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		ctx := t.Context()
		rt.AddContainer("a", labelled(epA), "")
		rt.AddContainer("b", labelled(epA), "")
		if err := reg.RefreshAll(ctx); err != nil {
			t.Fatal(err)
		}

		if err := reg.ContainerHealthUpdate(ctx, "a", health.Unhealthy); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Unhealthy})
	})

	t.Run("unknown container is inspected and inserted", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		rt.AddContainer("late", labelled(epB), "unhealthy")

		if err := reg.ContainerHealthUpdate(t.Context(), "late", health.Unhealthy); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p, fake.Ping{Endpoint: epB, Health: health.Unhealthy})
		if snap := reg.Snapshot(); len(snap.Monitored) != 1 {
			t.Fatalf("monitored = %+v", snap.Monitored)
		}
	})

	t.Run("unknown unlabelled container becomes ignored", func(t *testing.T) {
		reg, rt, p := newRegistry(t)
		rt.AddContainer("plain", nil, "healthy")

		if err := reg.ContainerHealthUpdate(t.Context(), "plain", health.Healthy); err != nil {
			t.Fatal(err)
		}
		assertPings(t, p)
		if snap := reg.Snapshot(); len(snap.Ignored) != 1 {
			t.Fatalf("ignored = %v", snap.Ignored)
		}
	})
}

func TestPingEndpoint_VacatedDefaultsToUnhealthy(t *testing.T) {
	reg, _, p := newRegistry(t)
	if err := reg.PingEndpoint(t.Context(), epA); err != nil {
		t.Fatal(err)
	}
	assertPings(t, p, fake.Ping{Endpoint: epA, Health: health.Unhealthy})
}

func TestPingAll(t *testing.T) {
	reg, rt, p := newRegistry(t)
	ctx := t.Context()
	rt.AddContainer("a1", labelled(epA), "healthy")
	rt.AddContainer("a2", labelled(epA), "starting")
	rt.AddContainer("b1", labelled(epB), "unhealthy")
	rt.AddContainer("plain", nil, "")
	if err := reg.RefreshAll(ctx); err != nil {
		t.Fatal(err)
	}

	p.PingErr = func(_ context.Context, endpoint string, _ health.Health) error {
		if endpoint == epA {
			return errors.New("endpoint A down")
		}
		return nil
	}

	err := reg.PingAll(ctx)
	if err == nil {
		t.Fatal("expected joined error for endpoint A")
	}

	got := map[string]health.Health{}
	for _, ping := range p.Pings() {
		got[ping.Endpoint] = ping.Health
	}
	if len(got) != 2 || got[epA] != health.Starting || got[epB] != health.Unhealthy {
		t.Fatalf("pings = %v", got)
	}
}

func TestConcurrentEventsKeepDisjointness(t *testing.T) {
	reg, rt, _ := newRegistry(t)
	ctx := t.Context()

	for i := range 20 {
		id := string(rune('a' + i))
		if i%2 == 0 {
			rt.AddContainer(id, labelled(epA), "healthy")
		} else {
			rt.AddContainer(id, nil, "")
		}
	}

	var wg sync.WaitGroup
	for i := range 20 {
		id := string(rune('a' + i))
		wg.Add(4)
		go func() { defer wg.Done(); _ = reg.ContainerStarted(ctx, id) }()
		go func() { defer wg.Done(); _ = reg.ContainerHealthUpdate(ctx, id, health.Unhealthy) }()
		go func() { defer wg.Done(); _ = reg.RefreshAll(ctx) }()
		go func() { defer wg.Done(); _ = reg.AggregatedStatus() }()
	}
	wg.Wait()

	snap := reg.Snapshot()
	seen := map[string]bool{}
	for _, v := range snap.Monitored {
		seen[v.ID] = true
	}
	for _, id := range snap.Ignored {
		if seen[id] {
			t.Fatalf("container %s is both monitored and ignored", id)
		}
	}
	if len(snap.Monitored) != 10 || len(snap.Ignored) != 10 {
		t.Fatalf("monitored=%d ignored=%d, want 10/10", len(snap.Monitored), len(snap.Ignored))
	}
}
