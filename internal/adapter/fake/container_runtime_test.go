package fake

import (
	"context"
	"errors"
	"testing"

	"dockhealth/internal/health"
	"dockhealth/internal/registry"
)

func TestRuntime_ListAndInspect(t *testing.T) {
	ctx := t.Context()
	rt := NewRuntime()
	rt.AddContainer("b", map[string]string{"healthchecks.url": "https://hc/b"}, "healthy")
	rt.AddContainer("a", nil, "")
	rt.ExtraSummaries = []registry.ContainerSummary{{ID: ""}}

	list, err := rt.ListContainers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "" {
		t.Fatalf("ListContainers() = %+v", list)
	}

	d, err := rt.InspectContainer(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if d.Config.Labels["healthchecks.url"] != "https://hc/b" || d.State.HealthStatus != "healthy" {
		t.Fatalf("InspectContainer() = %+v", d)
	}

	rt.SetHealth("b", "unhealthy")
	d, _ = rt.InspectContainer(ctx, "b")
	if d.State.HealthStatus != "unhealthy" {
		t.Fatalf("health after SetHealth = %q", d.State.HealthStatus)
	}

	rt.RemoveContainer("b")
	if _, err := rt.InspectContainer(ctx, "b"); err == nil {
		t.Fatal("expected error inspecting removed container")
	}

	if got := len(rt.Inspected()); got != 3 {
		t.Fatalf("InspectContainer calls = %d, want 3", got)
	}
}

func TestRuntime_ErrorHooks(t *testing.T) {
	rt := NewRuntime()
	rt.ListErr = func(context.Context) error { return errors.New("daemon down") }
	if _, err := rt.ListContainers(t.Context()); err == nil {
		t.Fatal("expected list error")
	}
}

func TestPinger_Records(t *testing.T) {
	p := NewPinger()
	_ = p.Ping(t.Context(), "e1", health.Starting)
	_ = p.Ping(t.Context(), "e2", health.Healthy)

	got := p.Pings()
	if len(got) != 2 || got[0] != (Ping{"e1", health.Starting}) || got[1] != (Ping{"e2", health.Healthy}) {
		t.Fatalf("Pings() = %+v", got)
	}
	if got := len(p.Calls(MethodPing)); got != 2 {
		t.Fatalf("ping calls = %d, want 2", got)
	}
}
