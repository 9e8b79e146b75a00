// Package docker adapts the Docker Engine API to the registry and event
// ports.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dockhealth/internal/events"
	"dockhealth/internal/registry"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerevents "github.com/docker/docker/api/types/events"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

var (
	_ registry.Runtime = (*Runtime)(nil)
	_ events.Source    = (*Runtime)(nil)
)

// Runtime implements registry.Runtime and events.Source on a Docker client.
type Runtime struct {
	cli *client.Client
}

// NewRuntime creates a Runtime talking to the daemon at socketPath. A path
// with a scheme (unix://, tcp://) is used as the host verbatim.
func NewRuntime(socketPath string) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(Host(socketPath)), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// Host turns a socket path into a Docker host URL.
func Host(socketPath string) string {
	if strings.Contains(socketPath, "://") {
		return socketPath
	}
	return "unix://" + socketPath
}

// WaitReady polls the daemon every second until it answers or ctx ends.
func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli, time.Second)
}

func (r *Runtime) ListContainers(ctx context.Context) ([]registry.ContainerSummary, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]registry.ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, registry.ContainerSummary{ID: c.ID})
	}
	return out, nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (registry.ContainerDetails, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return registry.ContainerDetails{}, fmt.Errorf("container %s not found: %w", id, err)
		}
		return registry.ContainerDetails{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	return Details(id, info), nil
}

// Details maps an inspect response. Missing sections stay nil so the
// registry can reject them.
func Details(id string, info container.InspectResponse) registry.ContainerDetails {
	d := registry.ContainerDetails{ID: id}
	if info.Config != nil {
		d.Config = &registry.ContainerConfig{Labels: info.Config.Labels}
	}
	if info.ContainerJSONBase != nil && info.State != nil {
		d.State = &registry.ContainerState{}
		if info.State.Health != nil {
			d.State.HealthStatus = string(info.State.Health.Status)
		}
	}
	return d
}

// Subscribe streams container events until ctx is cancelled or the
// connection drops.
func (r *Runtime) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error) {
	msgs, errs := r.cli.Events(ctx, dockerevents.ListOptions{
		Filters: dockerfilters.NewArgs(dockerfilters.Arg("type", string(dockerevents.ContainerEventType))),
	})

	out := make(chan events.Event)
	outErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				outErr <- err
				return
			case m := <-msgs:
				select {
				case out <- Event(m):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}

// Event maps a Docker event message.
func Event(m dockerevents.Message) events.Event {
	return events.Event{
		Type:    string(m.Type),
		Action:  string(m.Action),
		ActorID: m.Actor.ID,
	}
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}
