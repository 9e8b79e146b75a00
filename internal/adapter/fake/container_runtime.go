package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dockhealth/internal/registry"
)

var _ registry.Runtime = (*Runtime)(nil)

// Runtime is an in-memory implementation of registry.Runtime.
type Runtime struct {
	*CallRecorder
	mu         sync.Mutex
	containers map[string]registry.ContainerDetails

	ListErr    func(ctx context.Context) error
	InspectErr func(ctx context.Context, id string) error
	// Extra summaries returned by ListContainers in addition to the stored
	// containers, e.g. malformed entries.
	ExtraSummaries []registry.ContainerSummary
}

// NewRuntime creates an empty Runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		CallRecorder: NewRecorder(),
		containers:   make(map[string]registry.ContainerDetails),
	}
}

// AddContainer stores a running container with the given labels and health
// status ("" means no health check).
func (r *Runtime) AddContainer(id string, labels map[string]string, healthStatus string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[id] = registry.ContainerDetails{
		ID:     id,
		Config: &registry.ContainerConfig{Labels: labels},
		State:  &registry.ContainerState{HealthStatus: healthStatus},
	}
}

// PutDetails stores a raw inspect response, which may be malformed.
func (r *Runtime) PutDetails(d registry.ContainerDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[d.ID] = d
}

// SetHealth updates the stored health status of a container.
func (r *Runtime) SetHealth(id, healthStatus string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.containers[id]
	if !ok {
		return
	}
	d.State = &registry.ContainerState{HealthStatus: healthStatus}
	r.containers[id] = d
}

// RemoveContainer deletes a container.
func (r *Runtime) RemoveContainer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

func (r *Runtime) ListContainers(ctx context.Context) ([]registry.ContainerSummary, error) {
	r.record(Call{Method: MethodList})
	if r.ListErr != nil {
		if err := r.ListErr(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]registry.ContainerSummary, 0, len(r.containers)+len(r.ExtraSummaries))
	for id := range r.containers {
		out = append(out, registry.ContainerSummary{ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	out = append(out, r.ExtraSummaries...)
	return out, nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (registry.ContainerDetails, error) {
	r.record(Call{Method: MethodInspect, ContainerID: id})
	if r.InspectErr != nil {
		if err := r.InspectErr(ctx, id); err != nil {
			return registry.ContainerDetails{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.containers[id]
	if !ok {
		return registry.ContainerDetails{}, fmt.Errorf("container %q not found", id)
	}
	return d, nil
}
