package events

import (
	"context"

	"dockhealth/internal/health"
)

// Event is one runtime lifecycle event.
type Event struct {
	Type    string
	Action  string
	ActorID string
}

// Source subscribes to the runtime event stream. The error channel yields
// once when the stream ends; the subscription stops when ctx is cancelled.
// Production: adapter/docker.Runtime
// Testing: adapter/fake.EventSource
type Source interface {
	Subscribe(ctx context.Context) (<-chan Event, <-chan error)
}

// Handler applies container lifecycle changes.
// Production: registry.Registry
type Handler interface {
	ContainerStarted(ctx context.Context, id string) error
	ContainerDied(ctx context.Context, id string) error
	ContainerHealthUpdate(ctx context.Context, id string, h health.Health) error
}
