package registry

import (
	"context"

	"dockhealth/internal/health"
)

// Runtime abstracts the container runtime inventory.
// Production: adapter/docker.Runtime
// Testing: adapter/fake.Runtime
type Runtime interface {
	ListContainers(ctx context.Context) ([]ContainerSummary, error)
	InspectContainer(ctx context.Context, id string) (ContainerDetails, error)
}

// Pinger delivers one status ping for an endpoint.
// Production: ping.Dispatcher
// Testing: adapter/fake.Pinger
type Pinger interface {
	Ping(ctx context.Context, endpoint string, h health.Health) error
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID string
}

// ContainerDetails is the subset of an inspect response the registry reads.
// Config and State are nil when the runtime omitted them.
type ContainerDetails struct {
	ID     string
	Config *ContainerConfig
	State  *ContainerState
}

type ContainerConfig struct {
	Labels map[string]string
}

type ContainerState struct {
	// HealthStatus is the runtime's health check status: "starting",
	// "healthy", "unhealthy", "none", or empty when no check is declared.
	HealthStatus string
}
